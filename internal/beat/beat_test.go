package beat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorq/conveyor/internal/client"
	"github.com/conveyorq/conveyor/internal/config"
	"github.com/conveyorq/conveyor/internal/timeutil"
)

// recordingSubmitter captures every Submit call the scheduler makes.
type recordingSubmitter struct {
	mu    sync.Mutex
	calls []submitCall
	err   error
}

type submitCall struct {
	name  string
	queue string
}

func (s *recordingSubmitter) Submit(ctx context.Context, name string, payload any, opts ...client.SubmitOption) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}

	// Option closures are opaque; the only option the scheduler ever
	// passes is a queue override.
	queue := ""
	if len(opts) > 0 {
		queue = "overridden"
	}
	s.calls = append(s.calls, submitCall{name: name, queue: queue})
	return "task-id", nil
}

func (s *recordingSubmitter) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.name == name {
			n++
		}
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIntervalTriggerNext(t *testing.T) {
	trigger := IntervalTrigger{Every: time.Hour}
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, base.Add(time.Hour), trigger.Next(base))
}

func TestParseCron(t *testing.T) {
	trigger, err := ParseCron("30 2 * * *")
	require.NoError(t, err)

	after := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	next := trigger.Next(after)
	assert.Equal(t, 2, next.Hour())
	assert.Equal(t, 30, next.Minute())
	assert.True(t, next.After(after))

	_, err = ParseCron("not a cron expr")
	assert.Error(t, err)
}

func TestEntriesFromConfig(t *testing.T) {
	entries, err := EntriesFromConfig([]config.ScheduleConfig{
		{Name: "hourly", Task: "cleanup", Every: time.Hour, Enabled: true},
		{Name: "nightly", Task: "export_work_logs", Cron: "0 3 * * *", Queue: "export", Enabled: true},
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.IsType(t, IntervalTrigger{}, entries[0].Trigger)
	assert.IsType(t, CronTrigger{}, entries[1].Trigger)
	assert.Equal(t, "export", entries[1].Queue)

	_, err = EntriesFromConfig([]config.ScheduleConfig{
		{Name: "broken", Task: "cleanup", Enabled: true},
	})
	assert.Error(t, err, "an entry needs either an interval or a cron expression")

	_, err = EntriesFromConfig([]config.ScheduleConfig{
		{Name: "broken", Task: "cleanup", Cron: "bad", Enabled: true},
	})
	assert.Error(t, err)
}

func TestSchedulerFiresOncePerWindow(t *testing.T) {
	clock := timeutil.NewSimulatedClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	submitter := &recordingSubmitter{}

	s := New([]Entry{
		{Name: "every-second", Task: "tick_task", Trigger: IntervalTrigger{Every: time.Second}, Enabled: true},
	}, submitter, testLogger(), WithClock(clock))

	require.NoError(t, s.init())

	// 11 half-second ticks cover 5.5 seconds: exactly 5 whole windows.
	for i := 0; i < 11; i++ {
		clock.Advance(500 * time.Millisecond)
		s.tickOnce(context.Background())
	}

	assert.Equal(t, 5, submitter.count("tick_task"))
}

func TestSchedulerSkipsDisabledEntries(t *testing.T) {
	clock := timeutil.NewSimulatedClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	submitter := &recordingSubmitter{}

	s := New([]Entry{
		{Name: "off", Task: "never", Trigger: IntervalTrigger{Every: time.Second}, Enabled: false},
		{Name: "on", Task: "always", Trigger: IntervalTrigger{Every: time.Second}, Enabled: true},
	}, submitter, testLogger(), WithClock(clock))

	require.NoError(t, s.init())
	clock.Advance(3 * time.Second)
	s.tickOnce(context.Background())

	assert.Equal(t, 0, submitter.count("never"))
	assert.Equal(t, 1, submitter.count("always"))
}

func TestSchedulerMisfireCatchUpFiresOnce(t *testing.T) {
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := timeutil.NewSimulatedClock(start)
	state := NewMemoryStateStore()
	entries := []Entry{
		{Name: "daily-export", Task: "export_work_logs", Trigger: IntervalTrigger{Every: 24 * time.Hour}, Enabled: true},
	}

	// First scheduler instance seeds state, then "crashes" before firing.
	first := New(entries, &recordingSubmitter{}, testLogger(),
		WithClock(clock), WithStateStore(state))
	require.NoError(t, first.init())

	// Down for 25 hours: one window (start+24h) was missed.
	clock.Advance(25 * time.Hour)

	submitter := &recordingSubmitter{}
	second := New(entries, submitter, testLogger(),
		WithClock(clock), WithStateStore(state))
	require.NoError(t, second.init())

	// Catch-up is a single fire, not one per missed window.
	second.tickOnce(context.Background())
	assert.Equal(t, 1, submitter.count("export_work_logs"))

	// The next fire is 24h from recovery, so nothing else is due soon.
	clock.Advance(23 * time.Hour)
	second.tickOnce(context.Background())
	assert.Equal(t, 1, submitter.count("export_work_logs"))

	clock.Advance(time.Hour)
	second.tickOnce(context.Background())
	assert.Equal(t, 2, submitter.count("export_work_logs"))
}

func TestSchedulerSubmitErrorRetriesNextTick(t *testing.T) {
	clock := timeutil.NewSimulatedClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	submitter := &recordingSubmitter{err: errors.New("broker unavailable")}

	s := New([]Entry{
		{Name: "hourly", Task: "cleanup", Trigger: IntervalTrigger{Every: time.Hour}, Enabled: true},
	}, submitter, testLogger(), WithClock(clock))

	require.NoError(t, s.init())
	clock.Advance(time.Hour)
	s.tickOnce(context.Background())
	assert.Equal(t, 0, submitter.count("cleanup"))

	// Broker recovers: the still-due entry fires on the next tick instead
	// of silently skipping its window.
	submitter.mu.Lock()
	submitter.err = nil
	submitter.mu.Unlock()

	clock.Advance(time.Second)
	s.tickOnce(context.Background())
	assert.Equal(t, 1, submitter.count("cleanup"))

	// And only once.
	clock.Advance(time.Second)
	s.tickOnce(context.Background())
	assert.Equal(t, 1, submitter.count("cleanup"))
}

func TestSchedulerQueueOverride(t *testing.T) {
	clock := timeutil.NewSimulatedClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	submitter := &recordingSubmitter{}

	s := New([]Entry{
		{Name: "routed", Task: "export_work_logs", Queue: "export", Trigger: IntervalTrigger{Every: time.Second}, Enabled: true},
	}, submitter, testLogger(), WithClock(clock))

	require.NoError(t, s.init())
	clock.Advance(time.Second)
	s.tickOnce(context.Background())

	submitter.mu.Lock()
	defer submitter.mu.Unlock()
	require.Len(t, submitter.calls, 1)
	assert.Equal(t, "overridden", submitter.calls[0].queue)
}

func TestFileStateStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beat-state.json")
	store := NewFileStateStore(path)

	// Missing file is an empty table, not an error.
	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)

	next := map[string]time.Time{
		"daily-export": time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Save(next))

	loaded, err = store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.True(t, loaded["daily-export"].Equal(next["daily-export"]))
}
