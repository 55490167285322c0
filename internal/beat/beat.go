// Package beat implements the periodic scheduler: it evaluates a static
// table of schedule entries against a clock and submits the corresponding
// task exactly once per firing window. A single scheduler instance must be
// active per deployment; running more than one without external
// coordination risks duplicate firing.
package beat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/conveyorq/conveyor/internal/client"
	"github.com/conveyorq/conveyor/internal/config"
	"github.com/conveyorq/conveyor/internal/timeutil"
)

// Trigger computes the next fire time strictly after a reference time.
type Trigger interface {
	Next(after time.Time) time.Time
}

// IntervalTrigger fires at a fixed interval.
type IntervalTrigger struct {
	Every time.Duration
}

func (t IntervalTrigger) Next(after time.Time) time.Time {
	return after.Add(t.Every)
}

// CronTrigger fires per a standard 5-field cron expression.
type CronTrigger struct {
	expr     string
	schedule cron.Schedule
}

// ParseCron builds a CronTrigger from a standard cron expression
// (minute, hour, day-of-month, month, day-of-week).
func ParseCron(expr string) (CronTrigger, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return CronTrigger{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return CronTrigger{expr: expr, schedule: schedule}, nil
}

func (t CronTrigger) Next(after time.Time) time.Time {
	return t.schedule.Next(after)
}

func (t CronTrigger) String() string { return t.expr }

// Entry is one row of the schedule table: static configuration owned by
// the scheduler and never mutated by workers.
type Entry struct {
	// Name uniquely identifies the entry in the table and in persisted
	// scheduler state.
	Name string

	// Task is the registered task name to submit on each firing.
	Task string

	// Queue optionally overrides the task's default queue.
	Queue string

	// Payload is the argument template submitted with every firing.
	Payload any

	// Trigger defines the firing schedule.
	Trigger Trigger

	// Enabled gates the entry without removing it from the table.
	Enabled bool
}

// EntriesFromConfig converts the configuration schedule table into
// scheduler entries, parsing cron expressions.
func EntriesFromConfig(cfgs []config.ScheduleConfig) ([]Entry, error) {
	entries := make([]Entry, 0, len(cfgs))
	for _, sc := range cfgs {
		var trigger Trigger
		switch {
		case sc.Every > 0:
			trigger = IntervalTrigger{Every: sc.Every}
		case sc.Cron != "":
			ct, err := ParseCron(sc.Cron)
			if err != nil {
				return nil, fmt.Errorf("schedule entry %q: %w", sc.Name, err)
			}
			trigger = ct
		default:
			return nil, fmt.Errorf("schedule entry %q: either every or cron is required", sc.Name)
		}

		var payload any
		if len(sc.Args) > 0 {
			payload = sc.Args
		}

		entries = append(entries, Entry{
			Name:    sc.Name,
			Task:    sc.Task,
			Queue:   sc.Queue,
			Payload: payload,
			Trigger: trigger,
			Enabled: sc.Enabled,
		})
	}
	return entries, nil
}

// Submitter is the slice of the task client the scheduler needs. The
// scheduler submits through the same path as any other producer.
type Submitter interface {
	Submit(ctx context.Context, name string, payload any, opts ...client.SubmitOption) (string, error)
}

// Scheduler evaluates the schedule table on a fixed tick. It is the
// single logical owner of each entry's next fire time.
type Scheduler struct {
	entries   []Entry
	submitter Submitter
	state     StateStore
	clock     timeutil.Clock
	tick      time.Duration
	logger    *slog.Logger

	next map[string]time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock injects a clock, used by tests to simulate time.
func WithClock(clock timeutil.Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithStateStore persists next-fire times across restarts so a window
// missed during downtime fires once on recovery.
func WithStateStore(store StateStore) Option {
	return func(s *Scheduler) { s.state = store }
}

// WithTick overrides the default 1-second poll interval.
func WithTick(tick time.Duration) Option {
	return func(s *Scheduler) { s.tick = tick }
}

// New creates a scheduler over the given schedule table.
func New(entries []Entry, submitter Submitter, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		entries:   entries,
		submitter: submitter,
		state:     NewMemoryStateStore(),
		clock:     timeutil.NewRealClock(),
		tick:      time.Second,
		logger:    logger,
		next:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes the tick loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.init(); err != nil {
		return err
	}

	s.logger.Info("scheduler started",
		"entries", len(s.entries),
		"tick", s.tick)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-s.clock.After(s.tick):
			s.tickOnce(ctx)
		}
	}
}

// init seeds next-fire times: persisted values win so that a window
// missed while the scheduler was down fires once on recovery; entries
// without persisted state start from their first future fire time.
func (s *Scheduler) init() error {
	saved, err := s.state.Load()
	if err != nil {
		return fmt.Errorf("failed to load scheduler state: %w", err)
	}

	now := s.clock.Now()
	for _, entry := range s.entries {
		if !entry.Enabled {
			continue
		}
		if t, ok := saved[entry.Name]; ok {
			s.next[entry.Name] = t
		} else {
			s.next[entry.Name] = entry.Trigger.Next(now)
		}
	}

	// Persist the seeded table immediately: a restart must see the fire
	// times that were pending when the process went down, or a missed
	// window could not be detected.
	if err := s.state.Save(s.next); err != nil {
		return fmt.Errorf("failed to persist scheduler state: %w", err)
	}
	return nil
}

// tickOnce fires every due entry once and recomputes its next fire time
// from now, not from the missed window: catch-up after downtime is a
// single fire, never a replay per missed window.
func (s *Scheduler) tickOnce(ctx context.Context) {
	now := s.clock.Now()
	dirty := false

	for _, entry := range s.entries {
		if !entry.Enabled {
			continue
		}
		nextFire, ok := s.next[entry.Name]
		if !ok || now.Before(nextFire) {
			continue
		}

		// Informational only: more than one window elapsed since the
		// scheduled fire time.
		if windowAfter := entry.Trigger.Next(nextFire); !windowAfter.After(now) {
			s.logger.Warn("scheduler misfire, firing once to catch up",
				"entry", entry.Name,
				"scheduled", nextFire,
				"now", now)
		}

		opts := []client.SubmitOption{}
		if entry.Queue != "" {
			opts = append(opts, client.WithQueue(entry.Queue))
		}

		taskID, err := s.submitter.Submit(ctx, entry.Task, entry.Payload, opts...)
		if err != nil {
			// Leave nextFire unchanged so the entry is retried on the
			// next tick instead of silently skipping the window.
			s.logger.Error("failed to submit scheduled task",
				"entry", entry.Name,
				"task_name", entry.Task,
				"error", err)
			continue
		}

		s.logger.Info("scheduled task fired",
			"entry", entry.Name,
			"task_name", entry.Task,
			"task_id", taskID)

		s.next[entry.Name] = entry.Trigger.Next(now)
		dirty = true
	}

	if dirty {
		if err := s.state.Save(s.next); err != nil {
			s.logger.Error("failed to persist scheduler state", "error", err)
		}
	}
}
