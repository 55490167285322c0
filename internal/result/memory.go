package result

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/conveyorq/conveyor/internal/task"
	"github.com/conveyorq/conveyor/internal/timeutil"
)

// Memory is an in-process result store. Terminal entries are expired
// lazily on access and eagerly by PurgeExpired, after the configured TTL.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*TaskResult
	ttl     time.Duration
	clock   timeutil.Clock
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock injects a clock, used by tests to simulate TTL expiry.
func WithClock(clock timeutil.Clock) MemoryOption {
	return func(s *Memory) { s.clock = clock }
}

// NewMemory creates an in-memory result store with the given TTL for
// terminal entries.
func NewMemory(ttl time.Duration, opts ...MemoryOption) *Memory {
	s := &Memory{
		entries: make(map[string]*TaskResult),
		ttl:     ttl,
		clock:   timeutil.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Memory) Create(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[taskID]; exists {
		return fmt.Errorf("%w: %s", task.ErrDuplicateTask, taskID)
	}
	s.entries[taskID] = &TaskResult{
		TaskID:    taskID,
		State:     task.StatePending,
		CreatedAt: s.clock.Now(),
	}
	return nil
}

func (s *Memory) Get(ctx context.Context, taskID string) (*TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.liveLocked(taskID)
	if err != nil {
		return nil, err
	}
	clone := *entry
	return &clone, nil
}

func (s *Memory) Start(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.liveLocked(taskID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	entry.State = task.StateProgress
	entry.StartedAt = &now
	return nil
}

func (s *Memory) SetProgress(ctx context.Context, taskID string, percent int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.liveLocked(taskID)
	if err != nil {
		return err
	}
	if percent > 100 {
		percent = 100
	}
	// Clamp regressions to the previous maximum.
	if percent > entry.Progress {
		entry.Progress = percent
	}
	if message != "" {
		entry.Message = message
	}
	return nil
}

func (s *Memory) Succeed(ctx context.Context, taskID string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.liveLocked(taskID)
	if err != nil {
		return err
	}

	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode task result: %w", err)
		}
		raw = encoded
	}

	now := s.clock.Now()
	entry.State = task.StateSuccess
	entry.Progress = 100
	entry.Result = raw
	entry.Error = nil
	entry.FinishedAt = &now
	return nil
}

func (s *Memory) Fail(ctx context.Context, taskID string, kind, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.liveLocked(taskID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	entry.State = task.StateFailure
	entry.Error = &TaskError{Kind: kind, Message: message}
	entry.FinishedAt = &now
	return nil
}

func (s *Memory) Requeue(ctx context.Context, taskID string, attempt int, errMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.liveLocked(taskID)
	if err != nil {
		return err
	}
	entry.State = task.StatePending
	entry.Progress = 0
	entry.Message = fmt.Sprintf("retry %d scheduled: %s", attempt, errMessage)
	entry.StartedAt = nil
	return nil
}

func (s *Memory) MarkRevoked(ctx context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.liveLocked(taskID)
	if err != nil {
		return false, err
	}
	if entry.State != task.StatePending {
		return false, nil
	}
	now := s.clock.Now()
	entry.State = task.StateRevoked
	entry.FinishedAt = &now
	return true, nil
}

// PurgeExpired removes terminal entries past TTL and returns how many
// were deleted. Called periodically by the worker process.
func (s *Memory) PurgeExpired(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, entry := range s.entries {
		if s.expiredLocked(entry) {
			delete(s.entries, id)
			purged++
		}
	}
	return purged
}

// liveLocked returns the entry for taskID, expiring it first if its TTL
// has passed. Callers hold s.mu.
func (s *Memory) liveLocked(taskID string) (*TaskResult, error) {
	entry, ok := s.entries[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrResultNotFound, taskID)
	}
	if s.expiredLocked(entry) {
		delete(s.entries, taskID)
		return nil, fmt.Errorf("%w: %s", task.ErrResultNotFound, taskID)
	}
	return entry, nil
}

func (s *Memory) expiredLocked(entry *TaskResult) bool {
	if !entry.State.IsTerminal() || entry.FinishedAt == nil || s.ttl <= 0 {
		return false
	}
	return s.clock.Now().Sub(*entry.FinishedAt) >= s.ttl
}
