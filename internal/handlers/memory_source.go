package handlers

import (
	"context"
	"sync"
	"time"
)

// SyntheticSource is an in-memory WorkLogSource generating a fixed number
// of records. Used by the demo wiring and by tests.
type SyntheticSource struct {
	// Total is the number of records the source pretends to hold.
	Total int

	// Delay, when positive, is slept per fetched batch to simulate a
	// slow backing store.
	Delay time.Duration
}

func (s *SyntheticSource) CountWorkLogs(ctx context.Context, start, end time.Time) (int, error) {
	return s.Total, nil
}

func (s *SyntheticSource) FetchWorkLogs(ctx context.Context, start, end time.Time, offset, limit int) ([]WorkLog, error) {
	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.Delay):
		}
	}

	remaining := s.Total - offset
	if remaining <= 0 {
		return nil, nil
	}
	if remaining < limit {
		limit = remaining
	}

	logs := make([]WorkLog, limit)
	for i := range logs {
		logs[i] = WorkLog{
			ID:       time.Time{}.Add(time.Duration(offset+i) * time.Hour).Format("log-20060102T15"),
			Date:     start,
			Duration: time.Hour,
		}
	}
	return logs, nil
}

// MemorySink collects exported batches in memory.
type MemorySink struct {
	mu      sync.Mutex
	batches map[string][]WorkLog
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{batches: make(map[string][]WorkLog)}
}

func (s *MemorySink) WriteBatch(ctx context.Context, taskID string, logs []WorkLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[taskID] = append(s.batches[taskID], logs...)
	return nil
}

// Exported returns the records written for taskID.
func (s *MemorySink) Exported(taskID string) []WorkLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkLog, len(s.batches[taskID]))
	copy(out, s.batches[taskID])
	return out
}
