package beat

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// StateStore persists per-entry next-fire times so a restart does not
// lose track of missed windows.
type StateStore interface {
	// Load returns the persisted next-fire times, keyed by entry name.
	// A missing or empty store yields an empty map, not an error.
	Load() (map[string]time.Time, error)

	// Save persists the full next-fire table.
	Save(next map[string]time.Time) error
}

// MemoryStateStore keeps scheduler state in memory. Useful for tests and
// for deployments that accept losing misfire detection across restarts.
type MemoryStateStore struct {
	mu   sync.Mutex
	next map[string]time.Time
}

// NewMemoryStateStore creates an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{next: make(map[string]time.Time)}
}

func (s *MemoryStateStore) Load() (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]time.Time, len(s.next))
	for name, t := range s.next {
		out[name] = t
	}
	return out, nil
}

func (s *MemoryStateStore) Save(next map[string]time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next = make(map[string]time.Time, len(next))
	for name, t := range next {
		s.next[name] = t
	}
	return nil
}

// FileStateStore persists scheduler state as JSON in a single file,
// written atomically via a temp file rename.
type FileStateStore struct {
	path string
}

// NewFileStateStore creates a state store backed by the given file path.
func NewFileStateStore(path string) *FileStateStore {
	return &FileStateStore{path: path}
}

func (s *FileStateStore) Load() (map[string]time.Time, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]time.Time), nil
		}
		return nil, fmt.Errorf("failed to read scheduler state file: %w", err)
	}

	next := make(map[string]time.Time)
	if err := json.Unmarshal(data, &next); err != nil {
		return nil, fmt.Errorf("failed to parse scheduler state file: %w", err)
	}
	return next, nil
}

func (s *FileStateStore) Save(next map[string]time.Time) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode scheduler state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write scheduler state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace scheduler state file: %w", err)
	}
	return nil
}
