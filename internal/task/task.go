package task

import (
	"time"
)

// State represents the current state of a task
type State string

// Possible task state values
const (
	StatePending  State = "PENDING"
	StateProgress State = "PROGRESS"
	StateSuccess  State = "SUCCESS"
	StateFailure  State = "FAILURE"
	StateRevoked  State = "REVOKED"
)

// IsTerminal reports whether the state is final. Terminal results are
// subject to TTL expiry in the result store.
func (s State) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateRevoked:
		return true
	}
	return false
}

// Message represents a unit of background work travelling through the
// broker. A message is immutable once enqueued; retries enqueue a new
// message carrying the same ID and CreatedAt with Attempt incremented.
type Message struct {
	// ID is the task's unique identifier, shared by every retry attempt.
	ID string `json:"id"`

	// Name is the registry key identifying the handler to run.
	Name string `json:"name"`

	// Queue is the named channel the message is routed to.
	Queue string `json:"queue"`

	// Payload is the JSON-encoded handler arguments.
	Payload []byte `json:"payload,omitempty"`

	// Priority orders messages within a queue; higher is served first.
	Priority int `json:"priority"`

	// ETA is the earliest time the message becomes visible to dequeue.
	// Zero means immediately visible.
	ETA time.Time `json:"eta,omitempty"`

	// Attempt is the zero-based execution attempt count.
	Attempt int `json:"attempt"`

	// MaxRetries bounds how many times a failed execution may be retried.
	MaxRetries int `json:"max_retries"`

	// CreatedAt is when the task was first submitted. Preserved across
	// retries so age tracking stays accurate.
	CreatedAt time.Time `json:"created_at"`
}

// VisibleAt reports whether the message is eligible for dequeue at t.
func (m *Message) VisibleAt(t time.Time) bool {
	return m.ETA.IsZero() || !m.ETA.After(t)
}
