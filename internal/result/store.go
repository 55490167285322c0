// Package result tracks per-task execution state: lifecycle state,
// progress percentage, result payload or error, and timestamps. Entries
// for terminal tasks expire after a configurable TTL. The store requires
// only per-task-id atomicity; no cross-key transactions.
package result

import (
	"context"
	"encoding/json"
	"time"

	"github.com/conveyorq/conveyor/internal/task"
)

// TaskError is the sanitized failure description exposed to callers.
// Stack traces stay in worker logs; they are never stored here.
type TaskError struct {
	// Kind is the machine-readable error class, e.g. "TransientError",
	// "PermanentError", "TimeoutError", "UnknownTask".
	Kind string `json:"kind"`

	// Message is the human-readable error description.
	Message string `json:"message"`
}

// TaskResult is the mutable record of one task's execution, owned
// exclusively by the worker currently executing the task.
type TaskResult struct {
	TaskID     string          `json:"task_id"`
	State      task.State      `json:"state"`
	Progress   int             `json:"progress"`
	Message    string          `json:"message,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *TaskError      `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Store persists task results keyed by task id. Implementations must be
// safe for concurrent use with per-key atomic writes.
type Store interface {
	// Create registers a new PENDING result. Returns
	// task.ErrDuplicateTask if the id is already tracked, which makes the
	// task id double as an idempotency key for submission.
	Create(ctx context.Context, taskID string) error

	// Get returns the result for taskID, or task.ErrResultNotFound if
	// the id is unknown or the entry expired past TTL.
	Get(ctx context.Context, taskID string) (*TaskResult, error)

	// Start transitions the result to PROGRESS and stamps StartedAt.
	Start(ctx context.Context, taskID string) error

	// SetProgress updates progress and the status message. Regressions
	// are clamped to the previous maximum so observed progress is
	// monotonically non-decreasing within an execution attempt.
	SetProgress(ctx context.Context, taskID string, percent int, message string) error

	// Succeed records a SUCCESS terminal state with the JSON-encoded
	// handler return value.
	Succeed(ctx context.Context, taskID string, payload any) error

	// Fail records a FAILURE terminal state with a sanitized error.
	Fail(ctx context.Context, taskID string, kind, message string) error

	// Requeue resets the result to PENDING ahead of a retry attempt and
	// resets the progress baseline for the next attempt.
	Requeue(ctx context.Context, taskID string, attempt int, errMessage string) error

	// MarkRevoked transitions a still-PENDING result to REVOKED. Returns
	// false if execution already began or the task already terminated.
	MarkRevoked(ctx context.Context, taskID string) (bool, error)
}
