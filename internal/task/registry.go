package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// ProgressReporter is passed into every handler invocation. Handlers may
// call Report zero or more times to surface incremental progress to
// polling clients. Implementations clamp regressions so the observed
// progress sequence is monotonically non-decreasing within one attempt.
type ProgressReporter interface {
	// Report records progress as a percentage in [0, 100] with an
	// optional free-text status message.
	Report(ctx context.Context, percent int, message string)
}

// ExecContext carries the external dependencies a handler may need,
// injected explicitly instead of recovered from ambient global state.
type ExecContext struct {
	// DB is an optional database handle for handlers that read or write
	// application data.
	DB *sql.DB

	// Logger is the worker's logger, pre-annotated with task fields.
	Logger *slog.Logger
}

// Invocation is the full context of a single handler execution.
type Invocation struct {
	// TaskID is the task's unique identifier (also its idempotency key).
	TaskID string

	// Name is the registered task name being executed.
	Name string

	// Queue is the queue the message was dequeued from.
	Queue string

	// Attempt is the zero-based attempt number of this execution.
	Attempt int

	// Payload is the JSON-encoded arguments from the task message.
	Payload []byte

	// Progress reports incremental progress to the result store.
	Progress ProgressReporter

	// Exec carries injected external dependencies.
	Exec *ExecContext
}

// Bind unmarshals the invocation payload into v.
func (inv *Invocation) Bind(v any) error {
	if len(inv.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(inv.Payload, v); err != nil {
		return Permanentf("invalid task payload: %w", err)
	}
	return nil
}

// Handler is the function signature for task implementations. The return
// value is recorded as the task result on success; a non-nil error is
// classified by the retry policy engine.
type Handler func(ctx context.Context, inv *Invocation) (any, error)

// Registration binds a task name to its handler and per-task defaults.
type Registration struct {
	// Name is the registry key; must be unique and non-empty.
	Name string

	// Handler executes the task.
	Handler Handler

	// Queue is the default queue for this task when the submitter does
	// not override it. Empty means the "default" queue.
	Queue string

	// MaxRetries overrides the configured default retry budget when >= 0.
	// Use -1 to inherit the default.
	MaxRetries int

	// TimeLimit overrides the worker's default hard execution time limit
	// when > 0.
	TimeLimit time.Duration
}

// DefaultQueue is used when neither the registration nor the submitter
// names a queue.
const DefaultQueue = "default"

// Registry maps task names to their registrations. It is populated once
// during a defined startup phase and read-only thereafter, so lookups
// need no locking.
type Registry struct {
	entries map[string]Registration
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

// Register adds a task registration. It fails on an empty name, a nil
// handler, or a duplicate name so misconfiguration surfaces at startup
// rather than at execution time.
func (r *Registry) Register(reg Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("task registration requires a name")
	}
	if reg.Handler == nil {
		return fmt.Errorf("task %q registration requires a handler", reg.Name)
	}
	if _, exists := r.entries[reg.Name]; exists {
		return fmt.Errorf("task %q is already registered", reg.Name)
	}
	if reg.Queue == "" {
		reg.Queue = DefaultQueue
	}
	r.entries[reg.Name] = reg
	return nil
}

// MustRegister is Register that panics on error, for startup wiring.
func (r *Registry) MustRegister(reg Registration) {
	if err := r.Register(reg); err != nil {
		panic(err)
	}
}

// Lookup returns the registration for name.
func (r *Registry) Lookup(name string) (Registration, bool) {
	reg, ok := r.entries[name]
	return reg, ok
}

// Names returns the registered task names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
