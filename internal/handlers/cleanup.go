package handlers

import (
	"context"
	"time"

	"github.com/conveyorq/conveyor/internal/task"
)

// Purger removes aged-out records. Implemented by result stores and by
// application stores that accumulate export artifacts.
type Purger interface {
	PurgeExpired(ctx context.Context) int
}

// cleanupPayload represents the serialized arguments of a cleanup task.
type cleanupPayload struct {
	// OlderThanHours is accepted for compatibility with schedule args but
	// currently informational: each purger applies its own retention.
	OlderThanHours int `json:"older_than_hours,omitempty"`
}

// CleanupResult is the handler's return value.
type CleanupResult struct {
	Purged int `json:"purged"`
}

// CleanupHandler builds the cleanup handler over the given purgers.
// Intended to run on a schedule (e.g. every 24h).
func CleanupHandler(purgers ...Purger) task.Handler {
	return func(ctx context.Context, inv *task.Invocation) (any, error) {
		var payload cleanupPayload
		if err := inv.Bind(&payload); err != nil {
			return nil, err
		}

		purged := 0
		for _, p := range purgers {
			purged += p.PurgeExpired(ctx)
		}
		return CleanupResult{Purged: purged}, nil
	}
}

// Register wires the built-in handlers into the registry. source, sink,
// and purgers come from the process wiring; exports run on their own
// queue with a generous time limit, cleanup is quick and non-retryable
// by configuration.
func Register(registry *task.Registry, source WorkLogSource, sink ExportSink, purgers ...Purger) error {
	if err := registry.Register(task.Registration{
		Name:       TaskExportWorkLogs,
		Handler:    ExportHandler(source, sink),
		Queue:      ExportQueue,
		MaxRetries: -1,
		TimeLimit:  30 * time.Minute,
	}); err != nil {
		return err
	}

	return registry.Register(task.Registration{
		Name:       TaskCleanup,
		Handler:    CleanupHandler(purgers...),
		MaxRetries: 0,
		TimeLimit:  time.Minute,
	})
}
