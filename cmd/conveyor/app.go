package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/conveyorq/conveyor/internal/broker"
	"github.com/conveyorq/conveyor/internal/client"
	"github.com/conveyorq/conveyor/internal/config"
	"github.com/conveyorq/conveyor/internal/handlers"
	"github.com/conveyorq/conveyor/internal/platform/logger"
	"github.com/conveyorq/conveyor/internal/platform/postgres"
	"github.com/conveyorq/conveyor/internal/result"
	"github.com/conveyorq/conveyor/internal/task"
)

// application bundles the wired components every subcommand needs.
type application struct {
	config   *config.Config
	logger   *slog.Logger
	db       *sql.DB
	broker   broker.Broker
	results  result.Store
	registry *task.Registry
	client   *client.Client
}

// newApplication loads all components from configuration: logging, the
// broker and result store backends, the task registry with the built-in
// handlers, and the producer client. A broker that cannot be reached is
// a fatal startup error.
func newApplication(ctx context.Context, cfg *config.Config) (*application, error) {
	log := logger.Setup(cfg.Server)

	var db *sql.DB
	needsDB := cfg.Broker.Driver == "postgres" || cfg.ResultStore.Driver == "postgres"
	if needsDB {
		var err error
		db, err = postgres.Open(ctx, cfg.Broker.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", task.ErrBrokerUnavailable, err)
		}
	}

	var b broker.Broker
	switch cfg.Broker.Driver {
	case "postgres":
		b = postgres.NewBroker(db, cfg.Broker.VisibilityTimeout)
	default:
		b = broker.NewMemory(cfg.Broker.VisibilityTimeout)
	}

	var results result.Store
	switch cfg.ResultStore.Driver {
	case "postgres":
		results = postgres.NewResultStore(db, cfg.ResultStore.TTL)
	default:
		results = result.NewMemory(cfg.ResultStore.TTL)
	}

	registry := task.NewRegistry()

	// The demo wiring feeds the export task from a synthetic source; a
	// real deployment replaces these with its own stores.
	source := &handlers.SyntheticSource{Total: 500}
	sink := handlers.NewMemorySink()

	var purgers []handlers.Purger
	if p, ok := results.(handlers.Purger); ok {
		purgers = append(purgers, p)
	}

	if err := handlers.Register(registry, source, sink, purgers...); err != nil {
		return nil, fmt.Errorf("failed to register task handlers: %w", err)
	}

	c := client.New(registry, b, results, cfg.Retry.MaxRetries, log)

	log.Info("application initialized",
		"broker_driver", cfg.Broker.Driver,
		"result_driver", cfg.ResultStore.Driver,
		"registered_tasks", registry.Names())

	return &application{
		config:   cfg,
		logger:   log,
		db:       db,
		broker:   b,
		results:  results,
		registry: registry,
		client:   c,
	}, nil
}

// Close releases the application's resources.
func (app *application) Close() {
	if err := app.broker.Close(); err != nil {
		app.logger.Error("failed to close broker", "error", err)
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("failed to close database", "error", err)
		}
	}
}

// retryPolicy builds the retry policy engine from configuration.
func (app *application) retryPolicy() task.RetryPolicy {
	return task.NewRetryPolicy(
		app.config.Retry.BackoffBase,
		app.config.Retry.BackoffMax,
		app.config.Retry.BackoffJitter,
	)
}
