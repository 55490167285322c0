package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conveyorq/conveyor/internal/beat"
	"github.com/conveyorq/conveyor/internal/task"
	"github.com/conveyorq/conveyor/internal/worker"
)

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	var (
		queues      string
		concurrency int
		hostname    string
		withBeat    bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker process",
		Long: "Starts a pool of workers pulling tasks from the configured queues. " +
			"With --beat, an embedded scheduler also runs in this process; only one " +
			"beat instance may be active per deployment.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			if queues != "" {
				cfg.Worker.Queues = splitQueues(queues)
			}
			if concurrency > 0 {
				cfg.Worker.Concurrency = concurrency
			}
			if hostname != "" {
				cfg.Worker.Hostname = hostname
			}
			if cfg.Worker.Hostname == "" {
				if h, err := os.Hostname(); err == nil {
					cfg.Worker.Hostname = h
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := newApplication(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			defer app.Close()

			pool := worker.NewPool(
				app.broker,
				app.results,
				app.registry,
				app.retryPolicy(),
				&task.ExecContext{DB: app.db, Logger: app.logger},
				worker.Config{
					Queues:           cfg.Worker.Queues,
					Concurrency:      cfg.Worker.Concurrency,
					Hostname:         cfg.Worker.Hostname,
					DefaultTimeLimit: cfg.Worker.TaskTimeLimit,
				},
				app.logger,
			)
			pool.Start()

			beatDone := make(chan error, 1)
			if withBeat {
				scheduler, err := newScheduler(app)
				if err != nil {
					pool.Stop()
					return err
				}
				go func() { beatDone <- scheduler.Run(ctx) }()
			}

			<-ctx.Done()
			app.logger.Info("shutdown signal received")

			pool.Stop()
			if withBeat {
				if err := <-beatDone; err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&queues, "queues", "", "comma-separated queue list, highest priority first")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of concurrent workers")
	cmd.Flags().StringVar(&hostname, "hostname", "", "worker identity for logs (defaults to OS hostname)")
	cmd.Flags().BoolVar(&withBeat, "beat", false, "also run the scheduler in this process")

	return cmd
}

// newScheduler builds a scheduler from the application's schedule table.
func newScheduler(app *application) (*beat.Scheduler, error) {
	entries, err := beat.EntriesFromConfig(app.config.Beat.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule table: %w", err)
	}

	beatOpts := []beat.Option{}
	if app.config.Beat.TickInterval > 0 {
		beatOpts = append(beatOpts, beat.WithTick(app.config.Beat.TickInterval))
	}
	if app.config.Beat.StateFile != "" {
		beatOpts = append(beatOpts, beat.WithStateStore(beat.NewFileStateStore(app.config.Beat.StateFile)))
	}

	return beat.New(entries, app.client, app.logger, beatOpts...), nil
}

func splitQueues(list string) []string {
	parts := strings.Split(list, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
