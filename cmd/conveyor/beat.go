package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newBeatCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "beat",
		Short: "Run the scheduler process",
		Long: "Evaluates the configured schedule table and submits due tasks. " +
			"Run exactly one beat instance per deployment: concurrent instances " +
			"without external coordination can fire duplicates.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if len(cfg.Beat.Schedule) == 0 {
				return fmt.Errorf("no schedule entries configured")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := newApplication(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			defer app.Close()

			scheduler, err := newScheduler(app)
			if err != nil {
				return err
			}

			return scheduler.Run(ctx)
		},
	}
}
