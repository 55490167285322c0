package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conveyorq/conveyor/internal/platform/logger"
	"github.com/conveyorq/conveyor/internal/platform/postgres"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Broker.DatabaseURL == "" {
				return fmt.Errorf("broker.database_url is required for migrations")
			}

			log := logger.Setup(cfg.Server)

			db, err := postgres.Open(cmd.Context(), cfg.Broker.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer func() {
				if err := db.Close(); err != nil {
					log.Error("failed to close database", "error", err)
				}
			}()

			if err := postgres.Migrate(db); err != nil {
				return err
			}

			log.Info("migrations applied")
			return nil
		},
	}
}
