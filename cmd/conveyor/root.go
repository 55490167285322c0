package main

import (
	"github.com/spf13/cobra"

	"github.com/conveyorq/conveyor/internal/config"
)

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "conveyor",
		Short:         "conveyor is a distributed task queue",
		Long:          "conveyor runs asynchronous tasks with priority routing, retry/backoff, periodic scheduling, and progress tracking.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "",
		"path to config file (env vars with CONVEYOR_ prefix take precedence)")

	cmd.AddCommand(
		newWorkerCmd(opts),
		newBeatCmd(opts),
		newServeCmd(opts),
		newEnqueueCmd(opts),
		newStatusCmd(opts),
		newRevokeCmd(opts),
		newMigrateCmd(opts),
	)

	return cmd
}

// loadConfig reads configuration for a subcommand.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	return config.Load(o.configFile)
}
