package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/conveyorq/conveyor/internal/client"
)

// newEnqueueCmd submits a single task from the command line. With the
// in-memory broker this is only useful for smoke tests inside one
// process; against the postgres broker it reaches running workers.
func newEnqueueCmd(opts *rootOptions) *cobra.Command {
	var (
		queue     string
		priority  int
		countdown time.Duration
		taskID    string
	)

	cmd := &cobra.Command{
		Use:   "enqueue <task-name> [json-payload]",
		Short: "Submit a task",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			app, err := newApplication(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			defer app.Close()

			var payload any
			if len(args) == 2 {
				raw := json.RawMessage(args[1])
				if !json.Valid(raw) {
					return fmt.Errorf("payload is not valid JSON")
				}
				payload = raw
			}

			submitOpts := []client.SubmitOption{}
			if queue != "" {
				submitOpts = append(submitOpts, client.WithQueue(queue))
			}
			if priority != 0 {
				submitOpts = append(submitOpts, client.WithPriority(priority))
			}
			if countdown > 0 {
				submitOpts = append(submitOpts, client.WithCountdown(countdown))
			}
			if taskID != "" {
				submitOpts = append(submitOpts, client.WithTaskID(taskID))
			}

			id, err := app.client.Submit(cmd.Context(), args[0], payload, submitOpts...)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	cmd.Flags().StringVar(&queue, "queue", "", "override the task's default queue")
	cmd.Flags().IntVar(&priority, "priority", 0, "message priority (higher is served first)")
	cmd.Flags().DurationVar(&countdown, "countdown", 0, "delay before the task becomes eligible")
	cmd.Flags().StringVar(&taskID, "task-id", "", "caller-supplied task id (idempotency key)")

	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task's result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			app, err := newApplication(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			defer app.Close()

			res, err := app.client.GetStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

func newRevokeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <task-id>",
		Short: "Revoke a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			app, err := newApplication(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			defer app.Close()

			revoked, err := app.client.Revoke(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !revoked {
				return fmt.Errorf("task %s was not revocable (already started or finished)", args[0])
			}

			fmt.Fprintln(cmd.OutOrStdout(), "revoked")
			return nil
		},
	}
}
