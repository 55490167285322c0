// Package client provides the producer facade: the only surface external
// callers touch to submit tasks, poll their status, and revoke them.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorq/conveyor/internal/broker"
	"github.com/conveyorq/conveyor/internal/result"
	"github.com/conveyorq/conveyor/internal/task"
	"github.com/conveyorq/conveyor/internal/timeutil"
)

// Client submits tasks through the broker and reads their results.
type Client struct {
	registry          *task.Registry
	broker            broker.Broker
	results           result.Store
	defaultMaxRetries int
	clock             timeutil.Clock
	logger            *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithClock injects a clock, used by tests to control countdown/ETA math.
func WithClock(clock timeutil.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// New creates a task client. defaultMaxRetries applies to tasks whose
// registration does not declare its own retry budget.
func New(
	registry *task.Registry,
	b broker.Broker,
	results result.Store,
	defaultMaxRetries int,
	logger *slog.Logger,
) *Client {
	return &Client{
		registry:          registry,
		broker:            b,
		results:           results,
		defaultMaxRetries: defaultMaxRetries,
		clock:             timeutil.NewRealClock(),
		logger:            logger,
	}
}

// submitOptions collects per-submission overrides.
type submitOptions struct {
	taskID    string
	queue     string
	priority  int
	countdown time.Duration
	eta       time.Time
}

// SubmitOption customizes a single Submit call.
type SubmitOption func(*submitOptions)

// WithTaskID supplies a caller-generated task id, which doubles as an
// idempotency key: a second submit with the same id is rejected.
func WithTaskID(id string) SubmitOption {
	return func(o *submitOptions) { o.taskID = id }
}

// WithQueue routes the task to a specific queue instead of the
// registration's default.
func WithQueue(queue string) SubmitOption {
	return func(o *submitOptions) { o.queue = queue }
}

// WithPriority sets the message priority; higher is served first.
func WithPriority(priority int) SubmitOption {
	return func(o *submitOptions) { o.priority = priority }
}

// WithCountdown delays the earliest execution by d from now.
func WithCountdown(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.countdown = d }
}

// WithETA sets an absolute earliest execution time. Takes precedence over
// WithCountdown when both are given.
func WithETA(eta time.Time) SubmitOption {
	return func(o *submitOptions) { o.eta = eta }
}

// Submit enqueues a task for asynchronous execution and returns its id.
// It fails fast with task.ErrUnknownTaskName when the name is not
// registered, rather than enqueuing an unprocessable message, and with an
// error wrapping task.ErrBrokerUnavailable on transport failure.
func (c *Client) Submit(ctx context.Context, name string, payload any, opts ...SubmitOption) (string, error) {
	reg, ok := c.registry.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", task.ErrUnknownTaskName, name)
	}

	options := submitOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	taskID := options.taskID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	queue := options.queue
	if queue == "" {
		queue = reg.Queue
	}

	maxRetries := c.defaultMaxRetries
	if reg.MaxRetries >= 0 {
		maxRetries = reg.MaxRetries
	}

	now := c.clock.Now()
	eta := options.eta
	if eta.IsZero() && options.countdown > 0 {
		eta = now.Add(options.countdown)
	}

	var encoded []byte
	if payload != nil {
		var err error
		encoded, err = json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to encode task payload: %w", err)
		}
	}

	msg := &task.Message{
		ID:         taskID,
		Name:       name,
		Queue:      queue,
		Payload:    encoded,
		Priority:   options.priority,
		ETA:        eta,
		Attempt:    0,
		MaxRetries: maxRetries,
		CreatedAt:  now,
	}

	// Create the PENDING result before enqueueing so a poll immediately
	// after Submit never observes a missing entry.
	if err := c.results.Create(ctx, taskID); err != nil {
		return "", fmt.Errorf("failed to create task result: %w", err)
	}

	if err := c.broker.Enqueue(ctx, msg); err != nil {
		// Surface the orphaned result as a failure rather than leaving a
		// PENDING entry nothing will ever execute.
		if failErr := c.results.Fail(ctx, taskID, "BrokerUnavailable", "enqueue failed"); failErr != nil {
			c.logger.Error("failed to mark unenqueued task as failed",
				"task_id", taskID, "error", failErr)
		}
		return "", fmt.Errorf("%w: %v", task.ErrBrokerUnavailable, err)
	}

	c.logger.Debug("task submitted",
		"task_id", taskID,
		"task_name", name,
		"queue", queue)

	return taskID, nil
}

// GetStatus returns the current result for taskID, or an error wrapping
// task.ErrResultNotFound if the id is unknown or expired past TTL.
func (c *Client) GetStatus(ctx context.Context, taskID string) (*result.TaskResult, error) {
	return c.results.Get(ctx, taskID)
}

// Revoke marks a still-pending task REVOKED. It reports whether the task
// was revoked before execution began; a task already running can only be
// cancelled cooperatively or at its hard time limit.
func (c *Client) Revoke(ctx context.Context, taskID string) (bool, error) {
	revoked, err := c.results.MarkRevoked(ctx, taskID)
	if err != nil {
		if errors.Is(err, task.ErrResultNotFound) {
			return false, err
		}
		return false, fmt.Errorf("failed to revoke task: %w", err)
	}
	if revoked {
		c.logger.Info("task revoked", "task_id", taskID)
	}
	return revoked, nil
}
