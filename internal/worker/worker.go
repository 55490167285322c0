// Package worker implements the worker pool: a fixed number of concurrent
// executors, each pulling messages from a configured set of queues,
// invoking the registered handler, reporting the outcome to the result
// store, and handing failures to the retry policy engine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conveyorq/conveyor/internal/broker"
	"github.com/conveyorq/conveyor/internal/result"
	"github.com/conveyorq/conveyor/internal/task"
)

// Config holds configuration options for the worker pool.
type Config struct {
	// Queues lists the queues to poll, in descending priority: a worker
	// always tries the first queue before falling back to later ones.
	Queues []string

	// Concurrency determines how many concurrent worker goroutines to
	// start. If zero or negative, defaults to 1.
	Concurrency int

	// Hostname identifies this worker process in logs.
	Hostname string

	// PollInterval is how long a worker sleeps when every queue came up
	// empty. If zero, defaults to 100ms.
	PollInterval time.Duration

	// DefaultTimeLimit is the hard execution time limit for handlers
	// whose registration does not declare one.
	DefaultTimeLimit time.Duration

	// PurgeInterval is how often expired results are purged. If zero,
	// defaults to 1 minute.
	PurgeInterval time.Duration
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		Queues:           []string{task.DefaultQueue},
		Concurrency:      2,
		PollInterval:     100 * time.Millisecond,
		DefaultTimeLimit: 5 * time.Minute,
		PurgeInterval:    time.Minute,
	}
}

// resultPurger is implemented by result stores that support eager TTL
// cleanup.
type resultPurger interface {
	PurgeExpired(ctx context.Context) int
}

// Pool manages a pool of worker goroutines that process tasks from the
// broker. It handles graceful shutdown and worker lifecycle.
type Pool struct {
	broker   broker.Broker
	results  result.Store
	registry *task.Registry
	policy   task.RetryPolicy
	exec     *task.ExecContext
	config   Config
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool. exec may be nil when handlers need no
// external dependencies.
func NewPool(
	b broker.Broker,
	results result.Store,
	registry *task.Registry,
	policy task.RetryPolicy,
	exec *task.ExecContext,
	config Config,
	logger *slog.Logger,
) *Pool {
	if config.Concurrency <= 0 {
		logger.Warn("invalid worker concurrency specified, using default",
			"specified", config.Concurrency,
			"default", 1)
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 100 * time.Millisecond
	}
	if config.PurgeInterval <= 0 {
		config.PurgeInterval = time.Minute
	}
	if len(config.Queues) == 0 {
		config.Queues = []string{task.DefaultQueue}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		broker:   b,
		results:  results,
		registry: registry,
		policy:   policy,
		exec:     exec,
		config:   config,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the worker goroutines and the result purge loop.
func (p *Pool) Start() {
	for i := 0; i < p.config.Concurrency; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	if purger, ok := p.results.(resultPurger); ok {
		p.wg.Add(1)
		go p.purgeLoop(purger)
	}

	p.logger.Info("worker pool started",
		"concurrency", p.config.Concurrency,
		"queues", p.config.Queues,
		"hostname", p.config.Hostname)
}

// Stop signals all workers to finish their current task and waits for
// them to exit.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// worker runs one pull loop over the configured queues.
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := p.logger.With("worker_id", id)
	log.Debug("starting worker")

	for {
		select {
		case <-p.ctx.Done():
			log.Debug("stopping worker")
			return
		default:
		}

		delivery, err := p.pull()
		if err != nil {
			if errors.Is(err, broker.ErrClosed) || errors.Is(err, context.Canceled) {
				log.Debug("broker closed, stopping worker")
				return
			}
			// Broker connectivity failures are not swallowed; back off
			// and retry rather than busy-loop.
			log.Error("failed to dequeue", "error", err)
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if delivery == nil {
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(p.config.PollInterval):
			}
			continue
		}

		p.process(delivery, log)
	}
}

// pull tries each configured queue in priority order with a single
// non-blocking attempt per queue (prefetch of 1: a worker holds at most
// one message in flight).
func (p *Pool) pull() (*broker.Delivery, error) {
	for _, queue := range p.config.Queues {
		delivery, err := p.broker.Dequeue(p.ctx, queue, 0)
		if err != nil {
			return nil, err
		}
		if delivery != nil {
			return delivery, nil
		}
	}
	return nil, nil
}

// process handles execution of a single delivered message.
func (p *Pool) process(delivery *broker.Delivery, workerLog *slog.Logger) {
	msg := delivery.Message
	log := workerLog.With(
		"task_id", msg.ID,
		"task_name", msg.Name,
		"queue", delivery.Queue,
		"attempt", msg.Attempt,
	)
	ctx := context.Background()

	// A task revoked while still pending is skipped, not executed.
	if res, err := p.results.Get(ctx, msg.ID); err == nil && res.State == task.StateRevoked {
		log.Info("skipping revoked task")
		if err := p.broker.Ack(ctx, delivery); err != nil {
			log.Error("failed to ack revoked task", "error", err)
		}
		return
	} else if err != nil && errors.Is(err, task.ErrResultNotFound) {
		// Message predates this result store (e.g. the entry expired or
		// an external producer enqueued directly). Track it from here.
		if createErr := p.results.Create(ctx, msg.ID); createErr != nil &&
			!errors.Is(createErr, task.ErrDuplicateTask) {
			log.Error("failed to create result entry", "error", createErr)
		}
	}

	reg, ok := p.registry.Lookup(msg.Name)
	if !ok {
		// Permanent: retrying cannot fix a missing handler.
		log.Error("no handler registered for task")
		if err := p.results.Fail(ctx, msg.ID, "UnknownTask",
			fmt.Sprintf("no handler registered for task %q", msg.Name)); err != nil {
			log.Error("failed to record unknown task failure", "error", err)
		}
		if err := p.broker.Nack(ctx, delivery, false, 0); err != nil {
			log.Error("failed to dead-letter unknown task", "error", err)
		}
		return
	}

	if err := p.results.Start(ctx, msg.ID); err != nil {
		log.Error("failed to update task state to progress", "error", err)
	}

	log.Info("processing task")
	progress := &progressReporter{results: p.results, taskID: msg.ID, logger: log}
	retVal, execErr := p.execute(reg, delivery, progress, log)

	// A timed-out handler's goroutine may still be running; cut off its
	// progress writes before the outcome is recorded so a finished or
	// requeued result is never mutated by a stale execution.
	progress.close()

	if execErr == nil {
		log.Info("task completed successfully")
		if err := p.results.Succeed(ctx, msg.ID, retVal); err != nil {
			log.Error("failed to record task success", "error", err)
		}
		if err := p.broker.Ack(ctx, delivery); err != nil {
			log.Error("failed to ack task", "error", err)
		}
		return
	}

	p.handleFailure(ctx, delivery, execErr, log)
}

// execute invokes the handler with panic isolation and a hard time limit.
func (p *Pool) execute(reg task.Registration, delivery *broker.Delivery, progress *progressReporter, log *slog.Logger) (any, error) {
	msg := delivery.Message

	limit := reg.TimeLimit
	if limit <= 0 {
		limit = p.config.DefaultTimeLimit
	}

	// Intentionally not derived from the pool context: shutdown waits for
	// the in-flight task, bounded by the time limit.
	ctx, cancel := context.WithTimeout(context.Background(), limit)
	defer cancel()

	inv := &task.Invocation{
		TaskID:   msg.ID,
		Name:     msg.Name,
		Queue:    delivery.Queue,
		Attempt:  msg.Attempt,
		Payload:  msg.Payload,
		Progress: progress,
		Exec:     p.exec,
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				// Failures inside a handler never crash the worker.
				log.Error("handler panicked", "panic", r)
				done <- outcome{err: task.Permanentf("handler panic: %v", r)}
			}
		}()
		value, err := reg.Handler(ctx, inv)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		log.Error("task exceeded time limit", "limit", limit)
		return nil, fmt.Errorf("%w after %s", task.ErrTimeLimitExceeded, limit)
	}
}

// handleFailure applies the retry policy engine's decision.
func (p *Pool) handleFailure(ctx context.Context, delivery *broker.Delivery, execErr error, log *slog.Logger) {
	msg := delivery.Message
	decision, delay := p.policy.Decide(msg.Attempt, msg.MaxRetries, execErr)

	log.Error("task execution failed",
		"error", execErr,
		"class", task.Classify(execErr).String(),
		"decision", decision.String())

	switch decision {
	case task.DecisionRetry:
		if err := p.results.Requeue(ctx, msg.ID, msg.Attempt+1, execErr.Error()); err != nil {
			log.Error("failed to reset task state for retry", "error", err)
		}
		if err := p.broker.Nack(ctx, delivery, true, delay); err != nil {
			log.Error("failed to requeue task", "error", err)
		}
	default:
		if err := p.results.Fail(ctx, msg.ID, task.ErrorKind(execErr), execErr.Error()); err != nil {
			log.Error("failed to record task failure", "error", err)
		}
		if err := p.broker.Nack(ctx, delivery, false, 0); err != nil {
			log.Error("failed to dead-letter task", "error", err)
		}
	}
}

// purgeLoop periodically removes expired terminal results.
func (p *Pool) purgeLoop(purger resultPurger) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if purged := purger.PurgeExpired(context.Background()); purged > 0 {
				p.logger.Debug("purged expired results", "count", purged)
			}
		}
	}
}

// progressReporter forwards handler progress updates to the result store
// for the duration of one execution attempt.
type progressReporter struct {
	results result.Store
	taskID  string
	logger  *slog.Logger
	done    atomic.Bool
}

func (r *progressReporter) Report(ctx context.Context, percent int, message string) {
	// The attempt's outcome has been recorded; late reports from an
	// orphaned handler goroutine are dropped.
	if r.done.Load() {
		return
	}
	if err := r.results.SetProgress(ctx, r.taskID, percent, message); err != nil {
		r.logger.Error("failed to report task progress", "error", err)
	}
}

func (r *progressReporter) close() {
	r.done.Store(true)
}
