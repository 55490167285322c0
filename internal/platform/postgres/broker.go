package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/conveyorq/conveyor/internal/broker"
	"github.com/conveyorq/conveyor/internal/task"
)

// Broker is a durable, Postgres-backed message broker. Leases are taken
// with FOR UPDATE SKIP LOCKED so concurrent workers never see the same
// message; an unacked message becomes visible again once its lease
// expires, giving at-least-once delivery.
type Broker struct {
	db         DBTX
	visibility time.Duration

	// pollInterval is how often a blocking Dequeue re-polls the table.
	pollInterval time.Duration
}

// NewBroker creates a Postgres-backed broker with the given visibility
// timeout.
func NewBroker(db DBTX, visibility time.Duration) *Broker {
	return &Broker{
		db:           db,
		visibility:   visibility,
		pollInterval: 250 * time.Millisecond,
	}
}

// Enqueue inserts the message. A transport failure surfaces as an error
// wrapping task.ErrBrokerUnavailable; a message is never silently dropped.
func (b *Broker) Enqueue(ctx context.Context, msg *task.Message) error {
	query := `
		INSERT INTO conveyor_messages
			(id, name, queue, payload, priority, attempt, max_retries, status, visible_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'ready', $8, $9, $10)
	`

	now := time.Now().UTC()
	visibleAt := now
	if !msg.ETA.IsZero() {
		visibleAt = msg.ETA.UTC()
	}

	var payload any
	if len(msg.Payload) > 0 {
		payload = msg.Payload
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := b.db.ExecContext(ctx, query,
		msg.ID,
		msg.Name,
		msg.Queue,
		payload,
		msg.Priority,
		msg.Attempt,
		msg.MaxRetries,
		visibleAt,
		createdAt.UTC(),
		now,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", task.ErrBrokerUnavailable, err)
	}
	return nil
}

// Dequeue leases the highest-priority visible message, polling up to
// timeout. Returns (nil, nil) when the queue stayed empty.
func (b *Broker) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*broker.Delivery, error) {
	deadline := time.Now().Add(timeout)

	for {
		delivery, err := b.tryDequeue(ctx, queue)
		if err != nil {
			return nil, err
		}
		if delivery != nil {
			return delivery, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		wait := b.pollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (b *Broker) tryDequeue(ctx context.Context, queue string) (*broker.Delivery, error) {
	now := time.Now().UTC()

	// Reclaim expired leases first so crashed workers' messages are
	// redelivered. The attempt count is unchanged; only the retry path
	// increments it.
	reclaim := `
		UPDATE conveyor_messages
		SET status = 'ready', lease_expires_at = NULL, updated_at = $1
		WHERE queue = $2 AND status = 'leased' AND lease_expires_at <= $1
	`
	if _, err := b.db.ExecContext(ctx, reclaim, now, queue); err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrBrokerUnavailable, err)
	}

	query := `
		WITH next AS (
			SELECT seq
			FROM conveyor_messages
			WHERE queue = $1 AND status = 'ready' AND visible_at <= $2
			ORDER BY priority DESC, seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE conveyor_messages m
		SET status = 'leased', lease_expires_at = $3, updated_at = $2
		FROM next
		WHERE m.seq = next.seq
		RETURNING m.seq, m.id, m.name, m.queue, m.payload, m.priority, m.attempt, m.max_retries, m.visible_at, m.created_at
	`

	row := b.db.QueryRowContext(ctx, query, queue, now, now.Add(b.visibility))

	var (
		seq       int64
		msg       task.Message
		payload   sql.Null[[]byte]
		visibleAt time.Time
	)
	err := row.Scan(
		&seq,
		&msg.ID,
		&msg.Name,
		&msg.Queue,
		&payload,
		&msg.Priority,
		&msg.Attempt,
		&msg.MaxRetries,
		&visibleAt,
		&msg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", task.ErrBrokerUnavailable, err)
	}

	if payload.Valid {
		msg.Payload = payload.V
	}
	if visibleAt.After(msg.CreatedAt) {
		msg.ETA = visibleAt
	}

	return &broker.Delivery{
		Message: &msg,
		Queue:   queue,
		Receipt: strconv.FormatInt(seq, 10),
	}, nil
}

// Ack deletes the leased row. Acking after lease expiry is a no-op: the
// row has already gone back to ready and may be redelivered.
func (b *Broker) Ack(ctx context.Context, d *broker.Delivery) error {
	seq, err := parseReceipt(d.Receipt)
	if err != nil {
		return err
	}

	query := `DELETE FROM conveyor_messages WHERE seq = $1 AND status = 'leased'`
	if _, err := b.db.ExecContext(ctx, query, seq); err != nil {
		return fmt.Errorf("%w: %v", task.ErrBrokerUnavailable, err)
	}
	return nil
}

// Nack requeues the message after delay with attempt incremented, or
// marks it dead.
func (b *Broker) Nack(ctx context.Context, d *broker.Delivery, requeue bool, delay time.Duration) error {
	seq, err := parseReceipt(d.Receipt)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	var query string
	var args []any
	if requeue {
		query = `
			UPDATE conveyor_messages
			SET status = 'ready', attempt = attempt + 1, visible_at = $2, lease_expires_at = NULL, updated_at = $3
			WHERE seq = $1 AND status = 'leased'
		`
		args = []any{seq, now.Add(delay), now}
	} else {
		query = `
			UPDATE conveyor_messages
			SET status = 'dead', lease_expires_at = NULL, updated_at = $2
			WHERE seq = $1 AND status = 'leased'
		`
		args = []any{seq, now}
	}

	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: %v", task.ErrBrokerUnavailable, err)
	}
	return nil
}

// Len counts pending (ready, visible or scheduled) messages in the queue.
func (b *Broker) Len(ctx context.Context, queue string) (int, error) {
	query := `SELECT COUNT(*) FROM conveyor_messages WHERE queue = $1 AND status = 'ready'`

	var count int
	if err := b.db.QueryRowContext(ctx, query, queue).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: %v", task.ErrBrokerUnavailable, err)
	}
	return count, nil
}

// DeadLetters lists the queue's dead-lettered messages, oldest first.
func (b *Broker) DeadLetters(ctx context.Context, queue string) ([]*task.Message, error) {
	query := `
		SELECT id, name, queue, payload, priority, attempt, max_retries, created_at
		FROM conveyor_messages
		WHERE queue = $1 AND status = 'dead'
		ORDER BY seq ASC
	`

	rows, err := b.db.QueryContext(ctx, query, queue)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrBrokerUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*task.Message
	for rows.Next() {
		var (
			msg     task.Message
			payload sql.Null[[]byte]
		)
		if err := rows.Scan(
			&msg.ID,
			&msg.Name,
			&msg.Queue,
			&payload,
			&msg.Priority,
			&msg.Attempt,
			&msg.MaxRetries,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter row: %w", err)
		}
		if payload.Valid {
			msg.Payload = payload.V
		}
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrBrokerUnavailable, err)
	}
	return out, nil
}

// Close is a no-op; the caller owns the database handle.
func (b *Broker) Close() error { return nil }

func parseReceipt(receipt string) (int64, error) {
	seq, err := strconv.ParseInt(receipt, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid delivery receipt %q: %w", receipt, err)
	}
	return seq, nil
}
