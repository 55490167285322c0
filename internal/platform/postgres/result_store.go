package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/conveyorq/conveyor/internal/result"
	"github.com/conveyorq/conveyor/internal/task"
)

// ResultStore is a Postgres-backed result store. Every write touches a
// single row keyed by task id, which is all the atomicity the design
// requires.
type ResultStore struct {
	db  DBTX
	ttl time.Duration
}

// NewResultStore creates a Postgres-backed result store with the given
// TTL for terminal entries.
func NewResultStore(db DBTX, ttl time.Duration) *ResultStore {
	return &ResultStore{db: db, ttl: ttl}
}

func (s *ResultStore) Create(ctx context.Context, taskID string) error {
	query := `
		INSERT INTO conveyor_results (task_id, state, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (task_id) DO NOTHING
	`

	res, err := s.db.ExecContext(ctx, query, taskID, task.StatePending, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create task result: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", task.ErrDuplicateTask, taskID)
	}
	return nil
}

func (s *ResultStore) Get(ctx context.Context, taskID string) (*result.TaskResult, error) {
	query := `
		SELECT task_id, state, progress, message, result, error_kind, error_message,
		       created_at, started_at, finished_at
		FROM conveyor_results
		WHERE task_id = $1
	`

	row := s.db.QueryRowContext(ctx, query, taskID)

	var (
		res       result.TaskResult
		state     string
		payload   sql.Null[[]byte]
		errKind   sql.NullString
		errMsg    sql.NullString
		startedAt sql.NullTime
		finished  sql.NullTime
	)
	err := row.Scan(
		&res.TaskID,
		&state,
		&res.Progress,
		&res.Message,
		&payload,
		&errKind,
		&errMsg,
		&res.CreatedAt,
		&startedAt,
		&finished,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", task.ErrResultNotFound, taskID)
		}
		return nil, fmt.Errorf("failed to get task result: %w", err)
	}

	res.State = task.State(state)
	if payload.Valid {
		res.Result = json.RawMessage(payload.V)
	}
	if errKind.Valid {
		res.Error = &result.TaskError{Kind: errKind.String, Message: errMsg.String}
	}
	if startedAt.Valid {
		res.StartedAt = &startedAt.Time
	}
	if finished.Valid {
		res.FinishedAt = &finished.Time
	}

	// Entries past TTL are treated as expired even before the purge loop
	// deletes them.
	if s.ttl > 0 && res.State.IsTerminal() && res.FinishedAt != nil &&
		time.Since(*res.FinishedAt) >= s.ttl {
		return nil, fmt.Errorf("%w: %s", task.ErrResultNotFound, taskID)
	}

	return &res, nil
}

func (s *ResultStore) Start(ctx context.Context, taskID string) error {
	query := `
		UPDATE conveyor_results
		SET state = $2, started_at = $3
		WHERE task_id = $1
	`
	return s.exec(ctx, taskID, query, taskID, task.StateProgress, time.Now().UTC())
}

func (s *ResultStore) SetProgress(ctx context.Context, taskID string, percent int, message string) error {
	if percent > 100 {
		percent = 100
	}

	// GREATEST clamps regressions so observed progress never decreases
	// within an attempt.
	query := `
		UPDATE conveyor_results
		SET progress = GREATEST(progress, $2),
		    message = CASE WHEN $3 <> '' THEN $3 ELSE message END
		WHERE task_id = $1
	`
	return s.exec(ctx, taskID, query, taskID, percent, message)
}

func (s *ResultStore) Succeed(ctx context.Context, taskID string, payload any) error {
	var raw []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode task result: %w", err)
		}
		raw = encoded
	}

	query := `
		UPDATE conveyor_results
		SET state = $2, progress = 100, result = $3, error_kind = NULL, error_message = NULL, finished_at = $4
		WHERE task_id = $1
	`
	return s.exec(ctx, taskID, query, taskID, task.StateSuccess, raw, time.Now().UTC())
}

func (s *ResultStore) Fail(ctx context.Context, taskID string, kind, message string) error {
	query := `
		UPDATE conveyor_results
		SET state = $2, error_kind = $3, error_message = $4, finished_at = $5
		WHERE task_id = $1
	`
	return s.exec(ctx, taskID, query, taskID, task.StateFailure, kind, message, time.Now().UTC())
}

func (s *ResultStore) Requeue(ctx context.Context, taskID string, attempt int, errMessage string) error {
	query := `
		UPDATE conveyor_results
		SET state = $2, progress = 0, message = $3, started_at = NULL
		WHERE task_id = $1
	`
	msg := fmt.Sprintf("retry %d scheduled: %s", attempt, errMessage)
	return s.exec(ctx, taskID, query, taskID, task.StatePending, msg)
}

func (s *ResultStore) MarkRevoked(ctx context.Context, taskID string) (bool, error) {
	query := `
		UPDATE conveyor_results
		SET state = $2, finished_at = $3
		WHERE task_id = $1 AND state = $4
	`

	res, err := s.db.ExecContext(ctx, query, taskID, task.StateRevoked, time.Now().UTC(), task.StatePending)
	if err != nil {
		return false, fmt.Errorf("failed to revoke task: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return true, nil
	}

	// Distinguish "not revocable" from "unknown id".
	var exists bool
	check := `SELECT EXISTS (SELECT 1 FROM conveyor_results WHERE task_id = $1)`
	if err := s.db.QueryRowContext(ctx, check, taskID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check task result: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("%w: %s", task.ErrResultNotFound, taskID)
	}
	return false, nil
}

// PurgeExpired deletes terminal entries past TTL and returns the count.
func (s *ResultStore) PurgeExpired(ctx context.Context) int {
	if s.ttl <= 0 {
		return 0
	}

	query := `
		DELETE FROM conveyor_results
		WHERE state IN ($1, $2, $3) AND finished_at IS NOT NULL AND finished_at < $4
	`
	cutoff := time.Now().UTC().Add(-s.ttl)

	res, err := s.db.ExecContext(ctx, query,
		task.StateSuccess, task.StateFailure, task.StateRevoked, cutoff)
	if err != nil {
		return 0
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(rows)
}

// exec runs a single-row update and maps a missing row to
// task.ErrResultNotFound.
func (s *ResultStore) exec(ctx context.Context, taskID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task result: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", task.ErrResultNotFound, taskID)
	}
	return nil
}
