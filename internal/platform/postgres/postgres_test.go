package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorq/conveyor/internal/task"
)

// testDB connects to the database named by DATABASE_URL, applies
// migrations, and truncates the queue tables so tests start clean.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("Skipping integration test - requires DATABASE_URL environment variable")
	}

	db, err := Open(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Migrate(db))

	_, err = db.Exec(`TRUNCATE conveyor_messages, conveyor_results`)
	require.NoError(t, err)

	return db
}

func pgTestMessage(queue string, priority int) *task.Message {
	return &task.Message{
		ID:         uuid.NewString(),
		Name:       "test_task",
		Queue:      queue,
		Payload:    []byte(`{"k":"v"}`),
		Priority:   priority,
		MaxRetries: 3,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestBrokerEnqueueDequeueAck(t *testing.T) {
	db := testDB(t)
	b := NewBroker(db, 30*time.Second)
	ctx := context.Background()

	msg := pgTestMessage("default", 0)
	require.NoError(t, b.Enqueue(ctx, msg))

	delivery, err := b.Dequeue(ctx, "default", 0)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	assert.Equal(t, msg.ID, delivery.Message.ID)
	assert.JSONEq(t, `{"k":"v"}`, string(delivery.Message.Payload))

	// Leased: a second consumer sees nothing.
	second, err := b.Dequeue(ctx, "default", 0)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, b.Ack(ctx, delivery))

	n, err := b.Len(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBrokerPriorityAndFIFO(t *testing.T) {
	db := testDB(t)
	b := NewBroker(db, 30*time.Second)
	ctx := context.Background()

	first := pgTestMessage("default", 0)
	second := pgTestMessage("default", 0)
	urgent := pgTestMessage("default", 9)
	require.NoError(t, b.Enqueue(ctx, first))
	require.NoError(t, b.Enqueue(ctx, second))
	require.NoError(t, b.Enqueue(ctx, urgent))

	var order []string
	for i := 0; i < 3; i++ {
		delivery, err := b.Dequeue(ctx, "default", 0)
		require.NoError(t, err)
		require.NotNil(t, delivery)
		order = append(order, delivery.Message.ID)
		require.NoError(t, b.Ack(ctx, delivery))
	}

	assert.Equal(t, []string{urgent.ID, first.ID, second.ID}, order)
}

func TestBrokerLeaseExpiryRedelivers(t *testing.T) {
	db := testDB(t)
	b := NewBroker(db, 50*time.Millisecond)
	ctx := context.Background()

	msg := pgTestMessage("default", 0)
	require.NoError(t, b.Enqueue(ctx, msg))

	first, err := b.Dequeue(ctx, "default", 0)
	require.NoError(t, err)
	require.NotNil(t, first)

	time.Sleep(60 * time.Millisecond)

	second, err := b.Dequeue(ctx, "default", 0)
	require.NoError(t, err)
	require.NotNil(t, second, "expired lease must be reclaimed")
	assert.Equal(t, msg.ID, second.Message.ID)
	assert.Equal(t, msg.Attempt, second.Message.Attempt)
}

func TestBrokerNackRequeueAndDeadLetter(t *testing.T) {
	db := testDB(t)
	b := NewBroker(db, 30*time.Second)
	ctx := context.Background()

	msg := pgTestMessage("default", 0)
	require.NoError(t, b.Enqueue(ctx, msg))

	delivery, err := b.Dequeue(ctx, "default", 0)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	require.NoError(t, b.Nack(ctx, delivery, true, 0))

	retry, err := b.Dequeue(ctx, "default", 0)
	require.NoError(t, err)
	require.NotNil(t, retry)
	assert.Equal(t, 1, retry.Message.Attempt)

	require.NoError(t, b.Nack(ctx, retry, false, 0))

	dead, err := b.DeadLetters(ctx, "default")
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, msg.ID, dead[0].ID)
	assert.Equal(t, 1, dead[0].Attempt)
}

func TestBrokerETASchedulesDelivery(t *testing.T) {
	db := testDB(t)
	b := NewBroker(db, 30*time.Second)
	ctx := context.Background()

	msg := pgTestMessage("default", 0)
	msg.ETA = time.Now().UTC().Add(time.Hour)
	require.NoError(t, b.Enqueue(ctx, msg))

	delivery, err := b.Dequeue(ctx, "default", 0)
	require.NoError(t, err)
	assert.Nil(t, delivery, "future-ETA message must not be delivered")

	n, err := b.Len(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestResultStoreLifecycle(t *testing.T) {
	db := testDB(t)
	s := NewResultStore(db, time.Hour)
	ctx := context.Background()

	taskID := uuid.NewString()
	require.NoError(t, s.Create(ctx, taskID))
	assert.ErrorIs(t, s.Create(ctx, taskID), task.ErrDuplicateTask)

	res, err := s.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatePending, res.State)

	require.NoError(t, s.Start(ctx, taskID))
	require.NoError(t, s.SetProgress(ctx, taskID, 60, "exporting"))
	require.NoError(t, s.SetProgress(ctx, taskID, 30, "stale"))

	res, err = s.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StateProgress, res.State)
	assert.Equal(t, 60, res.Progress, "progress regressions are clamped")
	require.NotNil(t, res.StartedAt)

	require.NoError(t, s.Succeed(ctx, taskID, map[string]int{"record_count": 500}))

	res, err = s.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StateSuccess, res.State)
	assert.Equal(t, 100, res.Progress)
	assert.JSONEq(t, `{"record_count":500}`, string(res.Result))
	require.NotNil(t, res.FinishedAt)
}

func TestResultStoreFailAndRequeue(t *testing.T) {
	db := testDB(t)
	s := NewResultStore(db, time.Hour)
	ctx := context.Background()

	taskID := uuid.NewString()
	require.NoError(t, s.Create(ctx, taskID))
	require.NoError(t, s.Start(ctx, taskID))
	require.NoError(t, s.SetProgress(ctx, taskID, 50, ""))

	require.NoError(t, s.Requeue(ctx, taskID, 1, "connection reset"))

	res, err := s.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatePending, res.State)
	assert.Equal(t, 0, res.Progress)
	assert.Nil(t, res.StartedAt)

	require.NoError(t, s.Fail(ctx, taskID, "TransientError", "upstream down"))

	res, err = s.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailure, res.State)
	require.NotNil(t, res.Error)
	assert.Equal(t, "TransientError", res.Error.Kind)
}

func TestResultStoreMarkRevoked(t *testing.T) {
	db := testDB(t)
	s := NewResultStore(db, time.Hour)
	ctx := context.Background()

	pending := uuid.NewString()
	require.NoError(t, s.Create(ctx, pending))

	revoked, err := s.MarkRevoked(ctx, pending)
	require.NoError(t, err)
	assert.True(t, revoked)

	// Already terminal: refused but not an error.
	revoked, err = s.MarkRevoked(ctx, pending)
	require.NoError(t, err)
	assert.False(t, revoked)

	running := uuid.NewString()
	require.NoError(t, s.Create(ctx, running))
	require.NoError(t, s.Start(ctx, running))
	revoked, err = s.MarkRevoked(ctx, running)
	require.NoError(t, err)
	assert.False(t, revoked)

	_, err = s.MarkRevoked(ctx, uuid.NewString())
	assert.ErrorIs(t, err, task.ErrResultNotFound)
}

func TestResultStoreTTLExpiry(t *testing.T) {
	db := testDB(t)
	s := NewResultStore(db, 50*time.Millisecond)
	ctx := context.Background()

	taskID := uuid.NewString()
	require.NoError(t, s.Create(ctx, taskID))
	require.NoError(t, s.Succeed(ctx, taskID, nil))

	time.Sleep(60 * time.Millisecond)

	_, err := s.Get(ctx, taskID)
	assert.ErrorIs(t, err, task.ErrResultNotFound)

	assert.Equal(t, 1, s.PurgeExpired(ctx))
}

func TestResultStoreUpdateUnknownTask(t *testing.T) {
	db := testDB(t)
	s := NewResultStore(db, time.Hour)
	ctx := context.Background()

	assert.ErrorIs(t, s.Start(ctx, "missing"), task.ErrResultNotFound)
	assert.ErrorIs(t, s.Succeed(ctx, "missing", nil), task.ErrResultNotFound)
	assert.ErrorIs(t, s.Fail(ctx, "missing", "PermanentError", "bug"), task.ErrResultNotFound)
}
