package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorq/conveyor/internal/broker"
	"github.com/conveyorq/conveyor/internal/client"
	"github.com/conveyorq/conveyor/internal/result"
	"github.com/conveyorq/conveyor/internal/task"
)

type apiFixture struct {
	router  http.Handler
	broker  *broker.Memory
	results *result.Memory
	client  *client.Client
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	registry := task.NewRegistry()
	registry.MustRegister(task.Registration{
		Name:       "export_work_logs",
		Queue:      "export",
		MaxRetries: -1,
		Handler: func(ctx context.Context, inv *task.Invocation) (any, error) {
			return nil, nil
		},
	})

	b := broker.NewMemory(30 * time.Second)
	results := result.NewMemory(time.Hour)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := client.New(registry, b, results, 3, logger)

	t.Cleanup(func() { _ = b.Close() })
	return &apiFixture{
		router:  NewRouter(c, b, logger),
		broker:  b,
		results: results,
		client:  c,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestSubmitTaskAccepted(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/tasks", SubmitTaskRequest{
		Name:    "export_work_logs",
		Payload: json.RawMessage(`{"start":"2024-01-01","end":"2024-01-31"}`),
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp SubmitTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TaskID)

	delivery, err := f.broker.Dequeue(context.Background(), "export", 0)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	assert.Equal(t, resp.TaskID, delivery.Message.ID)
}

func TestSubmitTaskUnknownName(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/tasks", SubmitTaskRequest{Name: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitTaskValidation(t *testing.T) {
	f := newAPIFixture(t)

	// Missing name
	rec := f.do(t, http.MethodPost, "/api/tasks", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Malformed JSON
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader([]byte(`{not json`)))
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown fields are rejected
	req = httptest.NewRequest(http.MethodPost, "/api/tasks",
		bytes.NewReader([]byte(`{"name":"export_work_logs","bogus":true}`)))
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitTaskDuplicateID(t *testing.T) {
	f := newAPIFixture(t)

	body := SubmitTaskRequest{Name: "export_work_logs", TaskID: "dup"}
	rec := f.do(t, http.MethodPost, "/api/tasks", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/tasks", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitTaskBrokerUnavailable(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.broker.Close())

	rec := f.do(t, http.MethodPost, "/api/tasks", SubmitTaskRequest{Name: "export_work_logs"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetTaskStatus(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	taskID, err := f.client.Submit(ctx, "export_work_logs", nil)
	require.NoError(t, err)
	require.NoError(t, f.results.Start(ctx, taskID))
	require.NoError(t, f.results.SetProgress(ctx, taskID, 40, "exporting"))

	rec := f.do(t, http.MethodGet, "/api/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TaskStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, taskID, resp.TaskID)
	assert.Equal(t, string(task.StateProgress), resp.State)
	assert.Equal(t, 40, resp.Progress)
	assert.Equal(t, "exporting", resp.Message)
}

func TestGetTaskStatusNotFound(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRevokeTask(t *testing.T) {
	f := newAPIFixture(t)

	taskID, err := f.client.Submit(context.Background(), "export_work_logs", nil)
	require.NoError(t, err)

	rec := f.do(t, http.MethodDelete, "/api/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RevokeTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Revoked)

	// A second revoke reports revoked=false without erroring.
	rec = f.do(t, http.MethodDelete, "/api/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Revoked)
}

func TestRevokeTaskNotFound(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodDelete, "/api/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetQueueStats(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	_, err := f.client.Submit(ctx, "export_work_logs", nil)
	require.NoError(t, err)

	// Manufacture one dead letter.
	_, err = f.client.Submit(ctx, "export_work_logs", nil)
	require.NoError(t, err)
	delivery, err := f.broker.Dequeue(ctx, "export", 0)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	require.NoError(t, f.broker.Nack(ctx, delivery, false, 0))

	rec := f.do(t, http.MethodGet, "/api/queues/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp QueueStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "export", resp.Queue)
	assert.Equal(t, 1, resp.Pending)
	require.Len(t, resp.DeadLetters, 1)
	assert.Equal(t, "export_work_logs", resp.DeadLetters[0].Name)
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
