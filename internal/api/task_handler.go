package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/conveyorq/conveyor/internal/api/shared"
	"github.com/conveyorq/conveyor/internal/client"
	"github.com/conveyorq/conveyor/internal/platform/logger"
	"github.com/conveyorq/conveyor/internal/result"
	"github.com/conveyorq/conveyor/internal/task"
)

// SubmitTaskRequest represents the request body for submitting a task.
type SubmitTaskRequest struct {
	Name             string          `json:"name" validate:"required"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Queue            string          `json:"queue,omitempty"`
	Priority         int             `json:"priority,omitempty"`
	CountdownSeconds int             `json:"countdown_seconds,omitempty" validate:"gte=0"`
	ETA              *time.Time      `json:"eta,omitempty"`
	TaskID           string          `json:"task_id,omitempty"`
}

// SubmitTaskResponse is returned with 202 Accepted on successful submission.
type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}

// TaskStatusResponse represents the response data for a task status poll.
type TaskStatusResponse struct {
	TaskID     string            `json:"task_id"`
	State      string            `json:"state"`
	Progress   int               `json:"progress"`
	Message    string            `json:"message,omitempty"`
	Result     json.RawMessage   `json:"result,omitempty"`
	Error      *result.TaskError `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// RevokeTaskResponse reports whether the task was revoked before
// execution began.
type RevokeTaskResponse struct {
	TaskID  string `json:"task_id"`
	Revoked bool   `json:"revoked"`
}

// TaskHandler handles task submission, status, and revocation requests.
type TaskHandler struct {
	client    *client.Client
	validator *validator.Validate
	logger    *slog.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(c *client.Client, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		client:    c,
		validator: validator.New(),
		logger:    logger,
	}
}

// SubmitTask handles POST /api/tasks requests.
func (h *TaskHandler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	opts := []client.SubmitOption{}
	if req.Queue != "" {
		opts = append(opts, client.WithQueue(req.Queue))
	}
	if req.Priority != 0 {
		opts = append(opts, client.WithPriority(req.Priority))
	}
	if req.ETA != nil {
		opts = append(opts, client.WithETA(*req.ETA))
	} else if req.CountdownSeconds > 0 {
		opts = append(opts, client.WithCountdown(time.Duration(req.CountdownSeconds)*time.Second))
	}
	if req.TaskID != "" {
		opts = append(opts, client.WithTaskID(req.TaskID))
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	taskID, err := h.client.Submit(r.Context(), req.Name, payload, opts...)
	if err != nil {
		switch {
		case errors.Is(err, task.ErrUnknownTaskName):
			shared.RespondWithError(w, r, http.StatusNotFound, "Unknown task name")
		case errors.Is(err, task.ErrDuplicateTask):
			shared.RespondWithError(w, r, http.StatusConflict, "Task id already exists")
		case errors.Is(err, task.ErrBrokerUnavailable):
			shared.RespondWithError(w, r, http.StatusServiceUnavailable, "Broker unavailable")
		default:
			log := logger.FromContextOrDefault(r.Context(), h.logger)
			log.Error("failed to submit task", "error", err, "task_name", req.Name)
			shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to submit task")
		}
		return
	}

	// 202 Accepted: processing happens asynchronously.
	shared.RespondWithJSON(w, r, http.StatusAccepted, SubmitTaskResponse{TaskID: taskID})
}

// GetTaskStatus handles GET /api/tasks/{id} requests.
func (h *TaskHandler) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	res, err := h.client.GetStatus(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, task.ErrResultNotFound) {
			shared.RespondWithError(w, r, http.StatusNotFound, "Task not found or expired")
			return
		}
		log := logger.FromContextOrDefault(r.Context(), h.logger)
		log.Error("failed to get task status", "error", err, "task_id", taskID)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to get task status")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, taskResultToResponse(res))
}

// RevokeTask handles DELETE /api/tasks/{id} requests.
func (h *TaskHandler) RevokeTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	revoked, err := h.client.Revoke(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, task.ErrResultNotFound) {
			shared.RespondWithError(w, r, http.StatusNotFound, "Task not found or expired")
			return
		}
		log := logger.FromContextOrDefault(r.Context(), h.logger)
		log.Error("failed to revoke task", "error", err, "task_id", taskID)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to revoke task")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, RevokeTaskResponse{TaskID: taskID, Revoked: revoked})
}

// taskResultToResponse converts a result.TaskResult to its API DTO.
func taskResultToResponse(res *result.TaskResult) TaskStatusResponse {
	return TaskStatusResponse{
		TaskID:     res.TaskID,
		State:      string(res.State),
		Progress:   res.Progress,
		Message:    res.Message,
		Result:     res.Result,
		Error:      res.Error,
		CreatedAt:  res.CreatedAt,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
	}
}
