package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/conveyorq/conveyor/internal/api/shared"
	"github.com/conveyorq/conveyor/internal/broker"
	"github.com/conveyorq/conveyor/internal/platform/logger"
)

// DeadLetterMessage is the DTO for one dead-lettered message.
type DeadLetterMessage struct {
	TaskID  string `json:"task_id"`
	Name    string `json:"name"`
	Attempt int    `json:"attempt"`
}

// QueueStatsResponse describes one queue's backlog.
type QueueStatsResponse struct {
	Queue       string              `json:"queue"`
	Pending     int                 `json:"pending"`
	DeadLetters []DeadLetterMessage `json:"dead_letters"`
}

// QueueHandler exposes queue introspection endpoints.
type QueueHandler struct {
	broker broker.Broker
	logger *slog.Logger
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(b broker.Broker, logger *slog.Logger) *QueueHandler {
	return &QueueHandler{broker: b, logger: logger}
}

// GetQueueStats handles GET /api/queues/{name} requests.
func (h *QueueHandler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	pending, err := h.broker.Len(r.Context(), name)
	if err != nil {
		log.Error("failed to read queue length", "error", err, "queue", name)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to read queue stats")
		return
	}

	dead, err := h.broker.DeadLetters(r.Context(), name)
	if err != nil {
		log.Error("failed to list dead letters", "error", err, "queue", name)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to read queue stats")
		return
	}

	resp := QueueStatsResponse{
		Queue:       name,
		Pending:     pending,
		DeadLetters: make([]DeadLetterMessage, 0, len(dead)),
	}
	for _, msg := range dead {
		resp.DeadLetters = append(resp.DeadLetters, DeadLetterMessage{
			TaskID:  msg.ID,
			Name:    msg.Name,
			Attempt: msg.Attempt,
		})
	}

	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}
