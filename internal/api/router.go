package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/conveyorq/conveyor/internal/broker"
	"github.com/conveyorq/conveyor/internal/client"
	"github.com/conveyorq/conveyor/internal/platform/logger"
)

// NewRouter creates the producer API router with all routes and standard
// middleware.
func NewRouter(c *client.Client, b broker.Broker, log *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	taskHandler := NewTaskHandler(c, log)
	queueHandler := NewQueueHandler(b, log)

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", taskHandler.SubmitTask)
		r.Get("/tasks/{id}", taskHandler.GetTaskStatus)
		r.Delete("/tasks/{id}", taskHandler.RevokeTask)

		r.Get("/queues/{name}", queueHandler.GetQueueStats)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error("failed to write health check response", "error", err)
		}
	})

	return r
}

// requestLogger attaches a request-scoped logger, annotated with the
// request id, to the request context.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqLog := log.With("request_id", middleware.GetReqID(r.Context()))
			next.ServeHTTP(w, r.WithContext(logger.WithLogger(r.Context(), reqLog)))
		})
	}
}
