package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Priya8975/event-pipeline/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Store is everything the operator API reads from or writes to.
type Store interface {
	PipelineStore
	domain.DeadLetterStore
	UserStore
}

// Deps wires the router to the running pipeline. Retries, Breakers and
// Push may be nil.
type Deps struct {
	Store    Store
	Retries  RetryRunner
	Broker   BrokerStats
	Breakers BreakerStates
	Push     http.HandlerFunc
	Health   map[string]Pinger
	Version  string
	Logger   *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(corsMiddleware)

	pipeline := NewPipelineHandler(d.Store, d.Retries, d.Broker, d.Breakers)
	dlqHandler := NewDeadLetterHandler(d.Store)
	users := NewUserHandler(d.Store)
	health := HealthHandler(d.Version, d.Health)

	if d.Push != nil {
		r.Get("/ws", d.Push)
	}
	r.Get("/health", health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", health)

		r.Post("/retries/run", pipeline.RunRetries)
		r.Get("/pending", pipeline.ListPending)
		r.Get("/events/{id}", pipeline.EventStatus)
		r.Get("/stats", pipeline.Stats)
		r.Get("/breakers", pipeline.Breakers)

		r.Post("/users", users.Create)
		r.Get("/users/{id}", users.Get)

		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", dlqHandler.List)
			r.Get("/{id}", dlqHandler.Get)
			r.Post("/{id}/resolve", dlqHandler.Resolve)
			r.Post("/{id}/requeue", dlqHandler.Requeue)
		})
	})

	return r
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if logger == nil || r.URL.Path == "/ws" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware adds CORS headers for operator dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
