// Package api provides HTTP API server components.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lexflow/lexflow/config"
	"github.com/lexflow/lexflow/pkg/api/handlers"
	"github.com/lexflow/lexflow/pkg/api/middleware"
	"github.com/lexflow/lexflow/pkg/api/response"
	"github.com/lexflow/lexflow/pkg/logger"
)

// Handlers holds all HTTP handlers.
type Handlers struct {
	// Batches handles approval batch endpoints
	Batches *handlers.BatchHandler

	// Reservations exposes the reservation ledger
	Reservations *handlers.ReservationHandler

	// Health handles health check endpoints
	Health *handlers.HealthHandler

	// Metrics is the optional metrics recorder
	Metrics middleware.MetricsRecorder

	// MetricsHandler serves /metrics when set
	MetricsHandler http.Handler
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, handlers *Handlers) chi.Router {
	r := chi.NewRouter()

	// Register global middleware
	r.Use(middleware.RequestID())
	r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))

	// Add metrics middleware if provided
	if handlers.Metrics != nil {
		r.Use(middleware.Metrics(handlers.Metrics))
	}

	r.Use(middleware.CORS(&cfg.Server.CORS))
	r.Use(middleware.MaxBodyBytes(cfg.Server.HTTP.MaxBodyBytes))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "route not found", middleware.GetRequestID(r.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, response.ErrCodeMethodNotAllowed, "method not allowed", middleware.GetRequestID(r.Context()))
	})

	// Register routes
	RegisterRoutes(r, handlers)

	return r
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(r chi.Router, handlers *Handlers) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		if handlers.Batches != nil {
			r.Route("/batches", func(r chi.Router) {
				r.Put("/", handlers.Batches.SubmitBatch)
				r.Get("/", handlers.Batches.ListBatches)
				r.Get("/{id}", handlers.Batches.GetBatch)
				r.Patch("/{id}/actions", handlers.Batches.EditActions)
				r.Post("/{id}/approve", handlers.Batches.ApproveBatch)
				r.Post("/{id}/cancel", handlers.Batches.CancelBatch)
				r.Post("/{id}/execute", handlers.Batches.ExecuteBatch)
				if handlers.Reservations != nil {
					r.Get("/{id}/reservations", handlers.Reservations.ListByBatch)
				}
			})
		}

		if handlers.Reservations != nil {
			r.Get("/reservations/{key}", handlers.Reservations.GetReservation)
		}
	})

	// Health check routes (not versioned)
	if handlers.Health != nil {
		r.Get("/health", handlers.Health.Health)
		r.Get("/ready", handlers.Health.Ready)
	}

	if handlers.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", handlers.MetricsHandler)
	}
}
