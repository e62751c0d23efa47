package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/traceforge/traceforge/assistant/internal/api/handlers"
	"github.com/traceforge/traceforge/assistant/internal/api/middleware"
)

// NewRouter creates the HTTP router with all API routes. A nil auth leaves
// every route open.
func NewRouter(h *handlers.Handlers, auth *middleware.APIKeyAuth) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.FactoryExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Factory-Id", "X-User-Id", "X-User-Roles", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if auth != nil {
		r.Use(auth.Middleware)
	}

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", h.Version)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/turns", h.ProcessTurn)

		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.EndSession)
			r.Get("/context", h.GetSessionContext)
		})

		// Diagnostics
		r.Post("/route", h.RouteInput)
		r.Post("/complexity", h.EstimateComplexity)
		r.Post("/complexity/train", h.TrainComplexity)
		r.Get("/router/stats", h.RouterStats)
		r.Get("/cache/stats", h.CacheStats)
		r.Post("/cache/refresh", h.RefreshCache)

		r.Route("/intents", func(r chi.Router) {
			r.Get("/", h.ListIntents)
			r.Get("/{code}", h.GetIntent)
			r.Put("/{code}", h.PutIntent)
		})

		// Learning loop
		r.Post("/feedback", h.RecordFeedback)
		r.Post("/keywords", h.LearnKeyword)
		r.Get("/expressions", h.ListExpressions)
		r.Post("/expressions/{id}/disable", h.DisableExpression)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.ListJobs)
			r.Post("/{name}/run", h.RunJob)
		})
	})

	return r
}
