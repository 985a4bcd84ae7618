package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// NewRouter mounts every route. limiter may be nil to disable rate limiting.
func NewRouter(apiHandler *APIHandler, gatherer prometheus.Gatherer, limiter *rate.Limiter, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Get("/health", apiHandler.HealthHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Generative endpoints share the rate limit.
	r.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(RateLimit(limiter))
		}
		r.Post("/inference", apiHandler.InferenceHandler)
		r.Post("/generate-image", apiHandler.GenerateImageHandler)
	})

	// Thread routes; {id} is a user id on GET and a thread id on PUT
	r.Get("/threads/{id}", apiHandler.ListThreadsHandler)
	r.Put("/threads/{id}", apiHandler.RenameThreadHandler)

	// Message routes
	r.Get("/messages/{id}", apiHandler.ListMessagesHandler)
	r.Post("/messages/{id}/feedback", apiHandler.MessageFeedbackHandler)

	return r
}
