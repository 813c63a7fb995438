package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/synapse-iot/synapse/internal/api/handlers"
	"github.com/synapse-iot/synapse/internal/api/middleware"
	"github.com/synapse-iot/synapse/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Service registry
		r.Route("/services", func(r chi.Router) {
			r.Get("/", h.ListServices)
			r.Route("/{serviceID}", func(r chi.Router) {
				r.Post("/test", h.TestService)
				r.Get("/models", h.ListServiceModels)
			})
		})

		// Pipelines
		r.Route("/pipelines", func(r chi.Router) {
			r.Get("/", h.ListPipelines)
			r.Post("/{pipelineID}/run", h.RunPipeline)
		})

		// Permission relation
		r.Route("/permissions", func(r chi.Router) {
			r.Get("/", h.ListPermissions)
			r.Post("/", h.GrantPermission)
			r.Delete("/{pipelineID}/{deviceID}", h.RevokePermission)
		})

		// Executions & history
		r.Get("/executions", h.ListExecutions)
		r.Get("/history/{deviceID}", h.DeviceHistory)

		// Event injection & config reload
		r.Post("/events", h.InjectEvent)
		r.Post("/reload", h.ReloadConfig)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "synapse-core",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "synapse-core",
		})
	}
}
