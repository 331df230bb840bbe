package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/queryhive/queryhive/discovery-engine/internal/api/handlers"
	"github.com/queryhive/queryhive/discovery-engine/internal/api/middleware"
	"github.com/queryhive/queryhive/discovery-engine/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
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
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/discovery", func(r chi.Router) {
			r.Post("/search", h.Discover)
			r.Post("/feedback", h.Feedback)
		})

		r.Route("/resources", func(r chi.Router) {
			r.Get("/", h.ListResources)
			r.Post("/", h.RegisterResource)
			r.Route("/{resourceID}", func(r chi.Router) {
				r.Get("/", h.GetResource)
				r.Delete("/", h.DeleteResource)
				r.Post("/deactivate", h.DeactivateResource)
			})
		})

		r.Route("/sync", func(r chi.Router) {
			r.Post("/", h.StartSync)
			r.Route("/tasks/{taskID}", func(r chi.Router) {
				r.Get("/", h.GetTask)
				r.Post("/cancel", h.CancelTask)
			})
		})

		r.Get("/statistics", h.Statistics)

		r.Route("/config", func(r chi.Router) {
			r.Get("/", h.GetConfig)
			r.Put("/", h.UpdateConfig)
		})
	})

	return r
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"service": "queryhive-discovery-engine",
			"version": cfg.Version,
		})
	}
}
