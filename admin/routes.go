package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"tributary/cfg"
	"tributary/telemetry"
)

// NewRouter builds the operational HTTP surface using chi.
func NewRouter(handlers *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handlers.handleHealth)
	r.Get("/status", handlers.handleStatus)

	r.Route("/checkpoint", func(r chi.Router) {
		r.Get("/", handlers.handleCheckpoint)
		r.Post("/reset", handlers.handleCheckpointReset)
	})

	if cfg.Config.Prometheus.Enabled {
		r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
			h := telemetry.GetMetricsHandler()
			if h == nil {
				http.NotFound(w, req)
				return
			}
			h.ServeHTTP(w, req)
		})
	}

	log.Info().Msg("Admin endpoints enabled: /health /status /checkpoint /metrics")
	return r
}
