package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/smartbuket/sb-analytics/internal/config"
	"github.com/smartbuket/sb-analytics/internal/metrics"
)

func NewRouter(h *Handlers, cfg *config.Config) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID(cfg.TraceHeader))
	r.Use(HTTPLogger)
	r.Use(chimw.Recoverer)

	r.Get("/health", h.Health)
	if cfg.MetricsEnabled {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(APIKeyAuth(cfg))
		r.Post("/events", h.PostEvents)
		r.Post("/opt-out", h.PostOptOut)
		r.Post("/privacy/delete", h.PostPrivacyDelete)
	})

	return r
}
