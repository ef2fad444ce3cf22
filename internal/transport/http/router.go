// Package httptransport assembles the HTTP surface: middleware chain,
// public endpoints, operator endpoints, health, and metrics.
package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	placehandler "libdiscovery/internal/place/handler"
	registryhandler "libdiscovery/internal/registry/handler"
	searchhandler "libdiscovery/internal/search/handler"

	"libdiscovery/internal/platform/middleware"
)

// Config carries the router's own knobs.
type Config struct {
	AdminToken     string
	RequestTimeout time.Duration
}

// NewRouter wires all endpoints behind the shared middleware chain.
func NewRouter(registry *registryhandler.Handler, search *searchhandler.Handler, places *placehandler.Handler, logger *slog.Logger, cfg Config) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTime)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(api chi.Router) {
		api.Use(middleware.Timeout(cfg.RequestTimeout))
		api.Use(middleware.ContentTypeJSON)
		registry.Register(api)
		search.Register(api)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(middleware.RequireAdminToken(cfg.AdminToken, logger))
		admin.Use(middleware.ContentTypeJSON)
		registry.RegisterAdmin(admin)
		places.RegisterAdmin(admin)
	})

	return r
}
