// Package httptransport assembles the public HTTP surface: middleware, the
// invoice request routes and the operational endpoints.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"invoicer/internal/platform/metrics"
	"invoicer/internal/platform/middleware"
	"invoicer/pkg/platform/httputil"
	"invoicer/pkg/platform/middleware/requesttime"
)

// healthTimeout bounds a /healthz probe.
const healthTimeout = 2 * time.Second

// Registrar mounts a module's routes.
type Registrar interface {
	Register(r chi.Router)
}

// RouterConfig carries what NewRouter needs.
type RouterConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Health probes the process dependencies. Nil always reports healthy.
	Health func(ctx context.Context) error
	// Metrics endpoint handler. Defaults to the global Prometheus registry.
	MetricsHandler http.Handler
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// NewRouter wires middleware, operational endpoints and the module routes.
func NewRouter(cfg RouterConfig, modules ...Registrar) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Observe(logger, cfg.Metrics))
	r.Use(requesttime.Middleware)

	r.Get("/healthz", healthHandler(cfg.Health))
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	for _, m := range modules {
		m.Register(r)
	}
	return r
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check == nil {
			httputil.WriteJSON(w, http.StatusOK, healthResponse{Status: "ok"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := check(ctx); err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: err.Error()})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}
