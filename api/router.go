package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fileconverter/ratelimit"
)

type RouterConfig struct {
	Handler *Handler
	Health  *HealthHandler
	// Limiter guards POST /api/convert per client. Nil disables it.
	Limiter ratelimit.Limiter
	// Global is an optional process-wide bucket in front of Limiter.
	Global *ratelimit.Global
	// TrustProxyHeaders lets X-Forwarded-For and friends replace the peer
	// address. Leave off unless a proxy in front overwrites them.
	TrustProxyHeaders bool
	Logger            *slog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "http"))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	r.NotFound(cfg.Handler.NotFound)

	r.Get("/health/live", cfg.Health.Live)
	r.Get("/health/ready", cfg.Health.Ready)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.With(rateLimit(cfg.Limiter, cfg.Global, logger)).Post("/convert", cfg.Handler.Convert)
		r.Get("/conversion-status/{id}", cfg.Handler.Status)
		r.Get("/formats", cfg.Handler.Formats)
	})
	r.Get("/download/{filename}", cfg.Handler.Download)

	return r
}
