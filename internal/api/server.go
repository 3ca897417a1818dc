// Package api provides the REST API server of the federation server.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/datasource-federation-server/internal/api/common"
	v1 "github.com/stacklok/datasource-federation-server/internal/api/v1"
	"github.com/stacklok/datasource-federation-server/internal/versions"
)

// ReadinessFunc reports whether the server can serve requests
type ReadinessFunc func(ctx context.Context) error

// ServerOption configures the API server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares    []func(http.Handler) http.Handler
	metricsHandler http.Handler
	readiness      ReadinessFunc
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithMetricsHandler serves h on /metrics
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.metricsHandler = h
	}
}

// WithReadiness sets the check behind /readiness
func WithReadiness(fn ReadinessFunc) ServerOption {
	return func(cfg *serverConfig) {
		cfg.readiness = fn
	}
}

// NewServer creates and configures the HTTP router with the given services and options
func NewServer(svc v1.Services, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Get("/health", healthHandler)
	r.Get("/readiness", readinessHandler(cfg.readiness))
	r.Get("/version", versionHandler)
	if cfg.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.metricsHandler)
	}

	r.Mount("/v1", v1.Router(svc))

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.DebugContext(r.Context(), "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, ProbeResponse{Status: "healthy"}, http.StatusOK)
}

func readinessHandler(check ReadinessFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				slog.WarnContext(r.Context(), "Readiness check failed", "error", err)
				common.WriteJSONResponse(w, ProbeResponse{Status: "not ready", Error: err.Error()},
					http.StatusServiceUnavailable)
				return
			}
		}
		common.WriteJSONResponse(w, ProbeResponse{Status: "ready"}, http.StatusOK)
	}
}

func versionHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, versions.Get(), http.StatusOK)
}
