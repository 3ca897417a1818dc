package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/datasource-federation-server/internal/api"
	v1 "github.com/stacklok/datasource-federation-server/internal/api/v1"
	"github.com/stacklok/datasource-federation-server/internal/app/storage"
	"github.com/stacklok/datasource-federation-server/internal/backend"
	"github.com/stacklok/datasource-federation-server/internal/config"
	"github.com/stacklok/datasource-federation-server/internal/federation"
	"github.com/stacklok/datasource-federation-server/internal/registry"
	"github.com/stacklok/datasource-federation-server/internal/telemetry"
)

const (
	defaultHTTPAddress    = ":8080"
	defaultRequestTimeout = 30 * time.Second
	defaultReadTimeout    = 10 * time.Second
	defaultWriteTimeout   = 45 * time.Second
	defaultIdleTimeout    = 60 * time.Second

	// StoreTracerName is the name of the configuration store tracer
	StoreTracerName = "github.com/stacklok/datasource-federation-server/store"
)

// FederationAppOptions is a function that configures the federation app builder
type FederationAppOptions func(*federationAppConfig) error

// federationAppConfig collects the builder inputs.
// It supports dependency injection for testing while providing sensible defaults for production
type federationAppConfig struct {
	config *config.Config

	// Optional component overrides (primarily for testing)
	storageFactory  storage.Factory
	backendProvider backend.Provider

	// HTTP server options
	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration

	// Telemetry components
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metricsHandler http.Handler
}

func baseConfig(opts ...FederationAppOptions) (*federationAppConfig, error) {
	cfg := &federationAppConfig{
		address:        defaultHTTPAddress,
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		writeTimeout:   defaultWriteTimeout,
		idleTimeout:    defaultIdleTimeout,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	// the request deadline must leave room for every source to time out
	if floor := cfg.config.GetSourceTimeout() + 5*time.Second; cfg.requestTimeout < floor {
		cfg.requestTimeout = floor
	}
	if cfg.writeTimeout < cfg.requestTimeout {
		cfg.writeTimeout = cfg.requestTimeout + 5*time.Second
	}

	return cfg, nil
}

// NewFederationApp wires the store, registry, federation engine, history and
// HTTP server described by the configuration
func NewFederationApp(
	ctx context.Context,
	opts ...FederationAppOptions,
) (*FederationApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	// Create storage factory (single decision point for DB vs File)
	if cfg.storageFactory == nil {
		var factoryOpts []storage.Option
		if cfg.tracerProvider != nil {
			factoryOpts = append(factoryOpts, storage.WithTracer(cfg.tracerProvider.Tracer(StoreTracerName)))
		}
		cfg.storageFactory, err = storage.NewStorageFactory(ctx, cfg.config, factoryOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage factory: %w", err)
		}
	}

	// Ensure cleanup happens on error
	var cleanupNeeded = true
	defer func() {
		if cleanupNeeded {
			cfg.storageFactory.Cleanup()
		}
	}()

	components, err := buildComponents(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build components: %w", err)
	}

	httpServer, err := buildHTTPServer(cfg, components)
	if err != nil {
		_ = components.Store.Close()
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	// Cleanup is now handled by the app, not in defer
	cleanupNeeded = false

	return &FederationApp{
		config:         cfg.config,
		components:     components,
		storageFactory: cfg.storageFactory,
		httpServer:     httpServer,
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) FederationAppOptions {
	return func(cfg *federationAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address
func WithAddress(addr string) FederationAppOptions {
	return func(cfg *federationAppConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		host, port, found := strings.Cut(addr, ":")
		if !found || port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares sets custom HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) FederationAppOptions {
	return func(cfg *federationAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithRequestTimeout sets the per-request deadline of the API
func WithRequestTimeout(d time.Duration) FederationAppOptions {
	return func(cfg *federationAppConfig) error {
		if d <= 0 {
			return fmt.Errorf("request timeout must be positive")
		}
		cfg.requestTimeout = d
		return nil
	}
}

// WithStorageFactory allows injecting a custom storage factory (for testing)
func WithStorageFactory(f storage.Factory) FederationAppOptions {
	return func(cfg *federationAppConfig) error {
		cfg.storageFactory = f
		return nil
	}
}

// WithBackendProvider allows injecting the search backends (for testing)
func WithBackendProvider(p backend.Provider) FederationAppOptions {
	return func(cfg *federationAppConfig) error {
		cfg.backendProvider = p
		return nil
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider for HTTP and federation metrics
func WithMeterProvider(mp metric.MeterProvider) FederationAppOptions {
	return func(cfg *federationAppConfig) error {
		cfg.meterProvider = mp
		return nil
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider
func WithTracerProvider(tp trace.TracerProvider) FederationAppOptions {
	return func(cfg *federationAppConfig) error {
		cfg.tracerProvider = tp
		return nil
	}
}

// WithMetricsHandler exposes h on /metrics
func WithMetricsHandler(h http.Handler) FederationAppOptions {
	return func(cfg *federationAppConfig) error {
		cfg.metricsHandler = h
		return nil
	}
}

// buildComponents builds the store, registry, history recorder and federation engine
func buildComponents(ctx context.Context, b *federationAppConfig) (*AppComponents, error) {
	slog.Info("Initializing federation components")

	st, err := b.storageFactory.CreateStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	recorder, err := b.storageFactory.CreateRecorder(ctx)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create history recorder: %w", err)
	}

	if b.backendProvider == nil {
		b.backendProvider, err = backend.NewProviderFromConfig(b.config.Backends)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to create search backends: %w", err)
		}
	}

	reg := registry.New(st, b.backendProvider)

	engineOpts := []federation.Option{
		federation.WithMaxResults(b.config.GetMaxResults()),
		federation.WithSourceLimit(b.config.GetSourceLimit()),
		federation.WithSourceTimeout(b.config.GetSourceTimeout()),
		federation.WithMaxConcurrency(b.config.GetMaxConcurrency()),
		federation.WithHistoryTimeout(b.config.GetHistoryTimeout()),
	}
	if b.tracerProvider != nil {
		engineOpts = append(engineOpts, federation.WithTracer(b.tracerProvider.Tracer(federation.TracerName)))
	}
	if b.meterProvider != nil {
		fm, err := telemetry.NewFederationMetrics(b.meterProvider)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to create federation metrics: %w", err)
		}
		hm, err := telemetry.NewHistoryMetrics(b.meterProvider)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to create history metrics: %w", err)
		}
		engineOpts = append(engineOpts, federation.WithMetrics(fm, hm))
		slog.Info("Federation metrics enabled")
	}

	engine, err := federation.New(reg, recorder, engineOpts...)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create federation engine: %w", err)
	}

	slog.Info("Federation components initialized successfully",
		"storage", b.config.GetStorageType(),
		"history", b.config.GetHistoryType(),
	)
	return &AppComponents{
		Store:    st,
		Registry: reg,
		Engine:   engine,
		History:  recorder,
	}, nil
}

// buildHTTPServer builds the HTTP server with router and middleware
func buildHTTPServer(b *federationAppConfig, c *AppComponents) (*http.Server, error) {
	slog.Info("Initializing HTTP server")

	// Use default middlewares if not provided
	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(b.requestTimeout),
			api.LoggingMiddleware,
		}
	}

	// Instrumentation runs outermost so it observes every API request
	instr, err := telemetry.NewHTTPInstrumentation(b.tracerProvider, b.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP instrumentation: %w", err)
	}
	if instr != nil {
		b.middlewares = append([]func(http.Handler) http.Handler{instr.Middleware}, b.middlewares...)
		slog.Info("HTTP instrumentation enabled",
			"tracing", b.tracerProvider != nil,
			"metrics", b.meterProvider != nil)
	}

	serverOpts := []api.ServerOption{
		api.WithMiddlewares(b.middlewares...),
		api.WithReadiness(b.storageFactory.CheckReadiness),
	}
	if b.metricsHandler != nil {
		serverOpts = append(serverOpts, api.WithMetricsHandler(b.metricsHandler))
	}

	router := api.NewServer(v1.Services{
		Store:    c.Store,
		Catalog:  c.Registry,
		Executor: c.Engine,
		History:  c.History,
	}, serverOpts...)

	server := &http.Server{
		Addr:              b.address,
		Handler:           router,
		ReadTimeout:       b.readTimeout,
		ReadHeaderTimeout: b.readTimeout,
		WriteTimeout:      b.writeTimeout,
		IdleTimeout:       b.idleTimeout,
	}

	slog.Info("HTTP server configured", "address", b.address)
	return server, nil
}
