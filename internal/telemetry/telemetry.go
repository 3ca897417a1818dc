package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

type shutdownFunc func(context.Context) error

// Telemetry owns the tracer and meter providers of the process
type Telemetry struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	metricsHandler http.Handler

	shutdowns    []shutdownFunc
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds the providers described by cfg. A nil or disabled config yields
// no-op providers. The caller must call Shutdown to flush pending data.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if cfg == nil || !cfg.Enabled {
		slog.Debug("Telemetry disabled")
		return &Telemetry{
			tracerProvider: tracenoop.NewTracerProvider(),
			meterProvider:  metricnoop.NewMeterProvider(),
		}, nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	slog.Info("Initializing telemetry",
		"service_name", cfg.GetServiceName(),
		"service_version", cfg.GetServiceVersion(),
	)

	// resource.New rather than resource.Merge with resource.Default avoids schema URL conflicts
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.GetServiceName()),
			semconv.ServiceVersion(cfg.GetServiceVersion()),
		),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	t := &Telemetry{}

	var stopTracing shutdownFunc
	t.tracerProvider, stopTracing, err = newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer provider: %w", err)
	}
	t.addShutdown(stopTracing)

	// a private registry keeps Go runtime collectors off /metrics
	registry := prometheus.NewRegistry()
	var stopMetrics shutdownFunc
	t.meterProvider, stopMetrics, err = newMeterProvider(ctx, cfg, res, registry)
	if err != nil {
		_ = t.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create meter provider: %w", err)
	}
	t.addShutdown(stopMetrics)

	if cfg.metricsEnabled() && cfg.Metrics.Prometheus {
		t.metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	slog.Info("Telemetry initialized successfully")
	return t, nil
}

func (t *Telemetry) addShutdown(fn shutdownFunc) {
	if fn != nil {
		t.shutdowns = append(t.shutdowns, fn)
	}
}

// TracerProvider returns the configured tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// MeterProvider returns the configured meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// MetricsHandler returns the Prometheus scrape handler, or nil when the pull
// endpoint is not enabled
func (t *Telemetry) MetricsHandler() http.Handler {
	return t.metricsHandler
}

// Meter returns a named meter from the meter provider
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	return t.meterProvider.Meter(name, opts...)
}

// Shutdown flushes and stops the providers in reverse creation order.
// Later calls return the result of the first one.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		if len(t.shutdowns) == 0 {
			return
		}
		slog.Info("Shutting down telemetry")
		var errs []error
		for _, fn := range slices.Backward(t.shutdowns) {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		t.shutdownErr = errors.Join(errs...)
	})
	return t.shutdownErr
}
