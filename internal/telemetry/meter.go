package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// newMeterProvider builds the metric pipeline with an OTLP push reader, a
// Prometheus pull reader registered on reg, or both. It returns a no-op
// provider and a nil shutdown when metrics are off.
func newMeterProvider(
	ctx context.Context,
	cfg *Config,
	res *resource.Resource,
	reg prometheus.Registerer,
) (metric.MeterProvider, shutdownFunc, error) {
	if !cfg.metricsEnabled() {
		slog.Info("Metrics disabled, using no-op meter provider")
		return noop.NewMeterProvider(), nil, nil
	}

	providerOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if cfg.pushMetrics() {
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.GetEndpoint())}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
		providerOpts = append(providerOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.Metrics.GetInterval())),
		))
	}

	if cfg.Metrics.Prometheus {
		reader, err := otelprom.New(otelprom.WithRegisterer(reg))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
		}
		providerOpts = append(providerOpts, sdkmetric.WithReader(reader))
	}

	mp := sdkmetric.NewMeterProvider(providerOpts...)
	otel.SetMeterProvider(mp)

	slog.Info("Metrics initialized",
		"otlp_push", cfg.pushMetrics(),
		"prometheus", cfg.Metrics.Prometheus,
		"interval", cfg.Metrics.GetInterval().String(),
	)
	return mp, mp.Shutdown, nil
}
