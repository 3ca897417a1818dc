package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// FederationMetricsMeterName is the name used for the federation engine meter
	FederationMetricsMeterName = "github.com/stacklok/datasource-federation-server/federation"

	// HistoryMetricsMeterName is the name used for the query history meter
	HistoryMetricsMeterName = "github.com/stacklok/datasource-federation-server/history"
)

// FederationMetrics holds the OpenTelemetry instruments for federated queries
type FederationMetrics struct {
	queryDuration  metric.Float64Histogram
	sourceRequests metric.Int64Counter
	sourceDuration metric.Float64Histogram
	rowsReturned   metric.Int64Histogram
}

// NewFederationMetrics creates a new FederationMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewFederationMetrics(provider metric.MeterProvider) (*FederationMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(FederationMetricsMeterName)

	queryDuration, err := meter.Float64Histogram(
		"federation_query_duration_seconds",
		metric.WithDescription("Duration of federated queries in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	sourceRequests, err := meter.Int64Counter(
		"federation_source_requests_total",
		metric.WithDescription("Number of per-source backend requests by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	sourceDuration, err := meter.Float64Histogram(
		"federation_source_duration_seconds",
		metric.WithDescription("Duration of per-source backend requests in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	rowsReturned, err := meter.Int64Histogram(
		"federation_query_rows",
		metric.WithDescription("Number of rows returned by federated queries"),
		metric.WithUnit("{row}"),
		metric.WithExplicitBucketBoundaries(0, 1, 10, 50, 100, 250, 500, 1000),
	)
	if err != nil {
		return nil, err
	}

	return &FederationMetrics{
		queryDuration:  queryDuration,
		sourceRequests: sourceRequests,
		sourceDuration: sourceDuration,
		rowsReturned:   rowsReturned,
	}, nil
}

// RecordQuery records the outcome of a whole federated query
func (m *FederationMetrics) RecordQuery(ctx context.Context, target string, duration time.Duration, rows int, truncated bool) {
	if m == nil || m.queryDuration == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("target", target),
		attribute.Bool("truncated", truncated),
	)
	m.queryDuration.Record(ctx, duration.Seconds(), attrs)
	m.rowsReturned.Record(ctx, int64(rows), attrs)
}

// RecordSource records the outcome of a single per-source request.
// status is one of success, partial or failed.
func (m *FederationMetrics) RecordSource(ctx context.Context, source, status string, duration time.Duration) {
	if m == nil || m.sourceRequests == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("status", status),
	)
	m.sourceRequests.Add(ctx, 1, attrs)
	m.sourceDuration.Record(ctx, duration.Seconds(), attrs)
}

// HistoryMetrics holds the OpenTelemetry instruments for the query history
type HistoryMetrics struct {
	appends metric.Int64Counter
}

// NewHistoryMetrics creates a new HistoryMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewHistoryMetrics(provider metric.MeterProvider) (*HistoryMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	appends, err := provider.Meter(HistoryMetricsMeterName).Int64Counter(
		"federation_history_appends_total",
		metric.WithDescription("Number of query history appends by outcome"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	return &HistoryMetrics{appends: appends}, nil
}

// RecordAppend records a history append attempt
func (m *HistoryMetrics) RecordAppend(ctx context.Context, success bool) {
	if m == nil || m.appends == nil {
		return
	}
	m.appends.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}
