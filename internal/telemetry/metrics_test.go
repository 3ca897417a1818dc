package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader sdkmetric.Reader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestNewFederationMetrics(t *testing.T) {
	t.Parallel()

	t.Run("returns nil when provider is nil", func(t *testing.T) {
		t.Parallel()

		metrics, err := NewFederationMetrics(nil)
		require.NoError(t, err)
		assert.Nil(t, metrics)
	})

	t.Run("nil metrics are a no-op", func(t *testing.T) {
		t.Parallel()

		var metrics *FederationMetrics
		metrics.RecordQuery(context.Background(), "core", time.Second, 3, false)
		metrics.RecordSource(context.Background(), "payments", "success", time.Second)
	})
}

func TestFederationMetrics_Record(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	metrics, err := NewFederationMetrics(mp)
	require.NoError(t, err)
	require.NotNil(t, metrics)

	ctx := context.Background()
	metrics.RecordQuery(ctx, "core", 150*time.Millisecond, 4, true)
	metrics.RecordSource(ctx, "payments", "success", 20*time.Millisecond)
	metrics.RecordSource(ctx, "network", "failed", 30*time.Millisecond)
	metrics.RecordSource(ctx, "network", "failed", 10*time.Millisecond)

	got := collect(t, reader)

	require.Contains(t, got, "federation_query_duration_seconds")
	require.Contains(t, got, "federation_query_rows")
	require.Contains(t, got, "federation_source_duration_seconds")
	require.Contains(t, got, "federation_source_requests_total")

	sum, ok := got["federation_source_requests_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	counts := map[string]int64{}
	for _, dp := range sum.DataPoints {
		source, _ := dp.Attributes.Value(attribute.Key("source"))
		counts[source.AsString()] = dp.Value
	}
	assert.Equal(t, int64(1), counts["payments"])
	assert.Equal(t, int64(2), counts["network"])

	rows, ok := got["federation_query_rows"].Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, rows.DataPoints, 1)
	assert.Equal(t, int64(4), rows.DataPoints[0].Sum)
}

func TestHistoryMetrics_RecordAppend(t *testing.T) {
	t.Parallel()

	var nilMetrics *HistoryMetrics
	nilMetrics.RecordAppend(context.Background(), true)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	metrics, err := NewHistoryMetrics(mp)
	require.NoError(t, err)

	metrics.RecordAppend(context.Background(), true)
	metrics.RecordAppend(context.Background(), false)

	got := collect(t, reader)
	sum, ok := got["federation_history_appends_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, sum.DataPoints, 2)
}
