package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewHTTPInstrumentation_NoProviders(t *testing.T) {
	t.Parallel()

	h, err := NewHTTPInstrumentation(nil, nil)
	require.NoError(t, err)
	require.Nil(t, h)

	rr := httptest.NewRecorder()
	h.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sources", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
}

func TestHTTPInstrumentation_Metrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	h, err := NewHTTPInstrumentation(nil, mp)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(h.Middleware)
	r.Get("/v1/sources/{name}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {})

	for _, path := range []string{"/v1/sources/payments", "/v1/sources/network", "/health"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	got := collect(t, reader)
	sum, ok := got["federation_http_requests_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)

	dp := sum.DataPoints[0]
	assert.Equal(t, int64(2), dp.Value)
	route, _ := dp.Attributes.Value(attribute.Key("route"))
	assert.Equal(t, "/v1/sources/{name}", route.AsString())
	status, _ := dp.Attributes.Value(attribute.Key("status_code"))
	assert.Equal(t, "404", status.AsString())
}

func TestHTTPInstrumentation_Tracing(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	h, err := NewHTTPInstrumentation(tp, nil)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(h.Middleware)
	r.Delete("/v1/compositions/{name}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	r.Get("/readiness", func(w http.ResponseWriter, _ *http.Request) {})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/v1/compositions/core", nil))
	assert.Equal(t, http.StatusConflict, rr.Code)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readiness", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "DELETE /v1/compositions/{name}", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestRoutePattern_Unmatched(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "unmatched", RoutePattern(httptest.NewRequest(http.MethodGet, "/x", nil)))
}
