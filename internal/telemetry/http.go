package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// HTTPInstrumentationName is the meter and tracer name of the HTTP layer
const HTTPInstrumentationName = "github.com/stacklok/datasource-federation-server/http"

const unmatchedRoute = "unmatched"

// Probes and scrapes are neither traced nor counted.
var unobservedPaths = map[string]bool{
	"/health":    true,
	"/readiness": true,
	"/metrics":   true,
}

// HTTPInstrumentation traces API requests and records request metrics.
// Either half may be absent; a nil *HTTPInstrumentation does nothing.
type HTTPInstrumentation struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	latency  metric.Float64Histogram
	requests metric.Int64Counter
	inflight metric.Int64UpDownCounter
}

// NewHTTPInstrumentation builds instrumentation from the given providers.
// It returns nil when both providers are nil.
func NewHTTPInstrumentation(tp trace.TracerProvider, mp metric.MeterProvider) (*HTTPInstrumentation, error) {
	if tp == nil && mp == nil {
		return nil, nil
	}

	h := &HTTPInstrumentation{}
	if tp != nil {
		h.tracer = tp.Tracer(HTTPInstrumentationName)
		h.propagator = otel.GetTextMapPropagator()
	}
	if mp == nil {
		return h, nil
	}

	meter := mp.Meter(HTTPInstrumentationName)
	var err error
	if h.latency, err = meter.Float64Histogram("federation_http_request_duration_seconds",
		metric.WithDescription("Latency of API requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}
	if h.requests, err = meter.Int64Counter("federation_http_requests_total",
		metric.WithDescription("API requests by route and status"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if h.inflight, err = meter.Int64UpDownCounter("federation_http_active_requests",
		metric.WithDescription("API requests currently being served"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	return h, nil
}

// Middleware wraps next with tracing and metrics
func (h *HTTPInstrumentation) Middleware(next http.Handler) http.Handler {
	if h == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unobservedPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		var span trace.Span
		if h.tracer != nil {
			ctx, span = h.tracer.Start(
				h.propagator.Extract(ctx, propagation.HeaderCarrier(r.Header)),
				r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.UserAgentOriginal(r.UserAgent()),
				),
			)
			defer span.End()
		}
		if h.inflight != nil {
			h.inflight.Add(ctx, 1)
			defer h.inflight.Add(ctx, -1)
		}

		next.ServeHTTP(ww, r.WithContext(ctx))

		route := RoutePattern(r)
		status := ww.Status()
		if span != nil {
			endSpan(span, r.Method, route, status)
		}
		if h.requests != nil {
			attrs := metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("route", route),
				attribute.String("status_code", strconv.Itoa(status)),
			)
			h.latency.Record(ctx, time.Since(start).Seconds(), attrs)
			h.requests.Add(ctx, 1, attrs)
		}
	})
}

func endSpan(span trace.Span, method, route string, status int) {
	span.SetName(method + " " + route)
	span.SetAttributes(
		semconv.HTTPRouteKey.String(route),
		semconv.HTTPResponseStatusCode(status),
	)
	if status >= http.StatusBadRequest {
		span.SetStatus(codes.Error, http.StatusText(status))
		return
	}
	span.SetStatus(codes.Ok, "")
}

// RoutePattern returns the matched chi pattern such as "/v1/sources/{name}".
// It is only meaningful once the router has served r.
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}
