// Package otel provides OpenTelemetry span helpers shared by the store,
// registry, federation engine and history recorder.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used across the application
const (
	AttrQueryID      = attribute.Key("federation.query_id")
	AttrTarget       = attribute.Key("federation.target")
	AttrSourceName   = attribute.Key("federation.source")
	AttrSourceCount  = attribute.Key("federation.source_count")
	AttrSourceStatus = attribute.Key("federation.source_status")
	AttrIndex        = attribute.Key("backend.index")
	AttrConfigKind   = attribute.Key("config.kind")
	AttrConfigName   = attribute.Key("config.name")
	AttrStoreType    = attribute.Key("store.type")
	AttrLimit        = attribute.Key("query.limit")
	AttrResultCount  = attribute.Key("result.count")
	AttrTruncated    = attribute.Key("result.truncated")
)

// StartSpan starts a new span if the tracer is non-nil, otherwise returns the
// span already in the context, which is a no-op when tracing is disabled.
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError records err on the span and marks it failed. Nil spans and nil errors are ignored.
// The status description stays generic so backend URLs and SQL never end up in
// the span status; the full error is kept in the span event.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}
