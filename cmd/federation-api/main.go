// Package main is the entry point for the data-source federation API server.
package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/datasource-federation-server/cmd/federation-api/app"
	"github.com/stacklok/datasource-federation-server/internal/config"
)

// logLevel reads FEDERATION_LOG_LEVEL, then LOG_LEVEL. Unset or unparsable
// values give info.
func logLevel() slog.Level {
	env := viper.New()
	env.SetEnvPrefix(config.EnvPrefix)
	env.AutomaticEnv()

	raw := env.GetString("log_level")
	if raw == "" {
		raw = os.Getenv("LOG_LEVEL")
	}
	if raw == "" {
		return slog.LevelInfo
	}
	if strings.EqualFold(raw, "warning") {
		raw = "warn"
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		slog.Warn("Ignoring invalid log level", "value", raw)
		return slog.LevelInfo
	}
	return level
}

// spanContextHandler adds the active trace and span ids to each record so
// request logs can be joined with their traces.
type spanContextHandler struct {
	next slog.Handler
}

func (h spanContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h spanContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, r)
}

func (h spanContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return spanContextHandler{next: h.next.WithAttrs(attrs)}
}

func (h spanContextHandler) WithGroup(name string) slog.Handler {
	return spanContextHandler{next: h.next.WithGroup(name)}
}

func main() {
	// stdout is reserved for command output
	json := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()})
	slog.SetDefault(slog.New(spanContextHandler{next: json}))

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
