package storage

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/datasource-federation-server/internal/config"
	"github.com/stacklok/datasource-federation-server/internal/db"
	"github.com/stacklok/datasource-federation-server/internal/history"
	"github.com/stacklok/datasource-federation-server/internal/store"
)

// DatabaseFactory creates components backed by SQLite or PostgreSQL.
// The store and, when configured, the history share one database handle.
type DatabaseFactory struct {
	config *config.Config
	db     *db.DB
	tracer trace.Tracer
}

var _ Factory = (*DatabaseFactory)(nil)

// Option configures a DatabaseFactory
type Option func(*DatabaseFactory)

// WithTracer sets the OpenTelemetry tracer for the SQL store.
// If not set, tracing will be disabled (no-op).
func WithTracer(tracer trace.Tracer) Option {
	return func(f *DatabaseFactory) {
		f.tracer = tracer
	}
}

// NewDatabaseFactory opens the configured database and applies its schema
func NewDatabaseFactory(ctx context.Context, cfg *config.Config, opts ...Option) (*DatabaseFactory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	slog.Info("Creating database-backed storage factory", "type", cfg.GetStorageType())

	database, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	f := &DatabaseFactory{config: cfg, db: database}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// CreateStore implements Factory
func (f *DatabaseFactory) CreateStore(ctx context.Context) (store.Store, error) {
	return store.NewSQLStore(ctx, f.db, store.WithTracer(f.tracer))
}

// CreateRecorder implements Factory
func (f *DatabaseFactory) CreateRecorder(_ context.Context) (history.Recorder, error) {
	return history.NewFromConfig(f.config, f.db)
}

// CheckReadiness implements Factory
func (f *DatabaseFactory) CheckReadiness(ctx context.Context) error {
	if err := f.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// Cleanup implements Factory
func (f *DatabaseFactory) Cleanup() {
	if err := f.db.Close(); err != nil {
		slog.Error("Failed to close database", "error", err)
	}
}
