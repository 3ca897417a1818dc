// Package storage creates the storage-dependent components of the server as a
// family, so the configuration store and the query history always share a
// compatible backend.
package storage

import (
	"context"
	"fmt"

	"github.com/stacklok/datasource-federation-server/internal/config"
	"github.com/stacklok/datasource-federation-server/internal/history"
	"github.com/stacklok/datasource-federation-server/internal/store"
)

//go:generate mockgen -destination=mocks/mock_factory.go -package=mocks -source=factory.go Factory

// Factory creates storage-dependent components.
// It also owns the lifecycle of shared resources such as database handles.
type Factory interface {
	// CreateStore creates the configuration store
	CreateStore(ctx context.Context) (store.Store, error)

	// CreateRecorder creates the query history recorder
	CreateRecorder(ctx context.Context) (history.Recorder, error)

	// CheckReadiness reports whether the storage can serve requests
	CheckReadiness(ctx context.Context) error

	// Cleanup releases the resources held by the factory
	Cleanup()
}

// NewStorageFactory creates the factory for the configured storage type
func NewStorageFactory(ctx context.Context, cfg *config.Config, opts ...Option) (Factory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	switch cfg.GetStorageType() {
	case config.StorageTypeFile:
		return NewFileFactory(cfg)
	case config.StorageTypeSQLite, config.StorageTypeDatabase:
		return NewDatabaseFactory(ctx, cfg, opts...)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.GetStorageType())
	}
}
