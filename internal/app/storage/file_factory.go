package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/stacklok/datasource-federation-server/internal/config"
	"github.com/stacklok/datasource-federation-server/internal/history"
	"github.com/stacklok/datasource-federation-server/internal/store"
)

// FileFactory keeps configurations in JSON files and the history in memory
type FileFactory struct {
	config  *config.Config
	baseDir string
}

var _ Factory = (*FileFactory)(nil)

// NewFileFactory creates a file-backed storage factory
func NewFileFactory(cfg *config.Config) (*FileFactory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	slog.Info("Creating file-backed storage factory", "base_dir", cfg.GetFileStorageBaseDir())
	return &FileFactory{config: cfg, baseDir: cfg.GetFileStorageBaseDir()}, nil
}

// CreateStore implements Factory
func (f *FileFactory) CreateStore(_ context.Context) (store.Store, error) {
	s, err := store.NewFileStore(f.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create file store: %w", err)
	}
	return s, nil
}

// CreateRecorder implements Factory
func (f *FileFactory) CreateRecorder(_ context.Context) (history.Recorder, error) {
	return history.NewFromConfig(f.config, nil)
}

// CheckReadiness implements Factory
func (f *FileFactory) CheckReadiness(_ context.Context) error {
	if _, err := os.Stat(f.baseDir); err != nil {
		return fmt.Errorf("storage directory unavailable: %w", err)
	}
	return nil
}

// Cleanup implements Factory
func (*FileFactory) Cleanup() {}
