// Package app provides application lifecycle management for the federation server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/stacklok/datasource-federation-server/internal/app/storage"
	"github.com/stacklok/datasource-federation-server/internal/config"
)

// FederationApp encapsulates all components needed to run the federation API server
// It provides lifecycle management and graceful shutdown capabilities
type FederationApp struct {
	config         *config.Config
	components     *AppComponents
	storageFactory storage.Factory
	httpServer     *http.Server
}

// Start starts the HTTP server.
// This method blocks until the HTTP server stops or encounters an error
func (app *FederationApp) Start() error {
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	return app.Serve(ln)
}

// Serve accepts connections on ln until the server is stopped
func (app *FederationApp) Serve(ln net.Listener) error {
	slog.Info("Server listening", "address", ln.Addr().String())
	if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the application with the given timeout.
// In-flight requests and pending history writes are drained before the
// storage is released.
func (app *FederationApp) Stop(timeout time.Duration) error {
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownErr := app.httpServer.Shutdown(shutdownCtx)

	app.components.Engine.Close()

	if err := app.components.Store.Close(); err != nil {
		slog.Error("Failed to close store", "error", err)
	}
	app.storageFactory.Cleanup()

	if shutdownErr != nil {
		return fmt.Errorf("server forced to shutdown: %w", shutdownErr)
	}

	slog.Info("Server shutdown complete")
	return nil
}

// GetConfig returns the application configuration
func (app *FederationApp) GetConfig() *config.Config {
	return app.config
}

// GetHTTPServer returns the HTTP server (useful for testing to get the actual port)
func (app *FederationApp) GetHTTPServer() *http.Server {
	return app.httpServer
}

// GetComponents returns the wired application components
func (app *FederationApp) GetComponents() *AppComponents {
	return app.components
}
