package app

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/datasource-federation-server/internal/app"
	"github.com/stacklok/datasource-federation-server/internal/telemetry"
)

const defaultGracefulTimeout = 30 * time.Second // Kubernetes-friendly shutdown time

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the federation API server",
		Long: `Start the federation API server.

The server requires a configuration file (--config) that specifies the
storage backend, the search backends and the federation limits. With
--prime, the sources and compositions declared in the file are written to
the store before the server starts listening.

See examples/ directory for sample configurations.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v)
		},
	}

	cmd.Flags().String("address", ":8080", "Address to listen on")
	cmd.Flags().Bool("prime", false, "Seed the store from the configuration file before serving")
	cmd.Flags().Duration("shutdown-timeout", defaultGracefulTimeout, "Graceful shutdown timeout")
	for _, name := range []string{"address", "prime", "shutdown-timeout"} {
		if err := v.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			slog.Error("Failed to bind flag", "flag", name, "error", err)
		}
	}
	return cmd
}

func runServe(ctx context.Context, v *viper.Viper) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown telemetry", "error", err)
		}
	}()

	opts := []app.FederationAppOptions{
		app.WithConfig(cfg),
		app.WithAddress(v.GetString("address")),
		app.WithMeterProvider(tel.MeterProvider()),
		app.WithTracerProvider(tel.TracerProvider()),
	}
	if h := tel.MetricsHandler(); h != nil {
		opts = append(opts, app.WithMetricsHandler(h))
	}

	fedApp, err := app.NewFederationApp(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create federation app: %w", err)
	}

	if v.GetBool("prime") {
		if _, err := app.PrimeStore(ctx, cfg, fedApp.GetComponents().Store); err != nil {
			_ = fedApp.Stop(time.Second)
			return fmt.Errorf("failed to prime store: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- fedApp.Start()
	}()

	select {
	case err := <-errCh:
		_ = fedApp.Stop(time.Second)
		return err
	case <-ctx.Done():
	}

	if err := fedApp.Stop(v.GetDuration("shutdown-timeout")); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return err
	}
	return <-errCh
}
