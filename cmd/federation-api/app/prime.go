package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/datasource-federation-server/internal/app"
	"github.com/stacklok/datasource-federation-server/internal/app/storage"
	"github.com/stacklok/datasource-federation-server/internal/config"
	"github.com/stacklok/datasource-federation-server/internal/store"
)

func newPrimeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "prime",
		Short: "Seed the store with the sources and compositions of the configuration file",
		Long: `Write the sources and compositions declared in the configuration file to
the configured store. Records that already match are left untouched, so the
command is safe to run on every deployment.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			return withStore(cmd.Context(), cfg, func(ctx context.Context, s store.Store) error {
				result, err := app.PrimeStore(ctx, cfg, s)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "created: %d, updated: %d, unchanged: %d\n",
					result.Created, result.Updated, result.Unchanged)
				return err
			})
		},
	}
}

// withStore opens the configured store for the duration of fn
func withStore(ctx context.Context, cfg *config.Config, fn func(context.Context, store.Store) error) error {
	factory, err := storage.NewStorageFactory(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create storage factory: %w", err)
	}
	defer factory.Cleanup()

	s, err := factory.CreateStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
	}()

	return fn(ctx, s)
}
