// Package app provides the command tree of the federation API server.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/datasource-federation-server/internal/config"
	"github.com/stacklok/datasource-federation-server/internal/versions"
)

// NewRootCmd creates the root command with every subcommand attached.
// Flags are bound to a viper instance owned by the command tree, so each
// flag can also be set through a FEDERATION_ prefixed environment variable.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:               "federation-api",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "Data-source registry and query federation server",
		Long: `federation-api stores single-source and composition configurations and
answers federated queries by fanning them out to every member source and
merging the results by relevance.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				slog.Error("Error displaying help", "error", err)
			}
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format)")
	if err := v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		slog.Error("Error binding config flag", "error", err)
	}

	rootCmd.AddCommand(newServeCmd(v))
	rootCmd.AddCommand(newPrimeCmd(v))
	rootCmd.AddCommand(newSourcesCmd(v))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// loadConfig loads the configuration file named by the config flag or FEDERATION_CONFIG
func loadConfig(v *viper.Viper) (*config.Config, error) {
	path := v.GetString("config")
	if path == "" {
		return nil, fmt.Errorf("a configuration file is required (--config or %s_CONFIG)", config.EnvPrefix)
	}
	cfg, err := config.LoadConfig(config.WithConfigPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.Info("Loaded configuration",
		"path", path,
		"storage", cfg.GetStorageType(),
		"history", cfg.GetHistoryType(),
	)
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.Get()
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return fmt.Errorf("failed to get format flag: %w", err)
			}

			out := cmd.OutOrStdout()
			if format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			_, err = fmt.Fprintf(out, "federation-api %s (commit %s, built %s, %s, %s)\n",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
			return err
		},
	}
	cmd.Flags().String("format", "", "Output format (json)")
	return cmd
}
