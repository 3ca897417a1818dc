package app

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/datasource-federation-server/internal/datasource"
	"github.com/stacklok/datasource-federation-server/internal/store"
)

func newSourcesCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List the stored sources and compositions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := cmd.Flags().GetString("kind")
			if err != nil {
				return fmt.Errorf("failed to get kind flag: %w", err)
			}
			switch datasource.Kind(kind) {
			case "", datasource.KindSource, datasource.KindComposition:
			default:
				return fmt.Errorf("--kind must be %s or %s", datasource.KindSource, datasource.KindComposition)
			}

			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			return withStore(cmd.Context(), cfg, func(ctx context.Context, s store.Store) error {
				cfgs, err := s.List(ctx, datasource.Kind(kind))
				if err != nil {
					return fmt.Errorf("failed to list configurations: %w", err)
				}
				return renderConfigs(cmd.OutOrStdout(), cfgs)
			})
		},
	}
	cmd.Flags().String("kind", "", "Only list records of this kind (source or composition)")
	return cmd
}

// renderConfigs writes cfgs as a table
func renderConfigs(w io.Writer, cfgs []datasource.Config) error {
	table := tablewriter.NewWriter(w)
	table.Header("Name", "Kind", "Version", "State", "Index / Members", "Fields")

	for _, c := range cfgs {
		var row []string
		switch c := c.(type) {
		case *datasource.SingleSourceConfig:
			row = []string{c.Name, string(datasource.KindSource), strconv.FormatInt(c.Version, 10),
				string(c.State), c.Index, strings.Join(c.Fields, ", ")}
		case *datasource.MultiSourceConfig:
			row = []string{c.Name, string(datasource.KindComposition), strconv.FormatInt(c.Version, 10),
				"", strings.Join(c.Members, ", "), ""}
		default:
			continue
		}
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to render %s: %w", c.GetName(), err)
		}
	}

	return table.Render()
}
