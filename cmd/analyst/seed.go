package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/go-analyst/internal/warehouse"
)

func newSeedCmd(opts *globalOptions) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Write the demo customer warehouse",
		Long: `seed replaces the customers, products and holdings tables of the configured
warehouse (or --path) with a small deterministic demo dataset.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				cfg, err := loadConfig(opts)
				if err != nil {
					return err
				}
				path = cfg.Warehouse.DSN
			}
			if err := warehouse.SeedDemo(cmd.Context(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "demo warehouse written to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "warehouse file (default warehouse.dsn)")
	return cmd
}
