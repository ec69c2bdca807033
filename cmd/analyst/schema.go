package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/basket/go-analyst/internal/warehouse"
)

func newSchemaCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema [table]",
		Short: "Describe the warehouse, or one table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			wh, err := warehouse.Open(cfg.Warehouse.DSN, cfg.Warehouse.MaxRows)
			if err != nil {
				return fmt.Errorf("open warehouse: %w", err)
			}
			defer wh.Close()
			table := ""
			if len(args) == 1 {
				table = args[0]
			}
			return printSchema(cmd.Context(), wh, table, cmd.OutOrStdout())
		},
	}
}

func printSchema(ctx context.Context, wh *warehouse.Warehouse, table string, out io.Writer) error {
	text, err := wh.GetDatabaseSchema(ctx, table)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, text)
	return nil
}
