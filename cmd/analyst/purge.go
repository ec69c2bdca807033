package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPurgeCmd(opts *globalOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete finished tasks and idle sessions past retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, cfg, err := openStore(opts)
			if err != nil {
				return err
			}
			defer store.Close()
			if !cmd.Flags().Changed("days") {
				days = cfg.Store.RetentionDays
			}
			if days <= 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "retention disabled (days <= 0); nothing purged")
				return nil
			}
			res, err := store.RunRetention(cmd.Context(), days)
			if err != nil {
				return fmt.Errorf("purge: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d task(s) and %d session(s) older than %d day(s)\n",
				res.PurgedTasks, res.PurgedSessions, days)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention window in days (default store.retention_days)")
	return cmd
}
