package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-analyst/internal/config"
	"github.com/basket/go-analyst/internal/doctor"
)

var errChecksFailed = errors.New("one or more checks failed")

func newDoctorCmd(opts *globalOptions) *cobra.Command {
	var asJSON, offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose config, credentials, store and warehouse",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfgp *config.Config
			cfg, err := loadConfig(opts)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error loading config: %v\n", err)
			} else {
				cfgp = &cfg
			}
			diag := doctor.Run(cmd.Context(), cfgp, Version, offline)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(diag); err != nil {
					return err
				}
			} else {
				printDiagnosis(cmd.OutOrStdout(), diag)
			}
			if diag.Failed() {
				return errChecksFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the provider reachability probe")
	return cmd
}

func printDiagnosis(out io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(out, "Analyst Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(out, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(out, "---")
	for _, res := range diag.Results {
		icon := "✅"
		switch res.Status {
		case "FAIL":
			icon = "❌"
		case "WARN":
			icon = "⚠️ "
		case "SKIP":
			icon = "⏩"
		}
		fmt.Fprintf(out, "%s %-12s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(out, "    %s\n", res.Detail)
		}
	}
}
