package main

import (
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/go-analyst/internal/telemetry"
	"github.com/basket/go-analyst/internal/tui"
)

func newReplCmd(opts *globalOptions) *cobra.Command {
	var (
		session   string
		summarize bool
		timeout   time.Duration
		lines     bool
	)
	cmd := &cobra.Command{
		Use:     "repl",
		Aliases: []string{"chat"},
		Short:   "Start an interactive analyst session",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), opts, true)
			if err != nil {
				return err
			}
			defer a.closeWithTimeout(shutdownTimeout)

			cc := tui.ChatConfig{
				Analyst:        a.orch,
				Schema:         a.warehouse,
				Bus:            a.bus,
				Logger:         telemetry.Component(a.logger, "chat"),
				SessionID:      session,
				Summarize:      summarize,
				MaxRows:        10,
				ModelName:      modelName(a.model),
				RequestTimeout: timeout,
			}
			interactive := isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd())
			if lines || !interactive || os.Getenv("ANALYST_NO_TUI") != "" {
				return tui.RunLines(cmd.Context(), cc, cmd.InOrStdin(), cmd.OutOrStdout())
			}
			return tui.RunChat(cmd.Context(), cc)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session ID to resume")
	cmd.Flags().BoolVar(&summarize, "summarize", false, "append a narrative summary to every result")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "bound on a single request (0 = none)")
	cmd.Flags().BoolVar(&lines, "lines", false, "plain line mode even on a terminal")
	return cmd
}
