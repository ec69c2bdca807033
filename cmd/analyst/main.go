// Command analyst is a conversational data analyst: it answers questions
// about a SQL warehouse and compares customer cohorts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	home     string
	logLevel string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "analyst",
		Short: "Conversational analyst over a SQL warehouse",
		Long: `analyst turns questions into SQL against a warehouse and compares customer
cohorts against synthesized control groups.

Examples:
  # Load the demo warehouse
  analyst seed

  # One question
  analyst ask "how many customers do we have per country?"

  # Interactive session
  analyst repl

  # HTTP/WebSocket gateway with metrics and retention
  analyst serve`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.home, "home", "", "analyst home directory (default $ANALYST_HOME or ~/.analyst)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(opts),
		newAskCmd(opts),
		newReplCmd(opts),
		newSchemaCmd(opts),
		newStatusCmd(opts),
		newSeedCmd(opts),
		newDoctorCmd(opts),
		newPurgeCmd(opts),
		newHistoryCmd(opts),
	)
	return root
}
