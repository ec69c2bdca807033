package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/go-analyst/internal/coordinator"
	"github.com/basket/go-analyst/internal/tui"
)

type askOptions struct {
	session   string
	summarize bool
	asJSON    bool
	maxRows   int
}

func newAskCmd(opts *globalOptions) *cobra.Command {
	var ao askOptions
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer one question and exit",
		Long: `ask classifies the question, runs it against the warehouse and prints the
aggregated result. Pass --session to continue an earlier conversation.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts, true)
			if err != nil {
				return err
			}
			defer a.closeWithTimeout(shutdownTimeout)
			return runAsk(cmd.Context(), a.orch, strings.Join(args, " "), ao, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&ao.session, "session", "", "session ID to continue (default: new session)")
	cmd.Flags().BoolVar(&ao.summarize, "summarize", false, "append a narrative summary")
	cmd.Flags().BoolVar(&ao.asJSON, "json", false, "print the result as JSON")
	cmd.Flags().IntVar(&ao.maxRows, "rows", 10, "maximum table rows to print")
	return cmd
}

// asker is the part of the orchestrator a one-shot question needs.
type asker interface {
	Submit(ctx context.Context, text, sessionID string) (*coordinator.AggregatedResult, error)
	Summarize(ctx context.Context, res *coordinator.AggregatedResult) error
}

func runAsk(ctx context.Context, an asker, question string, ao askOptions, out, errOut io.Writer) error {
	res, err := an.Submit(ctx, question, ao.session)
	if err != nil {
		return err
	}
	if ao.summarize {
		if err := an.Summarize(ctx, res); err != nil {
			fmt.Fprintf(errOut, "summary unavailable: %v\n", err)
		}
	}
	if ao.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	st := tui.Styles{}
	if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		st = tui.TerminalStyles()
	}
	fmt.Fprintln(out, tui.FormatResult(res, st, ao.maxRows))
	fmt.Fprintf(errOut, "session %s\n", res.SessionID)
	if res.Status == coordinator.StatusFailed {
		return fmt.Errorf("task %s failed", res.TaskID)
	}
	return nil
}
