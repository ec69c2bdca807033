package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-analyst/internal/conversation"
	"github.com/basket/go-analyst/internal/persistence"
)

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "List stored sessions, or the turns of one session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(opts)
			if err != nil {
				return err
			}
			defer store.Close()
			if len(args) == 1 {
				return printTurns(cmd.Context(), store, args[0], cmd.OutOrStdout())
			}
			return printSessions(cmd.Context(), store, limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list")
	return cmd
}

type sessionLister interface {
	ListSessions(ctx context.Context, limit int) ([]persistence.Session, error)
}

type turnLoader interface {
	LoadTurns(ctx context.Context, sessionID string) ([]conversation.Turn, int, error)
}

func printSessions(ctx context.Context, store sessionLister, limit int, out io.Writer) error {
	sessions, err := store.ListSessions(ctx, limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return nil
	}
	for _, s := range sessions {
		fmt.Fprintf(out, "%s  turns=%d  epoch=%d  updated=%s\n",
			s.ID, s.Turns, s.Epoch, s.UpdatedAt.Local().Format(time.DateTime))
	}
	return nil
}

func printTurns(ctx context.Context, store turnLoader, sessionID string, out io.Writer) error {
	turns, epoch, err := store.LoadTurns(ctx, sessionID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "session %s (epoch %d)\n", sessionID, epoch)
	if len(turns) == 0 {
		fmt.Fprintln(out, "No turns yet.")
		return nil
	}
	for _, t := range turns {
		fmt.Fprintf(out, "#%d [epoch %d] %s → %s (%s)\n", t.Ordinal, t.Epoch, t.Request, t.Outcome, t.Status)
	}
	return nil
}
