package tui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// RunLines is the line-oriented chat used when stdin or stdout is not a
// terminal: one request or slash command per line, results written as plain
// text. It returns at EOF, on /quit, or when ctx is done.
func RunLines(ctx context.Context, cc ChatConfig, in io.Reader, out io.Writer) error {
	if cc.Analyst == nil {
		return fmt.Errorf("chat: analyst not configured")
	}
	sessionID := cc.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	fmt.Fprintf(out, "session %s\n", sessionID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if handleCommand(ctx, line, &cc, sessionID, out) {
				return nil
			}
			continue
		}
		msg := submitCmd(ctx, cc, sessionID, line)().(resultMsg)
		if msg.err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(out, "Error: %s\n", humanError(msg.err))
			continue
		}
		fmt.Fprintln(out, FormatResult(msg.res, Styles{}, cc.maxRows()))
		if msg.summaryErr != nil {
			fmt.Fprintf(out, "Summary unavailable: %s\n", humanError(msg.summaryErr))
		}
	}
}
