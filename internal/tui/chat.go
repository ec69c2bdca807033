package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-analyst/internal/bus"
	"github.com/basket/go-analyst/internal/capability"
	"github.com/basket/go-analyst/internal/conversation"
	"github.com/basket/go-analyst/internal/coordinator"
)

// Analyst is the orchestrator surface the chat drives.
type Analyst interface {
	Submit(ctx context.Context, text, sessionID string) (*coordinator.AggregatedResult, error)
	Summarize(ctx context.Context, res *coordinator.AggregatedResult) error
	History(ctx context.Context, sessionID string) ([]conversation.Turn, error)
	Clear(ctx context.Context, sessionID string) (int, error)
	Status() coordinator.StatusReport
}

type ChatConfig struct {
	Analyst Analyst
	Schema  capability.SchemaInspector // nil disables /schema
	Bus     *bus.Bus                   // nil disables the activity feed
	Logger  *slog.Logger

	// SessionID resumes an existing session; empty starts a new one.
	SessionID string
	// Summarize asks for a narrative summary after every result.
	Summarize bool
	// MaxRows bounds printed tables.
	MaxRows int
	// ModelName is shown in the header.
	ModelName string
	// RequestTimeout bounds a single submission. Zero means no bound.
	RequestTimeout time.Duration
}

func (cc ChatConfig) maxRows() int {
	if cc.MaxRows > 0 {
		return cc.MaxRows
	}
	return 10
}

func (cc ChatConfig) logger() *slog.Logger {
	if cc.Logger != nil {
		return cc.Logger
	}
	return slog.Default()
}

// RunChat runs an interactive analyst session on stdin/stdout.
// It blocks until the user types /quit, presses ctrl+d, or ctx is done.
func RunChat(ctx context.Context, cc ChatConfig) error {
	if cc.Analyst == nil {
		return fmt.Errorf("chat: analyst not configured")
	}
	sessionID := cc.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	model := cc.ModelName
	if model == "" {
		model = "analyst"
	}

	ctx, cancel := context.WithCancel(ctx)
	m := newChatModel(ctx, cc, sessionID, model)
	if cc.Bus != nil {
		m.sub = cc.Bus.Subscribe("call.")
		defer cc.Bus.Unsubscribe(m.sub)
	}
	return runChatTUI(ctx, m, cancel)
}

// handleCommand runs one slash command, writing its output to out. It
// reports whether the chat should exit.
func handleCommand(ctx context.Context, line string, cc *ChatConfig, sessionID string, out io.Writer) bool {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToLower(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}

	switch cmd {
	case "/quit", "/exit":
		return true

	case "/help":
		fmt.Fprintln(out, "Commands:")
		fmt.Fprintln(out, "  /help                 Show this help message")
		fmt.Fprintln(out, "  /history              Show the turns of this session")
		fmt.Fprintln(out, "  /clear                Start a fresh context for this session")
		fmt.Fprintln(out, "  /schema [table]       Describe the warehouse or one table")
		fmt.Fprintln(out, "  /status               Show orchestrator status and policy")
		fmt.Fprintln(out, "  /summary on|off       Toggle narrative summaries")
		fmt.Fprintln(out, "  /session              Show the current session ID")
		fmt.Fprintln(out, "  /quit                 Exit")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Anything else is sent to the analyst, e.g.")
		fmt.Fprintln(out, "  how many customers signed up last month?")
		fmt.Fprintln(out, "  compare customers under 25 with the rest on average order value")

	case "/session":
		fmt.Fprintf(out, "Session: %s\n", sessionID)

	case "/history":
		turns, err := cc.Analyst.History(ctx, sessionID)
		if err != nil {
			fmt.Fprintf(out, "Error: %s\n", humanError(err))
			return false
		}
		if len(turns) == 0 {
			fmt.Fprintln(out, "No turns yet.")
			return false
		}
		for _, t := range turns {
			fmt.Fprintf(out, "#%d [epoch %d] %s → %s (%s)\n", t.Ordinal, t.Epoch, t.Request, t.Outcome, t.Status)
		}

	case "/clear":
		epoch, err := cc.Analyst.Clear(ctx, sessionID)
		if err != nil {
			fmt.Fprintf(out, "Error: %s\n", humanError(err))
			return false
		}
		fmt.Fprintf(out, "Context cleared (epoch %d). Earlier turns stay in /history.\n", epoch)

	case "/schema":
		if cc.Schema == nil {
			fmt.Fprintln(out, "No warehouse configured.")
			return false
		}
		text, err := cc.Schema.GetDatabaseSchema(ctx, arg)
		if err != nil {
			fmt.Fprintf(out, "Error: %s\n", humanError(err))
			return false
		}
		fmt.Fprintln(out, text)

	case "/status":
		writeStatus(out, cc.Analyst.Status())

	case "/summary":
		switch strings.ToLower(arg) {
		case "on":
			cc.Summarize = true
		case "off":
			cc.Summarize = false
		case "":
		default:
			fmt.Fprintln(out, "Usage: /summary on|off")
			return false
		}
		fmt.Fprintf(out, "Summaries: %s\n", onOff(cc.Summarize))

	default:
		fmt.Fprintf(out, "Unknown command %s. Type /help for commands.\n", cmd)
	}
	return false
}

func writeStatus(out io.Writer, rep coordinator.StatusReport) {
	fmt.Fprintf(out, "Sessions: %d  Active tasks: %d\n", len(rep.Sessions), rep.Active)
	statuses := make([]string, 0, len(rep.Tasks))
	for s := range rep.Tasks {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(out, "  %-24s %d\n", s, rep.Tasks[coordinator.Status(s)])
	}
	if policy, err := json.Marshal(rep.Policy); err == nil {
		fmt.Fprintf(out, "Policy: %s\n", policy)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
