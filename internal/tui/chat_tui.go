package tui

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/go-analyst/internal/bus"
	"github.com/basket/go-analyst/internal/coordinator"
	"github.com/basket/go-analyst/internal/shared"
)

type chatRole string

const (
	chatRoleUser    chatRole = "user"
	chatRoleAnalyst chatRole = "analyst"
	chatRoleSystem  chatRole = "system"
)

type chatEntry struct {
	role chatRole
	text string
}

type resultMsg struct {
	res        *coordinator.AggregatedResult
	summaryErr error
	err        error
}

type ctxDoneMsg struct{}

type spinnerTickMsg struct{}

// activityTickMsg ages finished items out of the activity feed.
type activityTickMsg struct{}

type busEventMsg struct {
	event bus.Event
}

type chatModel struct {
	ctx context.Context
	cc  ChatConfig

	sessionID string
	modelName string
	styles    Styles

	width  int
	height int

	history    []chatEntry
	thinking   bool
	spinnerIdx int

	input  []rune
	cursor int // rune index within input

	// Input history navigation (Up/Down).
	inputHistory []string
	histIdx      int    // 0..len(inputHistory); len = editing new line
	histSaved    string // current draft before entering history

	activity *ActivityFeed
	sub      *bus.Subscription
}

func newChatModel(ctx context.Context, cc ChatConfig, sessionID, modelName string) chatModel {
	m := chatModel{
		ctx:       ctx,
		cc:        cc,
		sessionID: sessionID,
		modelName: modelName,
		styles:    TerminalStyles(),
		activity:  NewActivityFeed(),
	}
	m.history = append(m.history, chatEntry{
		role: chatRoleSystem,
		text: fmt.Sprintf("Session %s. Type /help for commands.", sessionID),
	})
	return m
}

func runChatTUI(ctx context.Context, m chatModel, cancel context.CancelFunc) error {
	// The renderer restores the terminal on a clean exit only.
	defer bestEffortResetTTY()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithInput(os.Stdin), tea.WithOutput(os.Stdout))
	_, err := p.Run()
	if cancel != nil {
		cancel()
	}
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m chatModel) Init() tea.Cmd {
	cmds := []tea.Cmd{waitCtxDone(m.ctx), activityTickCmd()}
	if m.sub != nil {
		cmds = append(cmds, waitForBusEvent(m.sub))
	}
	return tea.Batch(cmds...)
}

func activityTickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(time.Time) tea.Msg { return activityTickMsg{} })
}

func waitCtxDone(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return ctxDoneMsg{}
	}
}

// waitForBusEvent blocks until an event arrives on the subscription channel.
func waitForBusEvent(sub *bus.Subscription) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub.Ch()
		if !ok {
			return nil
		}
		return busEventMsg{event: ev}
	}
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ctxDoneMsg:
		return m, tea.Quit

	case busEventMsg:
		if msg.event.SessionID() == m.sessionID {
			m.activity.Observe(msg.event)
		}
		var cmd tea.Cmd
		if m.sub != nil {
			cmd = waitForBusEvent(m.sub)
		}
		return m, cmd

	case activityTickMsg:
		m.activity.CleanupOld(30 * time.Second)
		return m, activityTickCmd()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "ctrl+d":
			return m, tea.Quit

		case "enter", "ctrl+m", "ctrl+j":
			if m.thinking {
				return m, nil
			}
			line := strings.TrimSpace(string(m.input))
			m.input = nil
			m.cursor = 0
			m.histIdx = len(m.inputHistory)
			m.histSaved = ""
			if line == "" {
				return m, nil
			}

			m.inputHistory = append(m.inputHistory, line)
			m.histIdx = len(m.inputHistory)

			if strings.HasPrefix(line, "/") {
				var buf bytes.Buffer
				shouldExit := handleCommand(m.ctx, line, &m.cc, m.sessionID, &buf)
				if out := strings.TrimSpace(buf.String()); out != "" {
					m.history = append(m.history, chatEntry{role: chatRoleSystem, text: out})
				}
				if shouldExit {
					return m, tea.Quit
				}
				return m, nil
			}

			m.history = append(m.history, chatEntry{role: chatRoleUser, text: line})
			m.thinking = true
			return m, tea.Batch(submitCmd(m.ctx, m.cc, m.sessionID, line), waitForSpinner())

		case "up", "ctrl+p":
			m = m.historyPrev()
			return m, nil
		case "down", "ctrl+n":
			m = m.historyNext()
			return m, nil

		case "ctrl+o":
			m.activity.Toggle()
			return m, nil

		case "backspace":
			m.input, m.cursor = deleteRuneLeft(m.input, m.cursor)
			return m, nil
		case "delete":
			m.input, m.cursor = deleteRuneRight(m.input, m.cursor)
			return m, nil
		case " ":
			// Some terminals report space as KeySpace (not KeyRunes).
			m.input, m.cursor = insertRunes(m.input, m.cursor, []rune{' '})
			return m, nil

		case "left", "ctrl+b":
			if m.cursor > 0 {
				m.cursor--
			}
			return m, nil
		case "right", "ctrl+f":
			if m.cursor < len(m.input) {
				m.cursor++
			}
			return m, nil
		case "home", "ctrl+a":
			m.cursor = 0
			return m, nil
		case "end", "ctrl+e":
			m.cursor = len(m.input)
			return m, nil
		case "ctrl+k":
			if m.cursor < len(m.input) {
				m.input = append([]rune(nil), m.input[:m.cursor]...)
			}
			return m, nil
		case "ctrl+u":
			m.input = nil
			m.cursor = 0
			return m, nil
		case "ctrl+w", "alt+backspace":
			m.input, m.cursor = deleteWordLeft(m.input, m.cursor)
			return m, nil
		}

		// Typing stays enabled while a request runs; Enter is blocked above.
		if msg.Type == tea.KeyRunes && len(msg.Runes) > 0 {
			filtered := make([]rune, 0, len(msg.Runes))
			for _, r := range msg.Runes {
				if r == '\t' || r >= 0x20 {
					filtered = append(filtered, r)
				}
			}
			if len(filtered) > 0 {
				m.input, m.cursor = insertRunes(m.input, m.cursor, filtered)
			}
			return m, nil
		}

	case resultMsg:
		m.thinking = false
		if msg.err != nil {
			if m.ctx.Err() != nil {
				return m, tea.Quit
			}
			m.history = append(m.history, chatEntry{role: chatRoleSystem, text: "Error: " + humanError(msg.err)})
			return m, nil
		}
		m.history = append(m.history, chatEntry{role: chatRoleAnalyst, text: FormatResult(msg.res, m.styles, m.cc.maxRows())})
		if msg.summaryErr != nil {
			m.history = append(m.history, chatEntry{role: chatRoleSystem, text: "Summary unavailable: " + humanError(msg.summaryErr)})
		}
		return m, nil

	case spinnerTickMsg:
		if m.thinking {
			m.spinnerIdx++
			return m, waitForSpinner()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	}

	return m, nil
}

func submitCmd(ctx context.Context, cc ChatConfig, sessionID, text string) tea.Cmd {
	return func() tea.Msg {
		traceID := shared.NewTraceID()
		ctx := shared.WithTraceID(ctx, traceID)
		if cc.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cc.RequestTimeout)
			defer cancel()
		}
		logger := cc.logger().With("session_id", sessionID, "trace_id", traceID)
		logger.Debug("tui: submit")
		res, err := cc.Analyst.Submit(ctx, text, sessionID)
		if err != nil {
			logger.Warn("tui: submit failed", "error", err)
			return resultMsg{err: err}
		}
		out := resultMsg{res: res}
		if cc.Summarize {
			out.summaryErr = cc.Analyst.Summarize(ctx, res)
		}
		return out
	}
}

func (m chatModel) View() string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("analyst") + m.styles.Dim.Render(" · "+m.modelName) + "\n")
	b.WriteString("Ask a question. /help for commands, Ctrl+D or /quit to exit.\n")
	b.WriteString("\n")

	hLines := m.renderHistoryLines()
	activity := m.activity.View()
	available := m.height - 6 - strings.Count(activity, "\n")
	if available < 3 {
		available = 3
	}
	if len(hLines) > available {
		hLines = hLines[len(hLines)-available:]
	}
	for _, l := range hLines {
		b.WriteString(l)
		b.WriteString("\n")
	}

	b.WriteString(activity)
	b.WriteString("\n> ")
	b.WriteString(renderCursor(string(m.input), m.cursor))
	b.WriteString("\n")
	if m.thinking {
		spin := []string{"|", "/", "-", "\\"}[m.spinnerIdx%4]
		b.WriteString(fmt.Sprintf("%s analysing...\n", spin))
	} else {
		b.WriteString("\n")
	}
	summaries := "summaries " + onOff(m.cc.Summarize)
	b.WriteString(m.styles.Dim.Render(fmt.Sprintf("[session %s · %s]", shortID(m.sessionID), summaries)))
	b.WriteString("\n")
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func renderCursor(s string, cursor int) string {
	r := []rune(s)
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(r) {
		return s + "█"
	}
	return string(r[:cursor]) + "█" + string(r[cursor+1:])
}

func (m chatModel) renderHistoryLines() []string {
	lines := make([]string, 0, len(m.history)*2)
	for _, e := range m.history {
		prefix := ""
		switch e.role {
		case chatRoleUser:
			prefix = "You: "
		case chatRoleAnalyst:
			prefix = "  "
		}
		lines = append(lines, m.wrapWithPrefix(e.text, prefix)...)
	}
	return lines
}

func (m chatModel) wrapWithPrefix(text, prefix string) []string {
	if m.width <= 0 {
		return appendPrefixToLines(text, prefix)
	}

	availableWidth := m.width - len(prefix)
	if availableWidth < 10 {
		availableWidth = 10
	}

	var result []string
	for _, line := range strings.Split(text, "\n") {
		r := []rune(line)
		for len(r) > availableWidth {
			result = append(result, prefix+string(r[:availableWidth]))
			r = r[availableWidth:]
		}
		result = append(result, prefix+string(r))
	}
	return result
}

func appendPrefixToLines(text, prefix string) []string {
	var result []string
	for _, line := range strings.Split(text, "\n") {
		result = append(result, prefix+line)
	}
	return result
}

func (m chatModel) historyPrev() chatModel {
	if len(m.inputHistory) == 0 {
		return m
	}
	if m.histIdx == len(m.inputHistory) {
		m.histSaved = string(m.input)
	}
	if m.histIdx > 0 {
		m.histIdx--
		m.input = []rune(m.inputHistory[m.histIdx])
		m.cursor = len(m.input)
	}
	return m
}

func (m chatModel) historyNext() chatModel {
	if len(m.inputHistory) == 0 {
		return m
	}
	if m.histIdx < len(m.inputHistory)-1 {
		m.histIdx++
		m.input = []rune(m.inputHistory[m.histIdx])
		m.cursor = len(m.input)
		return m
	}
	if m.histIdx == len(m.inputHistory)-1 {
		m.histIdx = len(m.inputHistory)
		m.input = []rune(m.histSaved)
		m.cursor = len(m.input)
	}
	return m
}

func insertRunes(in []rune, cursor int, r []rune) ([]rune, int) {
	cursor = clampCursor(in, cursor)
	out := make([]rune, 0, len(in)+len(r))
	out = append(out, in[:cursor]...)
	out = append(out, r...)
	out = append(out, in[cursor:]...)
	return out, cursor + len(r)
}

func deleteRuneLeft(in []rune, cursor int) ([]rune, int) {
	if cursor <= 0 || len(in) == 0 {
		return in, 0
	}
	cursor = clampCursor(in, cursor)
	out := append([]rune(nil), in[:cursor-1]...)
	out = append(out, in[cursor:]...)
	return out, cursor - 1
}

func deleteRuneRight(in []rune, cursor int) ([]rune, int) {
	cursor = clampCursor(in, cursor)
	if cursor == len(in) {
		return in, cursor
	}
	out := append([]rune(nil), in[:cursor]...)
	out = append(out, in[cursor+1:]...)
	return out, cursor
}

func deleteWordLeft(in []rune, cursor int) ([]rune, int) {
	if len(in) == 0 || cursor <= 0 {
		return in, 0
	}
	cursor = clampCursor(in, cursor)

	i := cursor
	for i > 0 && isSpace(in[i-1]) {
		i--
	}
	for i > 0 && !isSpace(in[i-1]) {
		i--
	}

	out := append([]rune(nil), in[:i]...)
	out = append(out, in[cursor:]...)
	return out, i
}

func clampCursor(in []rune, cursor int) int {
	if cursor < 0 {
		return 0
	}
	if cursor > len(in) {
		return len(in)
	}
	return cursor
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

func waitForSpinner() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(time.Time) tea.Msg {
		return spinnerTickMsg{}
	})
}
