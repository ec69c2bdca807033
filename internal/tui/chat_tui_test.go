package tui

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/go-analyst/internal/bus"
	"github.com/basket/go-analyst/internal/coordinator"
)

func TestDeleteWordLeft(t *testing.T) {
	tests := []struct {
		in         string
		cursor     int
		want       string
		wantCursor int
	}{
		{"hello   world", 13, "hello   ", 8},
		{"abc   ", 6, "", 0},
		{"one two", 3, " two", 0},
		{"", 0, "", 0},
	}
	for _, tt := range tests {
		out, cur := deleteWordLeft([]rune(tt.in), tt.cursor)
		if string(out) != tt.want || cur != tt.wantCursor {
			t.Errorf("deleteWordLeft(%q, %d) = %q, %d; want %q, %d", tt.in, tt.cursor, string(out), cur, tt.want, tt.wantCursor)
		}
	}
}

func TestRuneEditing(t *testing.T) {
	in, cur := insertRunes([]rune("ac"), 1, []rune("b"))
	if string(in) != "abc" || cur != 2 {
		t.Fatalf("insert: %q %d", string(in), cur)
	}
	in, cur = deleteRuneLeft(in, cur)
	if string(in) != "ac" || cur != 1 {
		t.Fatalf("delete left: %q %d", string(in), cur)
	}
	in, cur = deleteRuneRight(in, cur)
	if string(in) != "a" || cur != 1 {
		t.Fatalf("delete right: %q %d", string(in), cur)
	}
	in, cur = deleteRuneRight(in, 5)
	if string(in) != "a" || cur != 1 {
		t.Fatalf("delete right past end: %q %d", string(in), cur)
	}
	if got := renderCursor("ab", 1); got != "a█" {
		t.Fatalf("renderCursor = %q", got)
	}
}

func newTestModel(fa *fakeAnalyst) chatModel {
	return newChatModel(context.Background(), ChatConfig{Analyst: fa, Schema: fakeSchema{}}, "sess-1", "test")
}

func typeLine(t *testing.T, m chatModel, line string) (chatModel, tea.Cmd) {
	t.Helper()
	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(line)})
	m = updated.(chatModel)
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return updated.(chatModel), cmd
}

func lastEntry(m chatModel) chatEntry {
	return m.history[len(m.history)-1]
}

func TestChatModel_SubmitAndRender(t *testing.T) {
	fa := &fakeAnalyst{}
	m := newTestModel(fa)

	m, cmd := typeLine(t, m, "how many customers?")
	if !m.thinking || cmd == nil {
		t.Fatalf("expected an in-flight request, thinking=%v", m.thinking)
	}
	if e := lastEntry(m); e.role != chatRoleUser || e.text != "how many customers?" {
		t.Fatalf("last entry = %+v", e)
	}

	// Enter is ignored while a request runs.
	m2, cmd2 := typeLine(t, m, "again")
	if cmd2 != nil || len(m2.history) != len(m.history) {
		t.Fatal("second submit should be blocked")
	}

	msg := submitCmd(context.Background(), m.cc, m.sessionID, "how many customers?")()
	updated, _ := m.Update(msg)
	m = updated.(chatModel)
	if m.thinking {
		t.Fatal("still thinking after result")
	}
	e := lastEntry(m)
	if e.role != chatRoleAnalyst || !strings.Contains(e.text, "direct_query · completed") {
		t.Fatalf("result entry = %+v", e)
	}
	if len(fa.submitted) != 1 || fa.submitted[0] != "sess-1:how many customers?" {
		t.Fatalf("submitted = %v", fa.submitted)
	}
}

func TestSubmitCmd_Summary(t *testing.T) {
	fa := &fakeAnalyst{}
	cc := ChatConfig{Analyst: fa, Summarize: true}
	msg := submitCmd(context.Background(), cc, "s", "q")().(resultMsg)
	if msg.err != nil || msg.res.Summary == "" || fa.summaries != 1 {
		t.Fatalf("msg = %+v, summaries = %d", msg, fa.summaries)
	}

	fa.summaryErr = errors.New("narrator: stall detected")
	m := newChatModel(context.Background(), cc, "s", "test")
	updated, _ := m.Update(submitCmd(context.Background(), cc, "s", "q")())
	m = updated.(chatModel)
	if e := lastEntry(m); !strings.Contains(e.text, "Summary unavailable: Narrator: stall detected") {
		t.Fatalf("last entry = %+v", e)
	}
}

func TestChatModel_SubmitError(t *testing.T) {
	fa := &fakeAnalyst{submitErr: coordinator.ErrClosed}
	m := newTestModel(fa)
	updated, _ := m.Update(submitCmd(context.Background(), m.cc, m.sessionID, "q")())
	m = updated.(chatModel)
	if e := lastEntry(m); e.role != chatRoleSystem || e.text != "Error: The analyst is shutting down" {
		t.Fatalf("last entry = %+v", e)
	}
}

func TestChatModel_SlashCommands(t *testing.T) {
	fa := &fakeAnalyst{}
	m := newTestModel(fa)

	m, cmd := typeLine(t, m, "/session")
	if cmd != nil || m.thinking {
		t.Fatal("slash commands run inline")
	}
	if e := lastEntry(m); !strings.Contains(e.text, "Session: sess-1") {
		t.Fatalf("last entry = %+v", e)
	}

	m, _ = typeLine(t, m, "/summary on")
	if !m.cc.Summarize {
		t.Fatal("summary toggle not kept on the model")
	}

	_, cmd = typeLine(t, m, "/quit")
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("expected tea.QuitMsg")
	}
}

func TestChatModel_HistoryNavigation(t *testing.T) {
	m := newTestModel(&fakeAnalyst{})
	m, _ = typeLine(t, m, "/session")
	m, _ = typeLine(t, m, "/status")

	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("draft")})
	m = updated.(chatModel)
	m = m.historyPrev()
	if string(m.input) != "/status" {
		t.Fatalf("prev = %q", string(m.input))
	}
	m = m.historyPrev()
	if string(m.input) != "/session" {
		t.Fatalf("prev again = %q", string(m.input))
	}
	m = m.historyNext()
	m = m.historyNext()
	if string(m.input) != "draft" {
		t.Fatalf("draft not restored: %q", string(m.input))
	}
}

func TestChatModel_ActivityFollowsSession(t *testing.T) {
	m := newTestModel(&fakeAnalyst{})
	mine := bus.Event{Topic: bus.TopicCallDispatched, Payload: bus.CallEvent{TaskID: "t1", SessionID: "sess-1", Role: "target", Capability: "execute_sql_query", Attempt: 1}}
	other := bus.Event{Topic: bus.TopicCallDispatched, Payload: bus.CallEvent{TaskID: "t2", SessionID: "sess-2", Role: "target", Capability: "execute_sql_query", Attempt: 1}}

	updated, _ := m.Update(busEventMsg{event: other})
	m = updated.(chatModel)
	if m.activity.Len() != 0 {
		t.Fatal("foreign session event was shown")
	}
	updated, _ = m.Update(busEventMsg{event: mine})
	m = updated.(chatModel)
	if m.activity.Len() != 1 {
		t.Fatalf("activity len = %d", m.activity.Len())
	}
	if !strings.Contains(m.View(), "execute_sql_query [target] attempt 1") {
		t.Fatalf("view missing activity:\n%s", m.View())
	}
}

func TestChatModel_ViewWraps(t *testing.T) {
	m := newTestModel(&fakeAnalyst{})
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 20, Height: 40})
	m = updated.(chatModel)
	m.history = append(m.history, chatEntry{role: chatRoleUser, text: strings.Repeat("x", 40)})
	lines := m.renderHistoryLines()
	if len(lines) < 3 {
		t.Fatalf("expected wrapped lines, got %q", lines)
	}
	for _, l := range lines {
		if len([]rune(l)) > 20 {
			t.Fatalf("line too wide: %q", l)
		}
	}
}
