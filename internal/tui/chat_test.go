package tui

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/basket/go-analyst/internal/conversation"
	"github.com/basket/go-analyst/internal/coordinator"
)

type fakeAnalyst struct {
	mu         sync.Mutex
	submitted  []string
	result     *coordinator.AggregatedResult
	submitErr  error
	summaryErr error
	turns      []conversation.Turn
	epoch      int
	summaries  int
}

func (f *fakeAnalyst) Submit(_ context.Context, text, sessionID string) (*coordinator.AggregatedResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, sessionID+":"+text)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &coordinator.AggregatedResult{TaskID: "t1", SessionID: sessionID, Kind: coordinator.KindDirectQuery, Status: coordinator.StatusCompleted}, nil
}

func (f *fakeAnalyst) Summarize(_ context.Context, res *coordinator.AggregatedResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries++
	if f.summaryErr != nil {
		return f.summaryErr
	}
	res.Summary = "Young customers order less."
	return nil
}

func (f *fakeAnalyst) History(context.Context, string) ([]conversation.Turn, error) {
	return f.turns, nil
}

func (f *fakeAnalyst) Clear(context.Context, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.epoch++
	return f.epoch, nil
}

func (f *fakeAnalyst) Status() coordinator.StatusReport {
	return coordinator.StatusReport{
		Sessions: []string{"s1", "s2"},
		Tasks:    map[coordinator.Status]int{coordinator.StatusCompleted: 3, coordinator.StatusFailed: 1},
		Active:   1,
	}
}

type fakeSchema struct{}

func (fakeSchema) GetDatabaseSchema(_ context.Context, table string) (string, error) {
	if table == "" {
		return "customers(id, age)\norders(id, customer_id, total)", nil
	}
	if table == "customers" {
		return "customers(id INTEGER, age INTEGER)", nil
	}
	return "", fmt.Errorf("warehouse: no such table: %s", table)
}

func TestHandleCommand(t *testing.T) {
	fa := &fakeAnalyst{turns: []conversation.Turn{
		{Ordinal: 1, Epoch: 0, Request: "how many customers?", Outcome: "1 rows", Status: "completed"},
	}}
	tests := []struct {
		line     string
		want     []string
		wantExit bool
	}{
		{line: "/help", want: []string{"Commands:", "/schema", "/summary"}},
		{line: "/session", want: []string{"Session: sess-1"}},
		{line: "/history", want: []string{"#1 [epoch 0] how many customers?", "completed"}},
		{line: "/clear", want: []string{"Context cleared (epoch 1)"}},
		{line: "/schema", want: []string{"orders(id, customer_id, total)"}},
		{line: "/schema customers", want: []string{"age INTEGER"}},
		{line: "/schema nope", want: []string{"Error: No such table: nope"}},
		{line: "/status", want: []string{"Sessions: 2  Active tasks: 1", "completed", "failed"}},
		{line: "/summary maybe", want: []string{"Usage"}},
		{line: "/bogus", want: []string{"Unknown command /bogus"}},
		{line: "/quit", wantExit: true},
		{line: "/EXIT", wantExit: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			var buf bytes.Buffer
			cc := ChatConfig{Analyst: fa, Schema: fakeSchema{}}
			exit := handleCommand(context.Background(), tt.line, &cc, "sess-1", &buf)
			if exit != tt.wantExit {
				t.Fatalf("exit = %v, want %v", exit, tt.wantExit)
			}
			for _, w := range tt.want {
				if !strings.Contains(buf.String(), w) {
					t.Fatalf("output %q missing %q", buf.String(), w)
				}
			}
		})
	}
}

func TestHandleCommand_SummaryToggle(t *testing.T) {
	cc := ChatConfig{Analyst: &fakeAnalyst{}}
	var buf bytes.Buffer
	handleCommand(context.Background(), "/summary on", &cc, "s", &buf)
	if !cc.Summarize {
		t.Fatal("expected summaries on")
	}
	handleCommand(context.Background(), "/summary off", &cc, "s", &buf)
	if cc.Summarize {
		t.Fatal("expected summaries off")
	}
	if !strings.Contains(buf.String(), "Summaries: off") {
		t.Fatalf("output %q", buf.String())
	}
}

func TestHandleCommand_SchemaWithoutWarehouse(t *testing.T) {
	var buf bytes.Buffer
	cc := ChatConfig{Analyst: &fakeAnalyst{}}
	handleCommand(context.Background(), "/schema", &cc, "s", &buf)
	if !strings.Contains(buf.String(), "No warehouse configured") {
		t.Fatalf("output %q", buf.String())
	}
}

func TestHumanError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{context.DeadlineExceeded, "Timed out waiting for the analyst"},
		{fmt.Errorf("submit: %w", context.Canceled), "Cancelled"},
		{fmt.Errorf("coordinator: %w", coordinator.ErrEmptyRequest), "Nothing to ask"},
		{errors.New("coordinator: warehouse: no such table: orders"), "No such table: orders"},
		{errors.New("connection refused"), "Connection refused"},
		{errors.New(""), "Unknown error"},
	}
	for _, tt := range tests {
		if got := humanError(tt.err); got != tt.want {
			t.Errorf("humanError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestChatConfigDefaults(t *testing.T) {
	var cc ChatConfig
	if cc.maxRows() != 10 {
		t.Fatalf("maxRows = %d", cc.maxRows())
	}
	if cc.logger() == nil {
		t.Fatal("nil logger")
	}
	if err := RunChat(context.Background(), ChatConfig{}); err == nil {
		t.Fatal("expected error without an analyst")
	}
}
