package coordinator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/basket/go-analyst/internal/bus"
	"github.com/basket/go-analyst/internal/capability"
)

func TestDetectCompletion(t *testing.T) {
	tests := []struct {
		text  string
		clean string
		done  bool
	}{
		{"Report body.\nTERMINATE", "Report body.", true},
		{"Report body. TERMINATE.", "Report body. .", true},
		{"TERMINATED early", "TERMINATED early", false},
		{"no marker here", "no marker here", false},
		{"", "", false},
	}
	for _, tc := range tests {
		clean, done := DetectCompletion(tc.text, "TERMINATE")
		if clean != tc.clean || done != tc.done {
			t.Errorf("DetectCompletion(%q) = %q, %v; want %q, %v", tc.text, clean, done, tc.clean, tc.done)
		}
	}
	if _, done := DetectCompletion("anything", ""); !done {
		t.Errorf("an empty marker treats every reply as complete")
	}
}

type scriptedNarrator struct {
	replies  []string
	err      error
	previous [][]string
}

func (n *scriptedNarrator) Narrate(_ context.Context, request string, previous []string) (string, error) {
	if n.err != nil {
		return "", n.err
	}
	n.previous = append(n.previous, append([]string(nil), previous...))
	i := len(n.previous) - 1
	if i >= len(n.replies) {
		return "still thinking", nil
	}
	return n.replies[i], nil
}

func summarizeFixture(t *testing.T, narrator Narrator, b *bus.Bus) (*Orchestrator, *AggregatedResult) {
	t.Helper()
	adapter := &capability.Adapter{SQL: sqlFunc(func(context.Context, capability.QueryInput) (capability.Output, error) {
		return sqlRows(t, 3), nil
	})}
	o, _ := newTestOrchestrator(t, KindDirectQuery, adapter, func(c *Config) {
		c.Narrator = narrator
		c.Bus = b
		c.Policy.StallTurnBudget = 3
	})
	res, err := o.Submit(context.Background(), "show me top customers", "s1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return o, res
}

func TestSummarize_StopsAtMarker(t *testing.T) {
	n := &scriptedNarrator{replies: []string{"Part one.", "Part two. TERMINATE"}}
	o, res := summarizeFixture(t, n, nil)

	if err := o.Summarize(context.Background(), res); err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if res.Summary != "Part one.\n\nPart two." {
		t.Fatalf("summary = %q", res.Summary)
	}
	if len(n.previous) != 2 || len(n.previous[1]) != 1 {
		t.Fatalf("narrator turns = %v", n.previous)
	}
	if res.HasError(KindStallDetected) {
		t.Fatalf("unexpected stall")
	}
}

func TestSummarize_StallAfterBudget(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicConversationStall)
	defer b.Unsubscribe(sub)
	n := &scriptedNarrator{}
	o, res := summarizeFixture(t, n, b)

	if err := o.Summarize(context.Background(), res); err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(n.previous) != 3 {
		t.Fatalf("narrator called %d times, want the budget of 3", len(n.previous))
	}
	if !res.HasError(KindStallDetected) {
		t.Fatalf("stall not attached: %v", res.Errors)
	}
	if !strings.Contains(res.Summary, "still thinking") {
		t.Fatalf("partial summary dropped: %q", res.Summary)
	}
	select {
	case ev := <-sub.Ch():
		if ev.Payload.(bus.StallEvent).Turns != 3 {
			t.Fatalf("stall event = %+v", ev.Payload)
		}
	default:
		t.Fatal("no stall event published")
	}
}

func TestSummarize_NarratorError(t *testing.T) {
	boom := errors.New("provider down")
	o, res := summarizeFixture(t, &scriptedNarrator{err: boom}, nil)
	if err := o.Summarize(context.Background(), res); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestSummarize_NoNarrator(t *testing.T) {
	o, res := summarizeFixture(t, nil, nil)
	if err := o.Summarize(context.Background(), res); !errors.Is(err, ErrNoNarrator) {
		t.Fatalf("err = %v", err)
	}
}
