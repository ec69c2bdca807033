package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-analyst/internal/bus"
)

// ActivityItem is one capability attempt shown under the transcript.
type ActivityItem struct {
	ID        string
	Icon      string
	Message   string
	Detail    string
	StartedAt time.Time
	DoneAt    *time.Time
}

// ActivityFeed keeps the most recent capability attempts of a session.
type ActivityFeed struct {
	mu        sync.Mutex
	items     []ActivityItem
	collapsed bool
	maxItems  int
	now       func() time.Time
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: 10, collapsed: true, now: time.Now}
}

func (f *ActivityFeed) Add(item ActivityItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
	f.collapsed = false
}

// Complete marks the item done. Unknown ids are ignored.
func (f *ActivityFeed) Complete(id, icon, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	for i := range f.items {
		if f.items[i].ID == id {
			f.items[i].Icon = icon
			f.items[i].DoneAt = &now
			f.items[i].Detail = detail
			return
		}
	}
}

func attemptID(ev bus.CallEvent) string {
	return fmt.Sprintf("%s/%s/%d", ev.TaskID, ev.Role, ev.Attempt)
}

// Observe folds a call event into the feed. Other events are ignored.
func (f *ActivityFeed) Observe(ev bus.Event) {
	call, ok := ev.Payload.(bus.CallEvent)
	if !ok {
		return
	}
	switch ev.Topic {
	case bus.TopicCallDispatched:
		f.Add(ActivityItem{
			ID:        attemptID(call),
			Icon:      "…",
			Message:   fmt.Sprintf("%s [%s] attempt %d", call.Capability, call.Role, call.Attempt),
			StartedAt: f.now(),
		})
	case bus.TopicCallCompleted:
		icon := "✓"
		switch call.Outcome {
		case "fatal":
			icon = "✗"
		case "advisory":
			icon = "!"
		}
		f.Complete(attemptID(call), icon, call.Reason)
	case bus.TopicCallRetrying:
		f.Add(ActivityItem{
			ID:        attemptID(call) + "/retry",
			Icon:      "↻",
			Message:   fmt.Sprintf("regenerating %s call after %s", call.Role, call.Reason),
			StartedAt: f.now(),
			DoneAt:    ptrTime(f.now()),
		})
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

func (f *ActivityFeed) Toggle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collapsed = !f.collapsed
}

func (f *ActivityFeed) HasActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items {
		if it.DoneAt == nil {
			return true
		}
	}
	return false
}

func (f *ActivityFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// CleanupOld drops finished items older than maxAge and reports how many.
func (f *ActivityFeed) CleanupOld(maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	kept := f.items[:0]
	removed := 0
	for _, it := range f.items {
		if it.DoneAt != nil && now.Sub(*it.DoneAt) >= maxAge {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	f.items = kept
	return removed
}

func (f *ActivityFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	if f.collapsed {
		active := 0
		for _, it := range f.items {
			if it.DoneAt == nil {
				active++
			}
		}
		if active == 0 {
			return ""
		}
		return dim.Render(fmt.Sprintf("── %d calls in flight (Ctrl+O to expand) ──", active)) + "\n"
	}

	itemS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))

	var out strings.Builder
	out.WriteString(dim.Render("── Activity (Ctrl+O to collapse) ──") + "\n")
	now := f.now()
	for _, it := range f.items {
		line := fmt.Sprintf("%s %s", it.Icon, it.Message)
		if it.DoneAt != nil {
			if d := it.DoneAt.Sub(it.StartedAt).Truncate(100 * time.Millisecond); d > 0 {
				line += fmt.Sprintf(" (%s)", d)
			}
			if it.Detail != "" {
				line += dim.Render(" " + it.Detail)
			}
		} else {
			line += fmt.Sprintf(" (%s)", now.Sub(it.StartedAt).Truncate(time.Second))
		}
		out.WriteString(itemS.Render(line) + "\n")
	}
	return out.String()
}
