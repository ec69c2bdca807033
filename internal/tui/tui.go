// Package tui holds the terminal front ends: the interactive analyst chat and
// a live status dashboard.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/go-analyst/internal/coordinator"
)

type Snapshot struct {
	DBOK          bool
	Sessions      int
	Active        int
	Tasks         map[coordinator.Status]int // in memory
	StoredTasks   map[coordinator.Status]int // persisted
	Policy        coordinator.Policy
	BusDropped    int64
	Subscribers   int
	LastError     string
	LastEvent     string
	NextRetention time.Time
	Uptime        time.Duration
}

type StatusProvider func() Snapshot

type model struct {
	provider StatusProvider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	s := m.snap
	orNone := func(v string) string {
		if v == "" {
			return "(none)"
		}
		return v
	}
	next := "(disabled)"
	if !s.NextRetention.IsZero() {
		next = s.NextRetention.Format(time.RFC3339)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Analyst Status\n\n")
	fmt.Fprintf(&b, "DB OK: %t\nSessions: %d\nActive Tasks: %d\n", s.DBOK, s.Sessions, s.Active)
	fmt.Fprintf(&b, "Tasks (memory): %s\n", formatCounts(s.Tasks))
	fmt.Fprintf(&b, "Tasks (stored): %s\n", formatCounts(s.StoredTasks))
	fmt.Fprintf(&b, "Retry Ceiling: %d  Call Timeout: %s  Stall Budget: %d\n",
		s.Policy.RetryCeiling, s.Policy.CallTimeout, s.Policy.StallTurnBudget)
	fmt.Fprintf(&b, "Bus: %d subscribers, %d dropped\n", s.Subscribers, s.BusDropped)
	fmt.Fprintf(&b, "Next Retention: %s\n", next)
	fmt.Fprintf(&b, "Uptime: %s\nLast Error: %s\nLast Event: %s\n\nPress q to quit.\n",
		s.Uptime.Truncate(time.Second), orNone(s.LastError), orNone(s.LastEvent))
	return b.String()
}

func formatCounts(counts map[coordinator.Status]int) string {
	if len(counts) == 0 {
		return "(none)"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[coordinator.Status(k)])
	}
	return strings.Join(parts, " ")
}

// Run shows the dashboard until q is pressed or ctx is done.
func Run(ctx context.Context, provider StatusProvider) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}
