package tui

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-analyst/internal/capability"
	"github.com/basket/go-analyst/internal/coordinator"
	"github.com/basket/go-analyst/internal/text2sql"
)

// Styles decorates rendered results. The zero value renders plain text.
type Styles struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Caveat  lipgloss.Style
	Error   lipgloss.Style
	Dim     lipgloss.Style
	Summary lipgloss.Style
}

// TerminalStyles is used when output goes to a color terminal.
func TerminalStyles() Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		Label:   lipgloss.NewStyle().Bold(true),
		Caveat:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		Summary: lipgloss.NewStyle().Italic(true),
	}
}

// FormatResult renders an aggregated result for a terminal. maxRows bounds
// each printed table.
func FormatResult(res *coordinator.AggregatedResult, st Styles, maxRows int) string {
	if res == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(st.Title.Render(fmt.Sprintf("%s · %s", res.Kind, res.Status)))
	b.WriteString(st.Dim.Render(fmt.Sprintf("  task %s, %d attempt(s)", res.TaskID, res.Attempts)))
	b.WriteString("\n")

	switch {
	case res.Comparison != nil:
		writeComparison(&b, res.Comparison, st, maxRows)
	case len(res.Payload) > 0:
		b.WriteString(describePayload(res.Payload, maxRows))
		b.WriteString("\n")
	}

	for _, c := range res.Caveats {
		b.WriteString(st.Caveat.Render("caveat: "+c) + "\n")
	}
	for i := range res.Errors {
		b.WriteString(st.Error.Render("error: "+res.Errors[i].Error()) + "\n")
	}
	if res.Summary != "" {
		b.WriteString("\n" + st.Summary.Render(res.Summary) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeComparison(b *strings.Builder, cmp *coordinator.Comparison, st Styles, maxRows int) {
	for _, leg := range []struct {
		label string
		leg   coordinator.LegResult
	}{{"Target", cmp.Target}, {"Control", cmp.Control}} {
		b.WriteString(st.Label.Render(leg.label+": ") + leg.leg.Description)
		b.WriteString(st.Dim.Render(fmt.Sprintf(" [%s]", leg.leg.Status)) + "\n")
		if leg.leg.Caveat != "" {
			b.WriteString(st.Caveat.Render("  "+leg.leg.Caveat) + "\n")
		}
		var prof capability.CohortProfile
		if len(leg.leg.Payload) == 0 || json.Unmarshal(leg.leg.Payload, &prof) != nil {
			continue
		}
		rows := fmt.Sprintf("%d", prof.RowCount)
		if prof.Truncated {
			rows += " (truncated)"
		}
		fmt.Fprintf(b, "  SQL: %s\n  rows: %s\n", prof.SQL, rows)
		for _, line := range strings.Split(sampleTable(prof, maxRows), "\n") {
			if line != "" {
				b.WriteString("  " + line + "\n")
			}
		}
	}
	if len(cmp.Metrics) == 0 {
		return
	}
	b.WriteString(st.Label.Render("Metrics (target vs control)") + "\n")
	for _, m := range cmp.Metrics {
		fmt.Fprintf(b, "  %-20s %12.2f %12.2f %+12.2f\n", m.Column, m.Target, m.Control, m.Delta)
	}
}

func sampleTable(p capability.CohortProfile, maxRows int) string {
	if len(p.Sample) == 0 || maxRows <= 0 {
		return ""
	}
	cols := p.Columns
	if len(cols) == 0 {
		for k := range p.Sample[0] {
			cols = append(cols, k)
		}
		sort.Strings(cols)
	}
	var b strings.Builder
	b.WriteString(strings.Join(cols, " | ") + "\n")
	for i, row := range p.Sample {
		if i == maxRows {
			break
		}
		cells := make([]string, len(cols))
		for j, c := range cols {
			cells[j] = fmt.Sprint(row[c])
		}
		b.WriteString(strings.Join(cells, " | ") + "\n")
	}
	return b.String()
}

func describePayload(raw json.RawMessage, maxRows int) string {
	var p capability.SQLPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.SQL == "" {
		return string(raw)
	}
	return text2sql.Describe(p, maxRows)
}
