package coordinator

import (
	"context"
	"fmt"
	"strings"
)

// Narrator turns a summary request into prose. Implementations are usually
// backed by a language model; previous carries the turns produced so far so
// the narrator can continue instead of restarting.
type Narrator interface {
	Narrate(ctx context.Context, request string, previous []string) (string, error)
}

// DetectCompletion reports whether text carries the end-of-analysis marker
// as a standalone token, and returns the text with the marker removed.
func DetectCompletion(text, marker string) (string, bool) {
	if marker == "" {
		return strings.TrimSpace(text), true
	}
	idx := strings.LastIndex(text, marker)
	if idx < 0 {
		return strings.TrimSpace(text), false
	}
	end := idx + len(marker)
	if (idx > 0 && isWordByte(text[idx-1])) || (end < len(text) && isWordByte(text[end])) {
		return strings.TrimSpace(text), false
	}
	return strings.TrimSpace(text[:idx] + text[end:]), true
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// summarize asks n for turns until one carries the completion marker. After
// budget turns without it a stall error is returned together with the text
// gathered so far.
func summarize(ctx context.Context, n Narrator, request, marker string, budget int) (string, int, error) {
	if budget <= 0 {
		budget = 1
	}
	prompt := request
	if marker != "" {
		prompt += fmt.Sprintf("\n\nWhen the analysis is complete, end your reply with %s.", marker)
	}

	var turns []string
	for i := 1; i <= budget; i++ {
		if err := ctx.Err(); err != nil {
			return strings.Join(turns, "\n\n"), i - 1, newTaskError(KindCancelled, "", i-1, "summary cancelled", err)
		}
		text, err := n.Narrate(ctx, prompt, turns)
		if err != nil {
			return strings.Join(turns, "\n\n"), i, fmt.Errorf("summary turn %d: %w", i, err)
		}
		clean, done := DetectCompletion(text, marker)
		if clean != "" {
			turns = append(turns, clean)
		}
		if done {
			return strings.Join(turns, "\n\n"), i, nil
		}
	}
	return strings.Join(turns, "\n\n"), budget, newTaskError(KindStallDetected, "", budget,
		fmt.Sprintf("no %s marker after %d turns", marker, budget), nil)
}
