package engine

import (
	"context"
	"sync"
)

// scriptedModel replays replies (or errors) in order.
type scriptedModel struct {
	name    string
	mu      sync.Mutex
	replies []string
	errs    []error
	prompts []Prompt
}

func (m *scriptedModel) Name() string { return m.name }

func (m *scriptedModel) Generate(_ context.Context, p Prompt) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.prompts)
	m.prompts = append(m.prompts, p)
	if i < len(m.errs) && m.errs[i] != nil {
		return "", m.errs[i]
	}
	if i < len(m.replies) {
		return m.replies[i], nil
	}
	return "", nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}
