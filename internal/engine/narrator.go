package engine

import (
	"context"
	"fmt"
	"strings"
)

const narratorSystem = `You are a senior data analyst writing for non-technical colleagues.
Use only the numbers given to you. Be concise and structured.`

// Narrator writes analysis reports from a summary request through a Model.
type Narrator struct {
	Model Model
}

// Narrate asks for the report, or for its continuation when previous turns
// exist.
func (n *Narrator) Narrate(ctx context.Context, request string, previous []string) (string, error) {
	if n == nil || n.Model == nil {
		return "", ErrModelUnavailable
	}
	user := request
	if len(previous) > 0 {
		user = fmt.Sprintf("%s\n\nYou have written so far:\n%s\n\nContinue the report where you stopped.",
			request, strings.Join(previous, "\n\n"))
	}
	return n.Model.Generate(ctx, Prompt{System: narratorSystem, User: user})
}

// ModelFunc adapts a function to the Model interface.
type ModelFunc func(ctx context.Context, p Prompt) (string, error)

func (f ModelFunc) Generate(ctx context.Context, p Prompt) (string, error) { return f(ctx, p) }

func (f ModelFunc) Name() string { return "func" }
