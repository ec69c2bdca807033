package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/basket/go-analyst/internal/conversation"
	"github.com/basket/go-analyst/internal/coordinator"
	"github.com/basket/go-analyst/internal/engine"
	"github.com/basket/go-analyst/internal/shared"
)

var kindSchema = engine.MustStructuredValidator(`{
	"type": "object",
	"properties": {
		"task_kind": {"type": "string", "enum": ["direct_query", "segmentation_comparison"]},
		"reason": {"type": "string"}
	},
	"required": ["task_kind"]
}`)

const classifierSystem = `You route analytical questions about a customer database.
Answer "segmentation_comparison" when the user wants two customer groups profiled and compared
(a target group against a control group, cohorts, segments, "A vs B").
Answer "direct_query" for everything else: lookups, counts, rankings, aggregates, follow-ups.
Reply with JSON only: {"task_kind": "...", "reason": "..."}`

// LLMClassifier asks a language model for the task kind. Requests the
// keyword rules already recognize skip the model; model failures and
// unknown answers fall back to the keyword verdict.
type LLMClassifier struct {
	Model  engine.Model
	Logger *slog.Logger
}

// Classify implements coordinator.QueryClassifier.
func (c *LLMClassifier) Classify(ctx context.Context, req coordinator.Request, window []conversation.Turn) coordinator.TaskKind {
	fallback := ClassifyText(req.Text)
	if c.Model == nil || fallback == coordinator.KindSegmentationComparison || IsDirect(req.Text) {
		return fallback
	}

	user := req.Text
	if h := conversation.Render(window); h != "" {
		user = fmt.Sprintf("Conversation so far:\n%s\n\nNew request: %s", h, req.Text)
	}
	raw, err := engine.GenerateStructured(ctx, c.Model, engine.Prompt{System: classifierSystem, User: user}, kindSchema)
	if err != nil {
		c.logger(ctx).Info("llm classification failed, using keywords", "error", err, "kind", string(fallback))
		return fallback
	}
	var out struct {
		Kind   coordinator.TaskKind `json:"task_kind"`
		Reason string               `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil || !out.Kind.Valid() {
		return fallback
	}
	c.logger(ctx).Debug("llm classification", "kind", string(out.Kind), "reason", out.Reason)
	return out.Kind
}

func (c *LLMClassifier) logger(ctx context.Context) *slog.Logger {
	base := c.Logger
	if base == nil {
		base = slog.Default()
	}
	return shared.LoggerFrom(ctx, base)
}

// New returns the classifier named by the policy's classifier setting.
func New(name string, model engine.Model, logger *slog.Logger) coordinator.QueryClassifier {
	if name == "llm" && model != nil {
		return &LLMClassifier{Model: model, Logger: logger}
	}
	return KeywordClassifier{}
}
