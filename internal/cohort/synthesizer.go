// Package cohort synthesizes the control group a target group is compared
// against.
package cohort

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/basket/go-analyst/internal/capability"
	"github.com/basket/go-analyst/internal/conversation"
	"github.com/basket/go-analyst/internal/engine"
	"github.com/basket/go-analyst/internal/shared"
)

// ErrEmptyTarget is returned when there is no target group to complement.
var ErrEmptyTarget = errors.New("empty target group description")

type complementRule struct {
	re      *regexp.Regexp
	replace func(m []string) string
}

var complementRules = []complementRule{
	{regexp.MustCompile(`(?i)\b(under|below|younger than|less than)\s+(\d+(?:\.\d+)?)`), func(m []string) string {
		return m[2] + " and over"
	}},
	{regexp.MustCompile(`(?i)\b(over|above|older than|more than)\s+(\d+(?:\.\d+)?)`), func(m []string) string {
		return m[2] + " and under"
	}},
	{regexp.MustCompile(`(?i)\bhigh(-|\s)`), func(m []string) string { return "low" + m[1] }},
	{regexp.MustCompile(`(?i)\blow(-|\s)`), func(m []string) string { return "high" + m[1] }},
	{regexp.MustCompile(`(?i)\bwith(out)?\s`), func(m []string) string {
		if m[1] != "" {
			return "with "
		}
		return "without "
	}},
	{regexp.MustCompile(`\b(in|from)\s+([A-Z][\w-]*)`), func(m []string) string {
		return "not " + m[1] + " " + m[2]
	}},
}

// RuleSynthesizer derives a control group without a language model. An
// explicit counterpart in the request wins; otherwise the first matching
// complement rule rewrites the target.
type RuleSynthesizer struct{}

// GenerateControlGroupQuery implements capability.ControlGroupGenerator.
func (RuleSynthesizer) GenerateControlGroupQuery(_ context.Context, in capability.SynthesisInput) (string, error) {
	if c := strings.TrimSpace(in.ExplicitControl); c != "" {
		return c, nil
	}
	return Complement(in.Target)
}

// Complement rewrites target into its complementary group: "customers under
// 25" becomes "customers 25 and over", "high-value customers" becomes
// "low-value customers". Targets no rule understands become "customers not
// matching: <target>".
func Complement(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", ErrEmptyTarget
	}
	for _, r := range complementRules {
		loc := r.re.FindStringSubmatchIndex(target)
		if loc == nil {
			continue
		}
		m := make([]string, len(loc)/2)
		for i := range m {
			if loc[2*i] >= 0 {
				m[i] = target[loc[2*i]:loc[2*i+1]]
			}
		}
		return target[:loc[0]] + r.replace(m) + target[loc[1]:], nil
	}
	return "customers not matching: " + target, nil
}

const synthesisSystem = `You design control groups for customer segmentation studies.
Given a target customer group, describe the control group it should be compared with:
- the control group is the complementary or opposite group on the defining condition;
- every other condition stays the same so the two groups are comparable;
- it must be answerable from the same database.
Return only the control group description as one short phrase, nothing else.`

// LLMSynthesizer asks a language model for the control group and falls back
// to the rule synthesizer when the model is unavailable or answers with
// nothing usable.
type LLMSynthesizer struct {
	Model  engine.Model
	Logger *slog.Logger
}

// GenerateControlGroupQuery implements capability.ControlGroupGenerator.
func (s *LLMSynthesizer) GenerateControlGroupQuery(ctx context.Context, in capability.SynthesisInput) (string, error) {
	if c := strings.TrimSpace(in.ExplicitControl); c != "" {
		return c, nil
	}
	if strings.TrimSpace(in.Target) == "" {
		return "", ErrEmptyTarget
	}
	if s.Model == nil {
		return Complement(in.Target)
	}

	user := fmt.Sprintf("Target group: %s", in.Target)
	if in.Focus != "" {
		user += fmt.Sprintf("\nThe comparison focuses on: %s", in.Focus)
	}
	if h := conversation.Render(in.History); h != "" {
		user = fmt.Sprintf("Conversation so far:\n%s\n\n%s", h, user)
	}
	reply, err := s.Model.Generate(ctx, engine.Prompt{System: synthesisSystem, User: user})
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		s.logger(ctx).Warn("control group synthesis failed, using rules", "error", err)
		return Complement(in.Target)
	}
	control := cleanReply(reply)
	if control == "" || strings.EqualFold(control, in.Target) {
		return Complement(in.Target)
	}
	return control, nil
}

func cleanReply(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	for _, p := range []string{"Control group:", "control group:", "对照组："} {
		s = strings.TrimPrefix(s, p)
	}
	return strings.Trim(strings.TrimSpace(s), `"'.`)
}

func (s *LLMSynthesizer) logger(ctx context.Context) *slog.Logger {
	base := s.Logger
	if base == nil {
		base = slog.Default()
	}
	return shared.LoggerFrom(ctx, base)
}

// New returns the LLM synthesizer when a model is configured, otherwise the
// rule synthesizer.
func New(model engine.Model, logger *slog.Logger) capability.ControlGroupGenerator {
	if model == nil {
		return RuleSynthesizer{}
	}
	return &LLMSynthesizer{Model: model, Logger: logger}
}
