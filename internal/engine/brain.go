package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/basket/go-analyst/internal/conversation"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// ErrModelUnavailable is returned when no provider credentials are configured.
// Callers fall back to their rule-based behavior.
var ErrModelUnavailable = errors.New("language model not configured")

// Prompt is a single generation request.
type Prompt struct {
	System  string
	User    string
	History []conversation.Turn
}

// Model is the language-model abstraction every LLM-backed component uses.
type Model interface {
	Generate(ctx context.Context, p Prompt) (string, error)
	Name() string
}

// ModelConfig holds the settings for one provider.
type ModelConfig struct {
	// Provider is "google", "anthropic", "openai", "openai_compatible" or "none".
	Provider string
	Model    string
	APIKey   string

	// CompatibleProvider and BaseURL configure openai_compatible endpoints.
	CompatibleProvider string
	BaseURL            string
}

// GenkitModel generates text through a Genkit instance initialized with the
// provider's plugin.
type GenkitModel struct {
	g         *genkit.Genkit
	provider  string
	modelName string
	llmOn     bool
}

// NewGenkitModel initializes Genkit for cfg.Provider. A missing API key
// yields a model whose Generate returns ErrModelUnavailable.
func NewGenkitModel(ctx context.Context, cfg ModelConfig) *GenkitModel {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := apiKey != ""

	switch {
	case !llmOn || provider == "none":
		llmOn = false
		g = genkit.Init(ctx)
		slog.Warn("language model disabled; rule-based fallbacks active", "provider", provider)

	case provider == "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: firstNonEmpty(cfg.BaseURL, os.Getenv("ANTHROPIC_BASE_URL")),
		}))

	case provider == "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  firstNonEmpty(cfg.BaseURL, os.Getenv("OPENAI_BASE_URL")),
		}))

	case provider == "openai_compatible":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.CompatibleProvider,
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))

	case provider == "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel("googleai/"+modelID),
		)

	default:
		llmOn = false
		g = genkit.Init(ctx)
		slog.Warn("unknown LLM provider; rule-based fallbacks active", "provider", provider)
	}

	m := &GenkitModel{
		g:         g,
		provider:  provider,
		modelName: modelNameForProvider(provider, modelID, cfg.CompatibleProvider),
		llmOn:     llmOn,
	}
	if llmOn {
		slog.Info("genkit model initialized", "provider", provider, "model", m.modelName)
	}
	return m
}

func (m *GenkitModel) Name() string { return m.provider }

// Enabled reports whether the model has credentials.
func (m *GenkitModel) Enabled() bool { return m.llmOn }

// Generate runs one non-streaming generation.
func (m *GenkitModel) Generate(ctx context.Context, p Prompt) (string, error) {
	if !m.llmOn {
		return "", ErrModelUnavailable
	}
	opts := []ai.GenerateOption{ai.WithModelName(m.modelName)}
	if p.System != "" {
		// WithSystem and WithPrompt treat their text as a format string.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(p.System, "%", "%%")))
	}
	if msgs := historyToMessages(p.History); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	opts = append(opts, ai.WithPrompt(strings.ReplaceAll(p.User, "%", "%%")))

	resp, err := genkit.Generate(ctx, m.g, opts...)
	if err != nil {
		return "", fmt.Errorf("genkit generate (%s): %w", m.provider, err)
	}
	return resp.Text(), nil
}

func historyToMessages(turns []conversation.Turn) []*ai.Message {
	var msgs []*ai.Message
	for _, t := range turns {
		msgs = append(msgs, &ai.Message{
			Role:    ai.RoleUser,
			Content: []*ai.Part{ai.NewTextPart(t.Request)},
		})
		if t.Outcome != "" {
			msgs = append(msgs, &ai.Message{
				Role:    ai.RoleModel,
				Content: []*ai.Part{ai.NewTextPart(t.Outcome)},
			})
		}
	}
	return msgs
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o"
	default:
		return "gemini-2.5-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google", "":
		return firstNonEmpty(os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY"))
	default:
		return ""
	}
}

func modelNameForProvider(provider, model, compatibleProvider string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		if compatibleProvider != "" {
			return compatibleProvider + "/" + model
		}
		return model
	default:
		return "googleai/" + model
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
