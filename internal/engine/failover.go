package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type breaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

// FailoverModel tries the primary model, then each fallback in order, with a
// per-provider circuit breaker.
type FailoverModel struct {
	models []Model

	mu        sync.Mutex
	breakers  map[string]*breaker
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewFailoverModel wraps primary and fallbacks. A breaker trips after
// threshold consecutive failures and closes again after cooldown.
func NewFailoverModel(primary Model, fallbacks []Model, threshold int, cooldown time.Duration) *FailoverModel {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	models := append([]Model{primary}, fallbacks...)
	breakers := make(map[string]*breaker, len(models))
	for _, m := range models {
		breakers[m.Name()] = &breaker{}
	}
	return &FailoverModel{
		models:    models,
		breakers:  breakers,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (f *FailoverModel) Name() string { return f.models[0].Name() }

// Generate returns the first successful generation. Context overflow stops
// the chain because the prompt is the same for every provider.
func (f *FailoverModel) Generate(ctx context.Context, p Prompt) (string, error) {
	var lastErr error
	for _, m := range f.models {
		if f.isTripped(m.Name()) {
			slog.Info("failover: skipping tripped provider", "provider", m.Name())
			continue
		}
		out, err := m.Generate(ctx, p)
		if err == nil {
			f.recordSuccess(m.Name())
			return out, nil
		}
		lastErr = err
		ec := ClassifyError(err)
		if ec != ErrorClassUnavailable {
			f.recordFailure(m.Name())
		}
		slog.Warn("failover: provider failed", "provider", m.Name(), "error_class", string(ec), "error", err)

		if ec == ErrorClassContextOverflow {
			return "", fmt.Errorf("failover: context overflow from %s: %w", m.Name(), err)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	if lastErr == nil {
		return "", errors.New("failover: every provider is tripped")
	}
	return "", fmt.Errorf("failover: all providers failed, last error: %w", lastErr)
}

func (f *FailoverModel) isTripped(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.breakers[name]
	if !ok || !b.tripped {
		return false
	}
	if f.now().Sub(b.lastFailure) >= f.cooldown {
		b.tripped = false
		b.failures = 0
		slog.Info("failover: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

func (f *FailoverModel) recordFailure(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b := f.breakers[name]
	b.failures++
	b.lastFailure = f.now()
	if b.failures >= f.threshold && !b.tripped {
		b.tripped = true
		slog.Warn("failover: circuit breaker tripped", "provider", name, "failures", b.failures)
	}
}

func (f *FailoverModel) recordSuccess(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.breakers[name]
	b.failures = 0
	b.tripped = false
}
