package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-analyst/internal/config"
	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromAnalystHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeConfig(t, filepath.Join(home, ".analyst"), "log_level: debug\npolicy:\n  retry_ceiling: 2\n")
	t.Setenv("HOME", home)
	t.Setenv("ANALYST_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != filepath.Join(home, ".analyst") {
		t.Fatalf("unexpected home dir %q", cfg.HomeDir)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log_level=debug, got %q", cfg.LogLevel)
	}
	if cfg.Policy.RetryCeiling != 2 {
		t.Fatalf("expected retry_ceiling=2, got %d", cfg.Policy.RetryCeiling)
	}
	// Keys missing from the policy block keep their defaults.
	if cfg.Policy.StallTurnBudget != 20 {
		t.Fatalf("expected default stall_turn_budget=20, got %d", cfg.Policy.StallTurnBudget)
	}
}

func TestLoad_DefaultsWhenNoConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ANALYST_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsSetup {
		t.Fatalf("expected NeedsSetup when config.yaml is missing")
	}
	if diff := cmp.Diff(config.DefaultPolicy(), cfg.Policy); diff != "" {
		t.Fatalf("policy mismatch (-want +got):\n%s", diff)
	}
	if cfg.Policy.CallTimeout() != 120*time.Second {
		t.Fatalf("expected 120s call timeout, got %s", cfg.Policy.CallTimeout())
	}
	if cfg.Warehouse.MaxRows != 1000 {
		t.Fatalf("expected max_rows=1000, got %d", cfg.Warehouse.MaxRows)
	}
	if cfg.Store.Path != filepath.Join(home, "analyst.db") {
		t.Fatalf("unexpected store path %q", cfg.Store.Path)
	}
	if cfg.Warehouse.DSN != filepath.Join(home, "warehouse.db") {
		t.Fatalf("unexpected warehouse dsn %q", cfg.Warehouse.DSN)
	}
}

func TestLoad_ZeroRetryCeilingIsKept(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "policy:\n  retry_ceiling: 0\n")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Policy.RetryCeiling != 0 {
		t.Fatalf("expected retries disabled, got %d", cfg.Policy.RetryCeiling)
	}
}

func TestLoad_NormalizesInvalidPolicy(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `policy:
  retry_ceiling: -4
  call_timeout_seconds: 0
  stall_turn_budget: -1
  context_window_turns: 0
  classifier: " LLM "
  completion_marker: "  "
`)

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := config.DefaultPolicy()
	want.Classifier = "llm"
	if diff := cmp.Diff(want, cfg.Policy); diff != "" {
		t.Fatalf("policy mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "policy:\n  retry_ceiling: 1\nllm:\n  provider: google\n")
	t.Setenv("ANALYST_RETRY_CEILING", "3")
	t.Setenv("ANALYST_CALL_TIMEOUT_SECONDS", "15")
	t.Setenv("ANALYST_LLM_PROVIDER", "anthropic")
	t.Setenv("ANALYST_WAREHOUSE_DSN", "file:bank.db?mode=ro")
	t.Setenv("ANALYST_BIND_ADDR", "0.0.0.0:9000")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Policy.RetryCeiling != 3 {
		t.Fatalf("expected retry ceiling 3, got %d", cfg.Policy.RetryCeiling)
	}
	if cfg.Policy.CallTimeoutSeconds != 15 {
		t.Fatalf("expected timeout 15, got %d", cfg.Policy.CallTimeoutSeconds)
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Fatalf("expected anthropic, got %q", cfg.LLM.Provider)
	}
	if cfg.Warehouse.DSN != "file:bank.db?mode=ro" {
		t.Fatalf("unexpected dsn %q", cfg.Warehouse.DSN)
	}
	if cfg.Gateway.BindAddr != "0.0.0.0:9000" {
		t.Fatalf("unexpected bind addr %q", cfg.Gateway.BindAddr)
	}
}

func TestLoad_InvalidEnvIntIgnored(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ANALYST_STALL_TURN_BUDGET", "many")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Policy.StallTurnBudget != 20 {
		t.Fatalf("expected default stall budget, got %d", cfg.Policy.StallTurnBudget)
	}
}

func TestLoad_RejectsUnknownClassifier(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "policy:\n  classifier: magic\n")

	_, err := config.LoadFrom(home)
	if err == nil || !strings.Contains(err.Error(), "policy.classifier") {
		t.Fatalf("expected classifier validation error, got %v", err)
	}
}

func TestLoad_RejectsUnknownProvider(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "llm:\n  provider: telepathy\n")

	if _, err := config.LoadFrom(home); err == nil {
		t.Fatalf("expected provider validation error")
	}
}

func TestLoad_GeminiAlias(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "llm:\n  provider: Gemini\n")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Provider != "google" {
		t.Fatalf("expected gemini alias to map to google, got %q", cfg.LLM.Provider)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "policy: [unterminated\n")

	if _, err := config.LoadFrom(home); err == nil || !strings.Contains(err.Error(), "parse config.yaml") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestProviderAPIKey_EnvWins(t *testing.T) {
	cfg := config.Config{Providers: map[string]config.ProviderConfig{
		"anthropic": {APIKey: "from-file"},
		"openai":    {APIKey: "file-openai"},
	}}
	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	t.Setenv("OPENAI_API_KEY", "")

	if got := cfg.ProviderAPIKey("anthropic"); got != "from-env" {
		t.Fatalf("expected env key, got %q", got)
	}
	if got := cfg.ProviderAPIKey("openai"); got != "file-openai" {
		t.Fatalf("expected file key, got %q", got)
	}
	if got := cfg.ProviderAPIKey("unknown"); got != "" {
		t.Fatalf("expected empty key, got %q", got)
	}
}

func TestFingerprint_StableAndPolicySensitive(t *testing.T) {
	home := t.TempDir()
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprint not stable")
	}
	b.Policy.RetryCeiling = 5
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("fingerprint should change with policy")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("unexpected fingerprint format %q", a.Fingerprint())
	}
}
