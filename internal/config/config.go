package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PolicyConfig holds the orchestration policy constants. Every value is
// hot-reloadable; tasks already running keep the policy they started with.
type PolicyConfig struct {
	// RetryCeiling is the number of retries allowed per capability call
	// after the first attempt. 0 disables retries.
	RetryCeiling int `yaml:"retry_ceiling"`

	// CallTimeoutSeconds bounds each capability call attempt.
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`

	// StallTurnBudget is the number of dispatch rounds (and summary turns)
	// tolerated before a stall is declared.
	StallTurnBudget int `yaml:"stall_turn_budget"`

	// ContextWindowTurns is how many recent turns are handed to capabilities.
	ContextWindowTurns int `yaml:"context_window_turns"`

	// Classifier selects the query classifier: "keyword" or "llm".
	Classifier string `yaml:"classifier"`

	// CompletionMarker is the end-of-analysis token summaries must carry.
	CompletionMarker string `yaml:"completion_marker"`

	// TaskHistoryLimit caps the number of tasks kept in memory for lookup.
	TaskHistoryLimit int `yaml:"task_history_limit"`
}

// CallTimeout returns the per-attempt timeout as a duration.
func (p PolicyConfig) CallTimeout() time.Duration {
	return time.Duration(p.CallTimeoutSeconds) * time.Second
}

// ProviderConfig holds per-provider settings.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// LLMConfig selects the language model backing classification, text-to-SQL,
// control group synthesis and summaries.
type LLMConfig struct {
	// Provider is "google", "anthropic", "openai", "openai_compatible" or "none".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// CompatibleProvider names the provider prefix for openai_compatible.
	CompatibleProvider string `yaml:"compatible_provider"`
	BaseURL            string `yaml:"base_url"`

	Temperature float64 `yaml:"temperature"`

	// Fallbacks lists providers tried, in order, when the primary fails.
	// Each uses its default model and the key from providers/env.
	Fallbacks []string `yaml:"fallbacks"`

	// FailoverThreshold is the consecutive failures that trip a provider's
	// circuit breaker; FailoverCooldownSeconds is how long it stays open.
	FailoverThreshold       int `yaml:"failover_threshold"`
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`
}

// WarehouseConfig points at the analytical data source queried by the
// text-to-SQL and segmentation capabilities.
type WarehouseConfig struct {
	DSN     string `yaml:"dsn"`
	MaxRows int    `yaml:"max_rows"`
}

// StoreConfig configures the sqlite ledger of turns and tasks.
type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	// PurgeSchedule is a cron expression for the retention job.
	PurgeSchedule string `yaml:"purge_schedule"`
}

// GatewayConfig configures the HTTP/WebSocket surface.
type GatewayConfig struct {
	BindAddr     string   `yaml:"bind_addr"`
	AuthToken    string   `yaml:"auth_token"`
	RateLimitRPS float64  `yaml:"rate_limit_rps"`
	RateBurst    int      `yaml:"rate_burst"`
	AllowOrigins []string `yaml:"allow_origins"`
}

// OTelConfig configures tracing and metrics export.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp", "stdout", "none"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Policy    PolicyConfig              `yaml:"policy"`
	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Warehouse WarehouseConfig           `yaml:"warehouse"`
	Store     StoreConfig               `yaml:"store"`
	Gateway   GatewayConfig             `yaml:"gateway"`
	OTel      OTelConfig                `yaml:"otel"`

	// NeedsSetup is true when no config.yaml existed at load time.
	NeedsSetup bool `yaml:"-"`
}

// ProviderAPIKey returns the API key for the given provider, checking env
// overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string][]string{
		"google":            {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"anthropic":         {"ANTHROPIC_API_KEY"},
		"openai":            {"OPENAI_API_KEY"},
		"openai_compatible": {"OPENAI_API_KEY"},
	}
	for _, envVar := range envMap[provider] {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "retry=%d|timeout=%d|stall=%d|window=%d|classifier=%s|marker=%s|llm=%s/%s|warehouse=%s|rows=%d|bind=%s|log=%s",
		c.Policy.RetryCeiling, c.Policy.CallTimeoutSeconds, c.Policy.StallTurnBudget, c.Policy.ContextWindowTurns,
		c.Policy.Classifier, c.Policy.CompletionMarker, c.LLM.Provider, c.LLM.Model,
		c.Warehouse.DSN, c.Warehouse.MaxRows, c.Gateway.BindAddr, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// DefaultPolicy returns the orchestration policy defaults.
func DefaultPolicy() PolicyConfig {
	return PolicyConfig{
		RetryCeiling:       1,
		CallTimeoutSeconds: 120,
		StallTurnBudget:    20,
		ContextWindowTurns: 10,
		Classifier:         "keyword",
		CompletionMarker:   "TERMINATE",
		TaskHistoryLimit:   1000,
	}
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Policy:   DefaultPolicy(),
		LLM: LLMConfig{
			Provider:                "google",
			Temperature:             0.1,
			FailoverThreshold:       5,
			FailoverCooldownSeconds: 300,
		},
		Warehouse: WarehouseConfig{MaxRows: 1000},
		Store: StoreConfig{
			RetentionDays: 90,
			PurgeSchedule: "17 3 * * *",
		},
		Gateway: GatewayConfig{
			BindAddr:     "127.0.0.1:18790",
			RateLimitRPS: 5,
			RateBurst:    10,
		},
		OTel: OTelConfig{
			Exporter:    "none",
			ServiceName: "analyst",
			SampleRate:  1.0,
		},
	}
}

// HomeDir resolves ANALYST_HOME, falling back to ~/.analyst.
func HomeDir() string {
	if override := os.Getenv("ANALYST_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".analyst")
}

// Load reads <home>/config.yaml over the defaults, then applies env
// overrides and normalization.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create analyst home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsSetup = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	defaults := defaultConfig()
	p := &cfg.Policy
	if p.RetryCeiling < 0 {
		p.RetryCeiling = defaults.Policy.RetryCeiling
	}
	if p.CallTimeoutSeconds <= 0 {
		p.CallTimeoutSeconds = defaults.Policy.CallTimeoutSeconds
	}
	if p.StallTurnBudget <= 0 {
		p.StallTurnBudget = defaults.Policy.StallTurnBudget
	}
	if p.ContextWindowTurns <= 0 {
		p.ContextWindowTurns = defaults.Policy.ContextWindowTurns
	}
	p.Classifier = strings.ToLower(strings.TrimSpace(p.Classifier))
	if p.Classifier == "" {
		p.Classifier = defaults.Policy.Classifier
	}
	if strings.TrimSpace(p.CompletionMarker) == "" {
		p.CompletionMarker = defaults.Policy.CompletionMarker
	}
	if p.TaskHistoryLimit <= 0 {
		p.TaskHistoryLimit = defaults.Policy.TaskHistoryLimit
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = defaults.LLM.Provider
	}
	for i, fb := range cfg.LLM.Fallbacks {
		cfg.LLM.Fallbacks[i] = strings.ToLower(strings.TrimSpace(fb))
	}
	if cfg.LLM.FailoverThreshold <= 0 {
		cfg.LLM.FailoverThreshold = defaults.LLM.FailoverThreshold
	}
	if cfg.LLM.FailoverCooldownSeconds <= 0 {
		cfg.LLM.FailoverCooldownSeconds = defaults.LLM.FailoverCooldownSeconds
	}
	if cfg.Warehouse.MaxRows <= 0 {
		cfg.Warehouse.MaxRows = defaults.Warehouse.MaxRows
	}
	if cfg.Warehouse.DSN == "" {
		cfg.Warehouse.DSN = filepath.Join(cfg.HomeDir, "warehouse.db")
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.HomeDir, "analyst.db")
	}
	if cfg.Store.PurgeSchedule == "" {
		cfg.Store.PurgeSchedule = defaults.Store.PurgeSchedule
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = defaults.Gateway.BindAddr
	}
	if cfg.Gateway.RateLimitRPS <= 0 {
		cfg.Gateway.RateLimitRPS = defaults.Gateway.RateLimitRPS
	}
	if cfg.Gateway.RateBurst <= 0 {
		cfg.Gateway.RateBurst = defaults.Gateway.RateBurst
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = defaults.OTel.Exporter
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = defaults.OTel.ServiceName
	}
	if cfg.OTel.SampleRate <= 0 || cfg.OTel.SampleRate > 1 {
		cfg.OTel.SampleRate = defaults.OTel.SampleRate
	}
}

func validate(cfg Config) error {
	switch cfg.Policy.Classifier {
	case "keyword", "llm":
	default:
		return fmt.Errorf("policy.classifier must be keyword or llm, got %q", cfg.Policy.Classifier)
	}
	for _, p := range append([]string{cfg.LLM.Provider}, cfg.LLM.Fallbacks...) {
		switch p {
		case "google", "anthropic", "openai", "openai_compatible", "none":
		default:
			return fmt.Errorf("llm provider %q is not supported", p)
		}
	}
	switch cfg.OTel.Exporter {
	case "otlp", "stdout", "none":
	default:
		return fmt.Errorf("otel.exporter %q is not supported", cfg.OTel.Exporter)
	}
	return nil
}

func envInt(name string, dst *int) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func envString(name string, dst *string) {
	if raw := os.Getenv(name); raw != "" {
		*dst = raw
	}
}

func applyEnvOverrides(cfg *Config) {
	envInt("ANALYST_RETRY_CEILING", &cfg.Policy.RetryCeiling)
	envInt("ANALYST_CALL_TIMEOUT_SECONDS", &cfg.Policy.CallTimeoutSeconds)
	envInt("ANALYST_STALL_TURN_BUDGET", &cfg.Policy.StallTurnBudget)
	envInt("ANALYST_CONTEXT_WINDOW_TURNS", &cfg.Policy.ContextWindowTurns)
	envString("ANALYST_CLASSIFIER", &cfg.Policy.Classifier)
	envString("ANALYST_COMPLETION_MARKER", &cfg.Policy.CompletionMarker)

	envString("ANALYST_LOG_LEVEL", &cfg.LogLevel)
	envString("ANALYST_LLM_PROVIDER", &cfg.LLM.Provider)
	envString("ANALYST_LLM_MODEL", &cfg.LLM.Model)
	envString("ANALYST_WAREHOUSE_DSN", &cfg.Warehouse.DSN)
	envInt("ANALYST_WAREHOUSE_MAX_ROWS", &cfg.Warehouse.MaxRows)
	envString("ANALYST_STORE_PATH", &cfg.Store.Path)
	envString("ANALYST_BIND_ADDR", &cfg.Gateway.BindAddr)
	envString("ANALYST_GATEWAY_TOKEN", &cfg.Gateway.AuthToken)
	envString("ANALYST_OTEL_EXPORTER", &cfg.OTel.Exporter)
	envString("ANALYST_OTEL_ENDPOINT", &cfg.OTel.Endpoint)
}
