// Package doctor runs local diagnostics for the analyst installation.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-analyst/internal/config"
	"github.com/basket/go-analyst/internal/persistence"
	"github.com/basket/go-analyst/internal/warehouse"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

type check func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks. offline skips the network probe.
func Run(ctx context.Context, cfg *config.Config, version string, offline bool) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []check{
		checkConfig,
		checkAPIKey,
		checkStore,
		checkWarehouse,
		checkPermissions,
	}
	if !offline {
		checks = append(checks, checkNetwork)
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsSetup {
		return CheckResult{Name: "Config", Status: "WARN", Message: "No config.yaml, running on defaults",
			Detail: "Create " + config.ConfigPath(cfg.HomeDir) + " to override them"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail: cfg.Fingerprint()}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "Config missing"}
	}
	provider := cfg.LLM.Provider
	if provider == "none" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: "LLM disabled, rule-based components only"}
	}
	if cfg.ProviderAPIKey(provider) != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("Key configured for %s", provider)}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  "WARN",
		Message: fmt.Sprintf("No key for %s; classification, SQL generation and summaries fall back or fail", provider),
		Detail:  "Set the provider's env var or providers." + provider + ".api_key in config.yaml",
	}
}

func checkStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Store", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.Store.Path, nil)
	if err != nil {
		return CheckResult{Name: "Store", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.Store.Path}
	}
	defer store.Close()

	counts, err := store.TaskCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Store", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return CheckResult{Name: "Store", Status: "PASS", Message: fmt.Sprintf("Schema valid, %d tasks recorded", total), Detail: cfg.Store.Path}
}

func checkWarehouse(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Warehouse", Status: "SKIP", Message: "Config missing"}
	}
	if !strings.HasPrefix(cfg.Warehouse.DSN, "file:") && !strings.Contains(cfg.Warehouse.DSN, ":memory:") {
		if _, err := os.Stat(cfg.Warehouse.DSN); err != nil {
			return CheckResult{Name: "Warehouse", Status: "FAIL", Message: "Warehouse file not found",
				Detail: cfg.Warehouse.DSN + " (run `analyst seed` for demo data)"}
		}
	}
	wh, err := warehouse.Open(cfg.Warehouse.DSN, cfg.Warehouse.MaxRows)
	if err != nil {
		return CheckResult{Name: "Warehouse", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer wh.Close()

	tables, err := wh.Tables(ctx)
	if err != nil {
		return CheckResult{Name: "Warehouse", Status: "FAIL", Message: fmt.Sprintf("Listing tables failed: %v", err)}
	}
	if len(tables) == 0 {
		return CheckResult{Name: "Warehouse", Status: "WARN", Message: "Warehouse has no tables"}
	}
	return CheckResult{Name: "Warehouse", Status: "PASS", Message: fmt.Sprintf("%d tables", len(tables)),
		Detail: strings.Join(tables, ", ")}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

var providerHosts = map[string]string{
	"google":    "generativelanguage.googleapis.com",
	"anthropic": "api.anthropic.com",
	"openai":    "api.openai.com",
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}
	provider := cfg.LLM.Provider
	if provider == "none" {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "LLM disabled"}
	}
	host, ok := providerHosts[provider]
	if provider == "openai_compatible" && cfg.LLM.BaseURL != "" {
		host, ok = hostOf(cfg.LLM.BaseURL), true
	}
	if !ok || host == "" {
		return CheckResult{Name: "Network", Status: "SKIP", Message: fmt.Sprintf("No known endpoint for %q", provider)}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s", provider),
	}
}

func hostOf(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
