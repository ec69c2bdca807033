package doctor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/go-analyst/internal/config"
	"github.com/basket/go-analyst/internal/warehouse"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	for _, k := range []string{"GEMINI_API_KEY", "GOOGLE_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY"} {
		t.Setenv(k, "")
	}
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func byName(d Diagnosis) map[string]CheckResult {
	out := make(map[string]CheckResult, len(d.Results))
	for _, r := range d.Results {
		out[r.Name] = r
	}
	return out
}

func TestRun_FreshHome(t *testing.T) {
	cfg := testConfig(t)
	d := Run(context.Background(), cfg, "test", true)
	got := byName(d)

	if len(d.Results) != 5 {
		t.Fatalf("offline run should skip network, got %d results", len(d.Results))
	}
	want := map[string]string{
		"Config":      "WARN",
		"API Key":     "WARN",
		"Store":       "PASS",
		"Warehouse":   "FAIL",
		"Permissions": "PASS",
	}
	for name, status := range want {
		if got[name].Status != status {
			t.Errorf("%s = %s (%s), want %s", name, got[name].Status, got[name].Message, status)
		}
	}
	if !d.Failed() {
		t.Fatal("missing warehouse should fail the diagnosis")
	}
	if d.System.Version != "test" {
		t.Fatalf("version = %q", d.System.Version)
	}
}

func TestRun_SeededWarehouse(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Provider = "none"
	if err := warehouse.SeedDemo(context.Background(), cfg.Warehouse.DSN); err != nil {
		t.Fatalf("seed: %v", err)
	}
	got := byName(Run(context.Background(), cfg, "test", false))

	if r := got["Warehouse"]; r.Status != "PASS" || r.Detail == "" {
		t.Fatalf("warehouse = %+v", r)
	}
	if r := got["API Key"]; r.Status != "PASS" {
		t.Fatalf("api key with LLM disabled = %+v", r)
	}
	if r := got["Network"]; r.Status != "SKIP" {
		t.Fatalf("network with LLM disabled = %+v", r)
	}
}

func TestCheckAPIKey_FromProvidersSection(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Provider = "anthropic"
	cfg.Providers = map[string]config.ProviderConfig{"anthropic": {APIKey: "sk-test"}}
	if r := checkAPIKey(context.Background(), cfg); r.Status != "PASS" {
		t.Fatalf("result = %+v", r)
	}
}

func TestCheckStore_Unopenable(t *testing.T) {
	cfg := testConfig(t)
	// A directory cannot be opened as a database file.
	cfg.Store.Path = t.TempDir()
	if r := checkStore(context.Background(), cfg); r.Status != "FAIL" {
		t.Fatalf("result = %+v", r)
	}
}

func TestNilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test", false)
	for _, r := range d.Results {
		switch r.Name {
		case "Config":
			if r.Status != "FAIL" {
				t.Errorf("config = %s", r.Status)
			}
		default:
			if r.Status != "SKIP" {
				t.Errorf("%s = %s, want SKIP", r.Name, r.Status)
			}
		}
	}
}

func TestCheckNetwork_CompatibleBaseURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Provider = "openai_compatible"
	cfg.LLM.BaseURL = "http://localhost:11434/v1"
	if h := hostOf(cfg.LLM.BaseURL); h != "localhost" {
		t.Fatalf("host = %q", h)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if r := checkNetwork(ctx, cfg); r.Status != "FAIL" && r.Status != "PASS" {
		t.Fatalf("result = %+v", r)
	}
}

func TestCheckPermissions_Unwritable(t *testing.T) {
	cfg := testConfig(t)
	cfg.HomeDir = filepath.Join(t.TempDir(), "missing", "dir")
	if r := checkPermissions(context.Background(), cfg); r.Status != "FAIL" {
		t.Fatalf("result = %+v", r)
	}
}
