package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLastEntry(t *testing.T, home string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("task terminal", "task_id", "task-1", "status", "completed")

	entry := readLastEntry(t, home)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "analyst" {
		t.Fatalf("expected component=analyst, got %#v", entry["component"])
	}
	if entry["task_id"] != "task-1" {
		t.Fatalf("expected task_id propagation, got %#v", entry["task_id"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("config loaded",
		"api_key", "abc123",
		"warehouse_dsn", "file:bank.db",
		"auth_header", "Authorization: Bearer super-secret-token",
		"failure", "dial postgres://u:pw@host/db refused",
	)

	entry := readLastEntry(t, home)
	for _, key := range []string{"api_key", "warehouse_dsn", "auth_header"} {
		if entry[key] != "[REDACTED]" {
			t.Fatalf("expected %s redaction, got %#v", key, entry[key])
		}
	}
	if got, _ := entry["failure"].(string); strings.Contains(got, "pw@") {
		t.Fatalf("expected dsn password redacted, got %q", got)
	}
}

func TestNewLogger_LevelFilters(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "warn", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("dropped")
	logger.Warn("kept")

	entry := readLastEntry(t, home)
	if entry["msg"] != "kept" {
		t.Fatalf("expected only warn entry, got %#v", entry)
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(NewHandler(&buf, slog.LevelInfo))
	Component(base, "coordinator").Info("x")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["component"] != "coordinator" {
		t.Fatalf("expected component=coordinator, got %#v", entry["component"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
