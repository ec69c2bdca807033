package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-analyst/internal/conversation"
	"github.com/basket/go-analyst/internal/coordinator"
	"github.com/basket/go-analyst/internal/persistence"
)

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"GEMINI_API_KEY", "GOOGLE_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "ANALYST_HOME", "ANALYST_BIND_ADDR", "ANALYST_GATEWAY_TOKEN"} {
		t.Setenv(k, "")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	want := []string{"serve", "ask", "repl", "schema", "status", "seed", "doctor", "purge", "history"}
	have := make(map[string]bool)
	for _, c := range root.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("missing subcommand %q", name)
		}
	}
	for _, flag := range []string{"home", "log-level"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("missing persistent flag --%s", flag)
		}
	}
}

func TestAskRequiresQuestion(t *testing.T) {
	clearProviderEnv(t)
	if _, err := execute(t, "--home", t.TempDir(), "ask"); err == nil {
		t.Fatal("ask without a question should fail")
	}
}

func TestSeedSchemaAskEndToEnd(t *testing.T) {
	clearProviderEnv(t)
	home := t.TempDir()

	out, err := execute(t, "--home", home, "seed")
	if err != nil {
		t.Fatalf("seed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "demo warehouse written") {
		t.Fatalf("seed output = %q", out)
	}

	out, err = execute(t, "--home", home, "schema", "customers")
	if err != nil {
		t.Fatalf("schema: %v\n%s", err, out)
	}
	if !strings.Contains(out, "customers") {
		t.Fatalf("schema output = %q", out)
	}

	out, err = execute(t, "--home", home, "ask", "--json", "SELECT COUNT(*) AS n FROM customers")
	if err != nil {
		t.Fatalf("ask: %v\n%s", err, out)
	}
	jsonStart := strings.Index(out, "{")
	if jsonStart < 0 {
		t.Fatalf("no JSON in output: %q", out)
	}
	var res coordinator.AggregatedResult
	if err := json.NewDecoder(strings.NewReader(out[jsonStart:])).Decode(&res); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if res.Kind != coordinator.KindDirectQuery || res.Status != coordinator.StatusCompleted {
		t.Fatalf("result = %s/%s", res.Kind, res.Status)
	}

	out, err = execute(t, "--home", home, "history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "turns=1") {
		t.Fatalf("history output = %q", out)
	}
}

func TestPurgeDisabled(t *testing.T) {
	clearProviderEnv(t)
	out, err := execute(t, "--home", t.TempDir(), "purge", "--days", "0")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if !strings.Contains(out, "retention disabled") {
		t.Fatalf("output = %q", out)
	}
}

func TestPurgeRuns(t *testing.T) {
	clearProviderEnv(t)
	out, err := execute(t, "--home", t.TempDir(), "purge", "--days", "30")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if !strings.Contains(out, "purged 0 task(s) and 0 session(s)") {
		t.Fatalf("output = %q", out)
	}
}

func TestDoctorFailsWithoutWarehouse(t *testing.T) {
	clearProviderEnv(t)
	out, err := execute(t, "--home", t.TempDir(), "doctor", "--offline")
	if !errors.Is(err, errChecksFailed) {
		t.Fatalf("err = %v, want errChecksFailed", err)
	}
	if !strings.Contains(out, "Warehouse") {
		t.Fatalf("report missing warehouse check:\n%s", out)
	}
}

func TestBaseURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"127.0.0.1:18790", "http://127.0.0.1:18790"},
		{"http://example.com/", "http://example.com"},
		{"https://example.com", "https://example.com"},
		{"[::1]:80", "http://[::1]:80"},
	}
	for _, tt := range tests {
		if got := baseURL(tt.in); got != tt.want {
			t.Errorf("baseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGatewayClientHealth(t *testing.T) {
	gotAuth := make(chan string, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		gotAuth <- r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"healthy":true}`))
	}))
	defer ts.Close()

	c := &gatewayClient{base: ts.URL, token: "tok", http: ts.Client()}
	var out bytes.Buffer
	if err := c.health(context.Background(), &out); err != nil {
		t.Fatalf("health: %v", err)
	}
	if out.String() != "{\"healthy\":true}\n" {
		t.Fatalf("output = %q", out.String())
	}
	if got := <-gotAuth; got != "Bearer tok" {
		t.Fatalf("auth header = %q", got)
	}
}

func TestGatewayClientHealth_Unhealthy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"healthy":false}`))
	}))
	defer ts.Close()

	c := &gatewayClient{base: ts.URL, http: ts.Client()}
	if err := c.health(context.Background(), &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for 503")
	}
}

func TestGatewayClientHealth_ConnectionRefused(t *testing.T) {
	c := &gatewayClient{base: "http://127.0.0.1:1", http: http.DefaultClient}
	if err := c.health(context.Background(), &bytes.Buffer{}); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestSnapshotProvider(t *testing.T) {
	var fail atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"orchestrator": coordinator.StatusReport{
				Sessions: []string{"a", "b"},
				Active:   1,
				Tasks:    map[coordinator.Status]int{coordinator.StatusCompleted: 3},
				Policy:   coordinator.Policy{RetryCeiling: 2, CallTimeout: 30 * time.Second},
			},
			"stored_tasks":    map[coordinator.Status]int{coordinator.StatusCompleted: 5},
			"bus_subscribers": 2,
			"bus_dropped":     7,
		})
	}))
	defer ts.Close()

	c := &gatewayClient{base: ts.URL, http: ts.Client()}
	provide := c.snapshotProvider(context.Background())
	snap := provide()
	if !snap.DBOK || snap.Sessions != 2 || snap.Active != 1 || snap.BusDropped != 7 || snap.Subscribers != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Policy.CallTimeout != 30*time.Second || snap.StoredTasks[coordinator.StatusCompleted] != 5 {
		t.Fatalf("snapshot = %+v", snap)
	}

	fail.Store(true)
	snap = provide()
	if snap.DBOK || snap.LastError == "" || snap.Sessions != 2 {
		t.Fatalf("failed poll should keep counters and report the error: %+v", snap)
	}
}

type fakeAsker struct {
	res          *coordinator.AggregatedResult
	err          error
	summarized   bool
	summarizeErr error
}

func (f *fakeAsker) Submit(_ context.Context, text, sessionID string) (*coordinator.AggregatedResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.res.SessionID = sessionID
	return f.res, nil
}

func (f *fakeAsker) Summarize(_ context.Context, res *coordinator.AggregatedResult) error {
	f.summarized = true
	if f.summarizeErr != nil {
		return f.summarizeErr
	}
	res.Summary = "Most customers live in Shanghai."
	return nil
}

func TestRunAsk(t *testing.T) {
	fa := &fakeAsker{res: &coordinator.AggregatedResult{
		TaskID: "t1", Kind: coordinator.KindDirectQuery, Status: coordinator.StatusCompleted, Attempts: 1,
		Payload: json.RawMessage(`{"sql":"SELECT 1","columns":["n"],"rows":[[1]]}`),
	}}
	var out, errOut bytes.Buffer
	err := runAsk(context.Background(), fa, "how many?", askOptions{session: "s1", summarize: true, maxRows: 5}, &out, &errOut)
	if err != nil {
		t.Fatalf("runAsk: %v", err)
	}
	if !fa.summarized {
		t.Fatal("summary not requested")
	}
	if !strings.Contains(out.String(), "Most customers live in Shanghai.") {
		t.Fatalf("output = %q", out.String())
	}
	if !strings.Contains(errOut.String(), "session s1") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestRunAsk_FailedTask(t *testing.T) {
	fa := &fakeAsker{
		res:          &coordinator.AggregatedResult{TaskID: "t2", Kind: coordinator.KindDirectQuery, Status: coordinator.StatusFailed},
		summarizeErr: errors.New("stalled"),
	}
	var out, errOut bytes.Buffer
	err := runAsk(context.Background(), fa, "q", askOptions{summarize: true}, &out, &errOut)
	if err == nil || !strings.Contains(err.Error(), "t2") {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(errOut.String(), "summary unavailable: stalled") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestRunAsk_SubmitError(t *testing.T) {
	want := coordinator.ErrEmptyRequest
	err := runAsk(context.Background(), &fakeAsker{err: want}, " ", askOptions{}, &bytes.Buffer{}, &bytes.Buffer{})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v", err)
	}
}

type fakeHistory struct {
	sessions []persistence.Session
	turns    []conversation.Turn
}

func (f fakeHistory) ListSessions(context.Context, int) ([]persistence.Session, error) {
	return f.sessions, nil
}

func (f fakeHistory) LoadTurns(context.Context, string) ([]conversation.Turn, int, error) {
	return f.turns, 1, nil
}

func TestPrintHistory(t *testing.T) {
	var out bytes.Buffer
	if err := printSessions(context.Background(), fakeHistory{}, 10, &out); err != nil {
		t.Fatal(err)
	}
	if out.String() != "No sessions.\n" {
		t.Fatalf("empty = %q", out.String())
	}

	out.Reset()
	fh := fakeHistory{turns: []conversation.Turn{
		{Ordinal: 1, Epoch: 0, Request: "how many?", Outcome: "1 row", Status: "completed"},
		{Ordinal: 2, Epoch: 1, Request: "by city", Outcome: "5 rows", Status: "completed"},
	}}
	if err := printTurns(context.Background(), fh, "s1", &out); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	for _, w := range []string{"session s1 (epoch 1)", "#1 [epoch 0] how many? → 1 row (completed)", "#2 [epoch 1] by city"} {
		if !strings.Contains(got, w) {
			t.Fatalf("output missing %q:\n%s", w, got)
		}
	}
}
