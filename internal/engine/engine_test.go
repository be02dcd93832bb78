package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vigil/vigil/internal/config"
	"github.com/vigil/vigil/internal/event"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const testRules = `rules:
  - id: NET-SUSP
    name: Suspicious listener port
    severity: HIGH
    source: network
    event_type: new_listener
    conditions:
      - field: local_port
        op: eq
        value: 4444
`

// testConfig returns a config with every monitor disabled, toasts off, and
// enrichment gated above any test alert, so nothing touches the host.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	rulesPath := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(rulesPath, []byte(testRules), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.RulesPath = rulesPath
	cfg.Alerts.LogFile = filepath.Join(dir, "alerts.jsonl")
	cfg.Alerts.ToastEnabled = false
	cfg.Ollama.MinSeverity = "CRITICAL"
	cfg.Dashboard.Enabled = false
	for name, mon := range cfg.Monitors {
		mon.Enabled = false
		cfg.Monitors[name] = mon
	}
	return cfg
}

func TestNewRequiresRuleFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.RulesPath = filepath.Join(t.TempDir(), "missing.yaml")

	if _, err := New(cfg, testLogger()); err == nil {
		t.Fatal("expected error for missing rule file")
	}
}

// A matching event produces exactly one journaled alert and bumps both
// counters; a non-matching event bumps only the event counter.
func TestEventFlow(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer e.Stop(context.Background())

	e.handleEvent(event.New("network", "new_listener", map[string]any{"local_port": 4444}))
	e.handleEvent(event.New("network", "new_listener", map[string]any{"local_port": 80}))

	snap := e.Snapshot()
	if snap["events_total"] != int64(2) {
		t.Errorf("events_total = %v, want 2", snap["events_total"])
	}
	if snap["alerts_total"] != int64(1) {
		t.Errorf("alerts_total = %v, want 1", snap["alerts_total"])
	}
	if snap["rules_loaded"] != 1 {
		t.Errorf("rules_loaded = %v, want 1", snap["rules_loaded"])
	}

	f, err := os.Open(cfg.Alerts.LogFile)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer f.Close()
	var alerts []event.Alert
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var a event.Alert
		if err := json.Unmarshal(scanner.Bytes(), &a); err != nil {
			t.Fatalf("malformed journal line: %v", err)
		}
		alerts = append(alerts, a)
	}
	if len(alerts) != 1 || alerts[0].RuleID != "NET-SUSP" {
		t.Fatalf("journal = %+v", alerts)
	}
}

func TestMonitorStatuses(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer e.Stop(context.Background())

	for name, status := range e.MonitorStatuses() {
		if status != "OFF" {
			t.Errorf("disabled monitor %s status = %q, want OFF", name, status)
		}
	}
	if len(e.runners) != 0 {
		t.Errorf("%d runners built with all monitors disabled", len(e.runners))
	}
}

func TestMonitorStatusesEnabled(t *testing.T) {
	cfg := testConfig(t)
	for name, mon := range cfg.Monitors {
		mon.Enabled = true
		cfg.Monitors[name] = mon
	}
	e, err := New(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer e.Stop(context.Background())

	if len(e.runners) != len(config.MonitorNames) {
		t.Fatalf("%d runners, want %d", len(e.runners), len(config.MonitorNames))
	}
	for name, status := range e.MonitorStatuses() {
		if status == "OFF" {
			t.Errorf("enabled monitor %s reported OFF", name)
		}
	}
}

func TestStatsWithoutDashboard(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer e.Stop(context.Background())

	stats := e.Stats()
	if _, ok := stats["ws_clients"]; ok {
		t.Error("ws_clients present without a dashboard")
	}
	if stats["events_total"] != int64(0) {
		t.Errorf("events_total = %v", stats["events_total"])
	}
}

// With the dashboard enabled, emitted alerts are visible over the API and
// the counters appear on /metrics.
func TestDashboardIntegration(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dashboard.Enabled = true
	cfg.Dashboard.Host = "127.0.0.1"
	cfg.Dashboard.Port = 0 // ephemeral

	e, err := New(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop(ctx)

	addr := e.DashboardAddr()
	if addr == "" {
		t.Fatal("dashboard has no address")
	}

	e.handleEvent(event.New("network", "new_listener", map[string]any{"local_port": 4444}))

	resp, err := http.Get("http://" + addr + "/api/v1/alerts")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Alerts []event.Alert `json:"alerts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Alerts) != 1 || body.Alerts[0].RuleID != "NET-SUSP" {
		t.Fatalf("alerts over API = %+v", body.Alerts)
	}

	metricsResp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer metricsResp.Body.Close()
	metricsBody, _ := io.ReadAll(metricsResp.Body)
	if !strings.Contains(string(metricsBody), "vigil_events_total") {
		t.Error("vigil_events_total missing from /metrics")
	}
}

func TestUptime(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer e.Stop(context.Background())

	if got := e.uptimeSeconds(); got != 0 {
		t.Errorf("uptime before start = %d", got)
	}

	base := time.Unix(1_700_000_000, 0)
	e.startedAt = base
	e.now = func() time.Time { return base.Add(90 * time.Second) }
	if got := e.uptimeSeconds(); got != 90 {
		t.Errorf("uptime = %d, want 90", got)
	}
}
