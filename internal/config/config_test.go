package config_test

import (
	"path/filepath"
	"strings"
	"testing"

	"os"

	"github.com/vigil/vigil/internal/config"
	"github.com/vigil/vigil/internal/event"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
monitors:
  network:
    interval: 30
  eventlog:
    enabled: false
ollama:
  url: "http://127.0.0.1:11434"
  model: "llama3"
  min_severity: HIGH
  rate_limit: 0.5
alerts:
  log_file: "/var/log/vigil/alerts.jsonl"
  toast_enabled: false
  dedup_window: 120
dashboard:
  host: "0.0.0.0"
  port: 9090
rules_path: "/etc/vigil/rules.yaml"
watched_paths:
  - /etc/hosts
trusted_processes:
  - sshd
log_level: debug
`

func TestLoad_Valid(t *testing.T) {
	cfg, err := config.Load(writeTemp(t, validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := cfg.Monitors["network"]; !got.Enabled || got.Interval != 30 {
		t.Errorf("monitors.network = %+v, want enabled interval=30", got)
	}
	if got := cfg.Monitors["eventlog"]; got.Enabled {
		t.Errorf("monitors.eventlog should be disabled, got %+v", got)
	}
	// Unmentioned monitor keeps its default.
	if got := cfg.Monitors["portscan"]; !got.Enabled || got.Interval != 10 {
		t.Errorf("monitors.portscan = %+v, want enabled interval=10", got)
	}

	if cfg.Ollama.URL != "http://127.0.0.1:11434" || cfg.Ollama.Model != "llama3" {
		t.Errorf("ollama = %+v", cfg.Ollama)
	}
	if cfg.Ollama.MinSeverityLevel() != event.SeverityHigh {
		t.Errorf("min severity = %v, want HIGH", cfg.Ollama.MinSeverityLevel())
	}
	if cfg.Ollama.RateLimit != 0.5 {
		t.Errorf("rate_limit = %v, want 0.5", cfg.Ollama.RateLimit)
	}
	// Timeout was omitted: default applies.
	if cfg.Ollama.Timeout != 30 {
		t.Errorf("ollama.timeout = %d, want default 30", cfg.Ollama.Timeout)
	}

	if cfg.Alerts.LogFile != "/var/log/vigil/alerts.jsonl" || cfg.Alerts.ToastEnabled {
		t.Errorf("alerts = %+v", cfg.Alerts)
	}
	if cfg.Alerts.DedupWindow != 120 || cfg.Alerts.ThrottlePerRule != 60 {
		t.Errorf("alerts windows = %+v, want dedup=120 throttle=60", cfg.Alerts)
	}

	if cfg.Dashboard.Host != "0.0.0.0" || cfg.Dashboard.Port != 9090 || !cfg.Dashboard.Enabled {
		t.Errorf("dashboard = %+v", cfg.Dashboard)
	}

	if cfg.RulesPath != "/etc/vigil/rules.yaml" {
		t.Errorf("rules_path = %q", cfg.RulesPath)
	}
	if len(cfg.WatchedPaths) != 1 || cfg.WatchedPaths[0] != "/etc/hosts" {
		t.Errorf("watched_paths = %v", cfg.WatchedPaths)
	}
	if len(cfg.TrustedProcesses) != 1 || cfg.TrustedProcesses[0] != "sshd" {
		t.Errorf("trusted_processes = %v", cfg.TrustedProcesses)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "no-such-config.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error, got: %v", err)
	}

	want := map[string]int{"network": 15, "portscan": 10, "eventlog": 60, "process": 20, "filesystem": 5}
	for name, interval := range want {
		mon := cfg.Monitors[name]
		if !mon.Enabled || mon.Interval != interval {
			t.Errorf("monitors.%s = %+v, want enabled interval=%d", name, mon, interval)
		}
	}
	if cfg.Ollama.Model != "phi3" || cfg.Ollama.MinSeverity != "MEDIUM" {
		t.Errorf("ollama defaults = %+v", cfg.Ollama)
	}
	if cfg.Alerts.DedupWindow != 300 || cfg.Alerts.ThrottlePerRule != 60 {
		t.Errorf("alert window defaults = %+v", cfg.Alerts)
	}
	if !cfg.Dashboard.Enabled || cfg.Dashboard.Host != "127.0.0.1" || cfg.Dashboard.Port != 8080 {
		t.Errorf("dashboard defaults = %+v", cfg.Dashboard)
	}
	if !cfg.Alerts.ToastEnabled {
		t.Error("toast should default to enabled")
	}
	if len(cfg.TrustedProcesses) == 0 || len(cfg.WatchedPaths) == 0 {
		t.Error("trusted_processes / watched_paths defaults missing")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := config.Load(writeTemp(t, "monitors: ["))
	if err == nil {
		t.Fatal("expected parse error for malformed YAML")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad severity", "ollama:\n  min_severity: EXTREME\n", "min_severity"},
		{"bad port", "dashboard:\n  port: 70000\n", "dashboard.port"},
		{"bad interval", "monitors:\n  network:\n    interval: -1\n", "monitors.network.interval"},
		{"bad log level", "log_level: loud\n", "log_level"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeTemp(t, tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
