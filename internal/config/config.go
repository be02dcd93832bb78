// Package config provides YAML configuration loading and validation for
// Vigil. Every key is optional; a missing file yields the built-in defaults,
// while a malformed file is a setup failure.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vigil/vigil/internal/event"
)

// MonitorNames lists the five samplers in their canonical order.
var MonitorNames = []string{"network", "portscan", "eventlog", "process", "filesystem"}

// monitorDefaults holds the default poll interval (seconds) per sampler.
var monitorDefaults = map[string]int{
	"network":    15,
	"portscan":   10,
	"eventlog":   60,
	"process":    20,
	"filesystem": 5,
}

// MonitorConfig controls one sampler.
type MonitorConfig struct {
	// Enabled turns the sampler on. Defaults to true.
	Enabled bool `yaml:"enabled"`
	// Interval is the seconds between polls. Defaults per sampler:
	// network 15, portscan 10, eventlog 60, process 20, filesystem 5.
	Interval int `yaml:"interval"`
}

// OllamaConfig configures the local LLM used for alert enrichment.
type OllamaConfig struct {
	URL     string `yaml:"url"`
	Model   string `yaml:"model"`
	Timeout int    `yaml:"timeout"` // seconds per generate request

	// MinSeverity is the minimum alert severity worth an LLM call.
	MinSeverity string `yaml:"min_severity"`

	// RateLimit is the minimum spacing in seconds between generate calls.
	RateLimit float64 `yaml:"rate_limit"`
}

// AlertConfig configures the alert pipeline.
type AlertConfig struct {
	// LogFile is the append-only JSONL alert journal path.
	LogFile string `yaml:"log_file"`

	// ToastEnabled fires a best-effort desktop notification per alert.
	ToastEnabled bool `yaml:"toast_enabled"`

	// DedupWindow is the seconds within which an identical-fingerprint
	// alert is suppressed.
	DedupWindow int `yaml:"dedup_window"`

	// ThrottlePerRule is the minimum seconds between alerts of one rule.
	ThrottlePerRule int `yaml:"throttle_per_rule"`
}

// DashboardConfig configures the live web dashboard.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`

	// AuthSecret, when non-empty, protects the /api/v1 routes with HS256
	// bearer tokens signed with this secret. The WebSocket and index routes
	// stay open; the dashboard binds to loopback by default.
	AuthSecret string `yaml:"auth_secret"`
}

// Config is the top-level Vigil configuration.
type Config struct {
	Monitors         map[string]MonitorConfig `yaml:"monitors"`
	Ollama           OllamaConfig             `yaml:"ollama"`
	Alerts           AlertConfig              `yaml:"alerts"`
	Dashboard        DashboardConfig          `yaml:"dashboard"`
	RulesPath        string                   `yaml:"rules_path"`
	WatchedPaths     []string                 `yaml:"watched_paths"`
	TrustedProcesses []string                 `yaml:"trusted_processes"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info".
	LogLevel string `yaml:"log_level"`
}

// rawConfig mirrors Config with pointer fields so that "key absent" and
// "key set to the zero value" can be told apart when applying defaults.
type rawConfig struct {
	Monitors  map[string]rawMonitor `yaml:"monitors"`
	Ollama    rawOllama             `yaml:"ollama"`
	Alerts    rawAlerts             `yaml:"alerts"`
	Dashboard rawDashboard          `yaml:"dashboard"`

	RulesPath        *string  `yaml:"rules_path"`
	WatchedPaths     []string `yaml:"watched_paths"`
	TrustedProcesses []string `yaml:"trusted_processes"`
	LogLevel         *string  `yaml:"log_level"`
}

type rawMonitor struct {
	Enabled  *bool `yaml:"enabled"`
	Interval *int  `yaml:"interval"`
}

type rawOllama struct {
	URL         *string  `yaml:"url"`
	Model       *string  `yaml:"model"`
	Timeout     *int     `yaml:"timeout"`
	MinSeverity *string  `yaml:"min_severity"`
	RateLimit   *float64 `yaml:"rate_limit"`
}

type rawAlerts struct {
	LogFile         *string `yaml:"log_file"`
	ToastEnabled    *bool   `yaml:"toast_enabled"`
	DedupWindow     *int    `yaml:"dedup_window"`
	ThrottlePerRule *int    `yaml:"throttle_per_rule"`
}

type rawDashboard struct {
	Enabled    *bool   `yaml:"enabled"`
	Host       *string `yaml:"host"`
	Port       *int    `yaml:"port"`
	AuthSecret *string `yaml:"auth_secret"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	apply(cfg, rawConfig{})
	return cfg
}

// Load reads the YAML file at path, applies defaults, and validates. A
// missing file is not an error: Vigil runs fine on pure defaults. A file
// that exists but cannot be read or parsed is a setup failure.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	cfg := &Config{}
	apply(cfg, raw)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return cfg, nil
}

// apply fills cfg from raw, substituting defaults for absent keys.
func apply(cfg *Config, raw rawConfig) {
	cfg.Monitors = make(map[string]MonitorConfig, len(MonitorNames))
	for _, name := range MonitorNames {
		mon := MonitorConfig{Enabled: true, Interval: monitorDefaults[name]}
		if r, ok := raw.Monitors[name]; ok {
			if r.Enabled != nil {
				mon.Enabled = *r.Enabled
			}
			if r.Interval != nil {
				mon.Interval = *r.Interval
			}
		}
		cfg.Monitors[name] = mon
	}

	cfg.Ollama = OllamaConfig{
		URL:         strDefault(raw.Ollama.URL, "http://localhost:11434"),
		Model:       strDefault(raw.Ollama.Model, "phi3"),
		Timeout:     intDefault(raw.Ollama.Timeout, 30),
		MinSeverity: strDefault(raw.Ollama.MinSeverity, "MEDIUM"),
		RateLimit:   floatDefault(raw.Ollama.RateLimit, 2.0),
	}

	cfg.Alerts = AlertConfig{
		LogFile:         strDefault(raw.Alerts.LogFile, "alerts.jsonl"),
		ToastEnabled:    boolDefault(raw.Alerts.ToastEnabled, true),
		DedupWindow:     intDefault(raw.Alerts.DedupWindow, 300),
		ThrottlePerRule: intDefault(raw.Alerts.ThrottlePerRule, 60),
	}

	cfg.Dashboard = DashboardConfig{
		Enabled:    boolDefault(raw.Dashboard.Enabled, true),
		Host:       strDefault(raw.Dashboard.Host, "127.0.0.1"),
		Port:       intDefault(raw.Dashboard.Port, 8080),
		AuthSecret: strDefault(raw.Dashboard.AuthSecret, ""),
	}

	cfg.RulesPath = strDefault(raw.RulesPath, "rules.yaml")

	cfg.WatchedPaths = raw.WatchedPaths
	if cfg.WatchedPaths == nil {
		cfg.WatchedPaths = []string{"/etc/hosts", "/etc/resolv.conf"}
	}

	cfg.TrustedProcesses = raw.TrustedProcesses
	if cfg.TrustedProcesses == nil {
		cfg.TrustedProcesses = []string{
			"systemd", "sshd", "dbus-daemon", "cron", "chronyd",
			"svchost.exe", "explorer.exe", "csrss.exe", "lsass.exe",
			"services.exe", "wininit.exe", "winlogon.exe",
		}
	}

	cfg.LogLevel = strDefault(raw.LogLevel, "info")
}

// validate checks enumerated and range-bound fields.
func validate(cfg *Config) error {
	var errs []error

	for _, name := range MonitorNames {
		if cfg.Monitors[name].Interval <= 0 {
			errs = append(errs, fmt.Errorf("monitors.%s.interval must be > 0", name))
		}
	}

	if _, err := event.ParseSeverity(cfg.Ollama.MinSeverity); err != nil {
		errs = append(errs, fmt.Errorf("ollama.min_severity: %w", err))
	}
	if cfg.Ollama.Timeout <= 0 {
		errs = append(errs, errors.New("ollama.timeout must be > 0"))
	}
	if cfg.Ollama.RateLimit < 0 {
		errs = append(errs, errors.New("ollama.rate_limit must be >= 0"))
	}

	if cfg.Alerts.LogFile == "" {
		errs = append(errs, errors.New("alerts.log_file is required"))
	}
	if cfg.Alerts.DedupWindow < 0 {
		errs = append(errs, errors.New("alerts.dedup_window must be >= 0"))
	}
	if cfg.Alerts.ThrottlePerRule < 0 {
		errs = append(errs, errors.New("alerts.throttle_per_rule must be >= 0"))
	}

	if cfg.Dashboard.Port < 1 || cfg.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Errorf("dashboard.port %d must be 1-65535", cfg.Dashboard.Port))
	}

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}

// MinSeverityLevel returns the parsed ollama.min_severity. Call only after
// Load has validated the config.
func (o OllamaConfig) MinSeverityLevel() event.Severity {
	s, err := event.ParseSeverity(o.MinSeverity)
	if err != nil {
		return event.SeverityMedium
	}
	return s
}

func strDefault(p *string, def string) string {
	if p != nil {
		return *p
	}
	return def
}

func intDefault(p *int, def int) int {
	if p != nil {
		return *p
	}
	return def
}

func floatDefault(p *float64, def float64) float64 {
	if p != nil {
		return *p
	}
	return def
}

func boolDefault(p *bool, def bool) bool {
	if p != nil {
		return *p
	}
	return def
}
