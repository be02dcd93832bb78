// Package engine wires the samplers, rule catalog, alert pipeline, and
// dashboard into one running IDS instance.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vigil/vigil/internal/config"
	"github.com/vigil/vigil/internal/dashboard"
	"github.com/vigil/vigil/internal/event"
	"github.com/vigil/vigil/internal/intelligence"
	"github.com/vigil/vigil/internal/pipeline"
	"github.com/vigil/vigil/internal/rules"
	"github.com/vigil/vigil/internal/sampler"
)

// Engine owns the full event path: every sampler event is counted, published
// to the dashboard stream, evaluated against the rule catalog, and each
// resulting alert runs the pipeline. Events from concurrent samplers
// interleave safely; a single event's alerts are processed in rule order.
type Engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	catalog  *rules.Catalog
	analyzer *intelligence.Analyzer
	journal  *pipeline.Journal
	pipe     *pipeline.Pipeline
	metrics  *metrics
	dash     *dashboard.Server // nil when the dashboard is disabled

	runners []*sampler.Runner

	eventsTotal atomic.Int64
	alertsTotal atomic.Int64
	startedAt   time.Time

	// ctx is the lifetime context captured at Start; event handling that
	// outlives a poll tick (enrichment, toasts) runs under it.
	ctx context.Context

	now func() time.Time
}

// New assembles an engine from cfg. The rule file and the alert journal must
// be usable; everything else degrades at runtime instead of failing here.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	catalog := rules.NewCatalog(logger)
	if _, err := catalog.Load(cfg.RulesPath); err != nil {
		return nil, fmt.Errorf("engine: loading rules: %w", err)
	}

	journal, err := pipeline.OpenJournal(cfg.Alerts.LogFile, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: opening alert journal: %w", err)
	}

	analyzer := intelligence.NewAnalyzer(cfg.Ollama, logger)

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		catalog:  catalog,
		analyzer: analyzer,
		journal:  journal,
		pipe:     pipeline.New(cfg.Alerts, journal, analyzer, pipeline.NewToaster(logger), logger),
		metrics:  newMetrics(),
		ctx:      context.Background(),
		now:      time.Now,
	}

	if cfg.Dashboard.Enabled {
		e.dash = dashboard.NewServer(cfg.Dashboard, e, e.metrics.registry, logger)
	}

	e.buildSamplers()
	return e, nil
}

// buildSamplers constructs a runner for every enabled monitor.
func (e *Engine) buildSamplers() {
	probe := sampler.SystemProbe{}

	for _, name := range config.MonitorNames {
		mon := e.cfg.Monitors[name]
		if !mon.Enabled {
			e.logger.Info("monitor disabled", slog.String("monitor", name))
			continue
		}
		interval := time.Duration(mon.Interval) * time.Second

		var s sampler.Sampler
		switch name {
		case "network":
			// The dashboard's own listener must never look like a new
			// service appearing on the host.
			var ignored []int
			if e.cfg.Dashboard.Enabled {
				ignored = append(ignored, e.cfg.Dashboard.Port)
			}
			s = sampler.NewNetwork(interval, probe, probe, e.cfg.TrustedProcesses, ignored, e.logger)
		case "portscan":
			s = sampler.NewPortScan(interval, probe, sampler.DefaultScanThreshold, sampler.DefaultScanWindow, e.logger)
		case "eventlog":
			s = sampler.NewEventLog(interval, sampler.WevtutilProbe{}, privileged(), e.logger)
		case "process":
			s = sampler.NewProcess(interval, probe, e.cfg.TrustedProcesses, e.logger)
		case "filesystem":
			s = sampler.NewFileSystem(interval, e.cfg.WatchedPaths, e.logger)
		default:
			continue
		}
		e.runners = append(e.runners, sampler.NewRunner(s, e.handleEvent, e.logger))
	}
}

// Start brings up the dashboard, probes Ollama once, and launches every
// sampler. A dashboard bind failure is fatal; an unreachable Ollama is not.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx = ctx
	e.startedAt = e.now()

	if e.dash != nil {
		if err := e.dash.Start(ctx); err != nil {
			return err
		}
	}

	if e.analyzer.Client().Probe(ctx) {
		e.logger.Info("ollama reachable", slog.String("model", e.cfg.Ollama.Model))
	} else {
		e.logger.Warn("ollama unreachable, alert enrichment disabled until it responds",
			slog.String("url", e.cfg.Ollama.URL))
	}

	for _, r := range e.runners {
		r.Start(ctx)
	}
	return nil
}

// WaitReady blocks until every sampler has completed its baseline setup or
// ctx expires.
func (e *Engine) WaitReady(ctx context.Context) error {
	for _, r := range e.runners {
		select {
		case <-r.Ready():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stop shuts down in reverse dependency order: dashboard clients first, then
// the samplers, then the journal.
func (e *Engine) Stop(ctx context.Context) {
	if e.dash != nil {
		if err := e.dash.Shutdown(ctx); err != nil {
			e.logger.Warn("dashboard shutdown", slog.Any("error", err))
		}
	}
	for _, r := range e.runners {
		r.Stop()
	}
	if err := e.journal.Close(); err != nil {
		e.logger.Warn("journal close", slog.Any("error", err))
	}
}

// handleEvent is the single funnel every sampler event passes through. It
// runs on the emitting sampler's goroutine.
func (e *Engine) handleEvent(ev event.Event) {
	e.eventsTotal.Add(1)
	e.metrics.events.WithLabelValues(ev.Source).Inc()

	if e.dash != nil {
		e.dash.Broadcaster().PublishEvent(ev)
	}

	for _, alert := range e.catalog.Evaluate(ev) {
		a := alert
		if !e.pipe.Process(e.ctx, &a) {
			continue
		}
		e.alertsTotal.Add(1)
		e.metrics.alerts.WithLabelValues(a.RuleID, a.Severity.String()).Inc()
		if e.dash != nil {
			e.dash.Broadcaster().PublishAlert(a)
		}
	}
}

// DashboardAddr returns the dashboard's bound address, or "" when disabled
// or not yet started.
func (e *Engine) DashboardAddr() string {
	if e.dash == nil {
		return ""
	}
	return e.dash.Addr()
}

// MonitorStatuses reports ON, OFF, or DEGRADED per monitor for the startup
// banner. Call after WaitReady so degraded setups have been detected.
func (e *Engine) MonitorStatuses() map[string]string {
	statuses := make(map[string]string, len(config.MonitorNames))
	for _, name := range config.MonitorNames {
		statuses[name] = "OFF"
	}
	for _, r := range e.runners {
		name := r.Sampler().Name()
		if r.Status() == sampler.StatusDegraded {
			statuses[name] = "DEGRADED"
		} else {
			statuses[name] = "ON"
		}
	}
	return statuses
}

// Snapshot implements dashboard.StateProvider.
func (e *Engine) Snapshot() map[string]any {
	samplers := make(map[string]any, len(e.runners))
	for _, r := range e.runners {
		s := r.Sampler()
		samplers[s.Name()] = map[string]any{
			"status":   r.Status(),
			"interval": int(s.Interval().Seconds()),
			"state":    s.State(),
		}
	}
	return map[string]any{
		"samplers":       samplers,
		"rules_loaded":   e.catalog.Len(),
		"events_total":   e.eventsTotal.Load(),
		"alerts_total":   e.alertsTotal.Load(),
		"uptime_seconds": e.uptimeSeconds(),
	}
}

// SamplerState implements dashboard.StateProvider.
func (e *Engine) SamplerState(name string) (map[string]any, bool) {
	for _, r := range e.runners {
		if r.Sampler().Name() == name {
			return r.Sampler().State(), true
		}
	}
	return nil, false
}

// Stats implements dashboard.StateProvider.
func (e *Engine) Stats() map[string]any {
	stats := map[string]any{
		"events_total":   e.eventsTotal.Load(),
		"alerts_total":   e.alertsTotal.Load(),
		"uptime_seconds": e.uptimeSeconds(),
	}
	if e.dash != nil {
		stats["ws_clients"] = e.dash.Broadcaster().ClientCount()
	}
	if state, ok := e.SamplerState("network"); ok {
		stats["listeners"] = state["total"]
	}
	return stats
}

func (e *Engine) uptimeSeconds() int64 {
	if e.startedAt.IsZero() {
		return 0
	}
	return int64(e.now().Sub(e.startedAt).Seconds())
}
