package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vigil/vigil/internal/config"
	"github.com/vigil/vigil/internal/event"
)

// Enricher produces an optional explanation for an alert. An empty string
// means no explanation; enrichment never fails the alert.
type Enricher interface {
	Analyze(ctx context.Context, alert event.Alert) string
}

// Pipeline runs each alert through dedup → throttle → enrich → journal →
// toast. Process reports whether the alert reached the journal stage;
// journal write failures are logged but still count as emitted.
//
// It is safe for concurrent use: alerts fired by different samplers
// interleave, and the dedup/throttle maps are mutex-guarded.
type Pipeline struct {
	cfg      config.AlertConfig
	journal  *Journal
	enricher Enricher // nil disables enrichment
	notifier Notifier // nil disables toasts
	logger   *slog.Logger

	mu       sync.Mutex
	seen     map[string]time.Time // fingerprint → last seen
	lastEmit map[string]time.Time // rule id → last emit

	// now is swappable in tests.
	now func() time.Time
}

// New creates the pipeline. enricher and notifier may be nil.
func New(cfg config.AlertConfig, journal *Journal, enricher Enricher, notifier Notifier, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:      cfg,
		journal:  journal,
		enricher: enricher,
		notifier: notifier,
		logger:   logger,
		seen:     make(map[string]time.Time),
		lastEmit: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Fingerprint derives the dedup key from the rule id and the sorted event
// data pairs.
func Fingerprint(alert event.Alert) string {
	parts := []string{alert.RuleID}
	keys := make([]string, 0, len(alert.Event.Data))
	for k := range alert.Event.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, alert.Event.Data[k]))
	}
	return strings.Join(parts, "|")
}

// Process runs alert through the full pipeline. The stages happen in order
// for this alert with no interleaving; the return value is true iff the
// alert reached the journal stage.
func (p *Pipeline) Process(ctx context.Context, alert *event.Alert) bool {
	if p.isDuplicate(*alert) {
		p.logger.Debug("duplicate alert dropped", slog.String("rule", alert.RuleID))
		return false
	}
	if p.isThrottled(*alert) {
		p.logger.Debug("alert throttled", slog.String("rule", alert.RuleID))
		return false
	}

	if p.enricher != nil {
		if explanation := p.enricher.Analyze(ctx, *alert); explanation != "" {
			alert.LLMExplanation = &explanation
		}
	}

	if err := p.journal.Write(*alert); err != nil {
		// The alert still flows to the remaining stages.
		p.logger.Error("journal write failed", slog.Any("error", err))
	}

	if p.cfg.ToastEnabled && p.notifier != nil {
		if err := p.notifier.Notify(ctx, *alert); err != nil {
			p.logger.Warn("toast failed", slog.Any("error", err))
		}
	}

	p.logger.Info("alert emitted",
		slog.String("severity", alert.Severity.String()),
		slog.String("rule", alert.RuleID),
		slog.String("title", alert.Title),
	)
	return true
}

// isDuplicate sweeps expired fingerprints and reports whether alert's
// fingerprint is still live, recording it if not.
func (p *Pipeline) isDuplicate(alert event.Alert) bool {
	key := Fingerprint(alert)
	window := time.Duration(p.cfg.DedupWindow) * time.Second

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()

	for k, t := range p.seen {
		if now.Sub(t) > window {
			delete(p.seen, k)
		}
	}
	if _, live := p.seen[key]; live {
		return true
	}
	p.seen[key] = now
	return false
}

// isThrottled enforces the per-rule emission floor, recording the emit time
// when the alert passes.
func (p *Pipeline) isThrottled(alert event.Alert) bool {
	floor := time.Duration(p.cfg.ThrottlePerRule) * time.Second

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()

	if last, ok := p.lastEmit[alert.RuleID]; ok && now.Sub(last) < floor {
		return true
	}
	p.lastEmit[alert.RuleID] = now
	return false
}
