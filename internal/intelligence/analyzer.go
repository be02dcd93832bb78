package intelligence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/vigil/vigil/internal/cache"
	"github.com/vigil/vigil/internal/config"
	"github.com/vigil/vigil/internal/event"
)

// Enrichment cache sizing: answers stay warm for ten minutes, bounded well
// above any plausible burst of distinct alerts.
const (
	cacheTTL     = 600 * time.Second
	cacheMaxSize = 200
)

// Analyzer decides which alerts deserve a model call, builds the prompt, and
// caches the explanations.
type Analyzer struct {
	client      *Client
	cache       *cache.TTL
	minSeverity event.Severity
	logger      *slog.Logger
}

// NewAnalyzer creates an analyzer with its own client and enrichment cache.
func NewAnalyzer(cfg config.OllamaConfig, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		client:      NewClient(cfg, logger),
		cache:       cache.New(cacheTTL, cacheMaxSize),
		minSeverity: cfg.MinSeverityLevel(),
		logger:      logger,
	}
}

// Client returns the underlying Ollama client, for startup probing.
func (a *Analyzer) Client() *Client {
	return a.client
}

// Analyze returns an explanation for alert, or "" when the alert does not
// merit one: severity below the configured minimum, endpoint unavailable, or
// an answer already cached. Failures never propagate; an un-enriched alert is
// a perfectly good alert.
func (a *Analyzer) Analyze(ctx context.Context, alert event.Alert) string {
	if !a.shouldAnalyze(alert) {
		return ""
	}

	response, err := a.client.Generate(ctx, a.buildPrompt(alert))
	if err != nil {
		a.logger.Warn("alert enrichment failed",
			slog.String("rule", alert.RuleID),
			slog.Any("error", err),
		)
		return ""
	}
	if response != "" {
		a.cache.Set(CacheKey(alert), response)
		a.logger.Debug("llm explanation obtained",
			slog.String("rule", alert.RuleID),
			slog.Int("chars", len(response)),
		)
	}
	return response
}

func (a *Analyzer) shouldAnalyze(alert event.Alert) bool {
	if alert.Severity < a.minSeverity {
		return false
	}
	if a.client.Availability() == Unavailable {
		return false
	}
	if _, cached := a.cache.Get(CacheKey(alert)); cached {
		return false
	}
	return true
}

// CacheKey derives the enrichment cache key from the rule id and the sorted
// event data pairs.
func CacheKey(alert event.Alert) string {
	parts := []string{alert.RuleID}
	keys := make([]string, 0, len(alert.Event.Data))
	for k := range alert.Event.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%v", k, alert.Event.Data[k]))
	}
	return strings.Join(parts, "|")
}

// buildPrompt renders the analyst prompt: the alert with its event data and
// an instruction to explain it in Spanish, concisely, with a recommendation.
func (a *Analyzer) buildPrompt(alert event.Alert) string {
	var lines []string
	keys := make([]string, 0, len(alert.Event.Data))
	for k := range alert.Event.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("  - %s: %v", k, alert.Event.Data[k]))
	}

	return fmt.Sprintf(`Eres un analista de seguridad explicando alertas de un IDS personal.

Alerta detectada:
- Regla: %s
- Severidad: %s
- Título: %s
- Descripción: %s
- Datos del evento:
%s

Explica en español en 2-3 oraciones:
1. Qué significa esta alerta para un usuario normal
2. Si es probablemente benigno o preocupante
3. Qué acción recomiendas (si alguna)

Sé conciso y directo.`,
		alert.RuleID, alert.Severity, alert.Title, alert.Description,
		strings.Join(lines, "\n"))
}
