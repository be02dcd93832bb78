// Package rules implements the declarative rule catalog: loading rules from
// a YAML file, matching them against security events, and creating alerts
// from templated titles and descriptions.
package rules

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/vigil/vigil/internal/event"
)

// Condition is one field test inside a rule: (field, op, value).
// Supported ops: eq, neq, gt, lt, gte, lte, in, contains.
type Condition struct {
	Field string `yaml:"field"`
	Op    string `yaml:"op"`
	Value any    `yaml:"value"`
}

// Rule matches events by exact source and event type plus a conjunction of
// conditions, and formats an alert from its templates when it fires.
type Rule struct {
	ID          string
	Name        string
	Description string
	Severity    event.Severity
	Source      string
	EventType   string
	Conditions  []Condition

	// AlertTitle and AlertDescription are templates with {field}
	// placeholders substituted from the matching event's data.
	AlertTitle       string
	AlertDescription string
}

// Matches reports whether ev satisfies this rule: source and event type must
// match exactly, and every condition must hold. A condition whose field is
// absent from the event data fails the rule; it is never an error.
func (r *Rule) Matches(ev event.Event, warn func(op string)) bool {
	if ev.Source != r.Source || ev.Type != r.EventType {
		return false
	}
	for _, cond := range r.Conditions {
		actual, ok := ev.Get(cond.Field)
		if !ok || actual == nil {
			return false
		}
		if !evalCondition(actual, cond.Op, cond.Value, warn) {
			return false
		}
	}
	return true
}

// evalCondition applies one operator. Unknown operators and type mismatches
// on numeric comparisons are non-matches, never panics.
func evalCondition(actual any, op string, expected any, warn func(op string)) bool {
	switch op {
	case "eq":
		return scalarEqual(actual, expected)
	case "neq":
		return !scalarEqual(actual, expected)
	case "gt", "lt", "gte", "lte":
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		if !aok || !bok {
			return false
		}
		switch op {
		case "gt":
			return a > b
		case "lt":
			return a < b
		case "gte":
			return a >= b
		default:
			return a <= b
		}
	case "in":
		list, ok := expected.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if scalarEqual(actual, item) {
				return true
			}
		}
		return false
	case "contains":
		return strings.Contains(stringify(actual), stringify(expected))
	default:
		if warn != nil {
			warn(op)
		}
		return false
	}
}

// scalarEqual compares two scalars. Numbers compare by value regardless of
// their concrete Go type (YAML gives int, JSON gives float64); everything
// else compares by interface equality.
func scalarEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	return a == b
}

// toFloat converts any numeric scalar to float64. Booleans and strings are
// not numeric.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// placeholderRe matches {field} substitution markers in alert templates.
var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// formatTemplate substitutes {field} placeholders from data. It returns an
// error naming the first missing field.
func formatTemplate(tmpl string, data map[string]any) (string, error) {
	var missing string
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := data[key]
		if !ok {
			if missing == "" {
				missing = key
			}
			return m
		}
		return stringify(v)
	})
	if missing != "" {
		return "", fmt.Errorf("missing field %q", missing)
	}
	return out, nil
}

// NewAlert builds the alert for a matched event, formatting the title and
// description templates. Missing substitution fields never fail: the title
// falls back to "[id] name" and the description to a short note.
func (r *Rule) NewAlert(ev event.Event) event.Alert {
	title, terr := formatTemplate(r.AlertTitle, ev.Data)
	desc, derr := formatTemplate(r.AlertDescription, ev.Data)
	if terr != nil || derr != nil {
		err := terr
		if err == nil {
			err = derr
		}
		title = fmt.Sprintf("[%s] %s", r.ID, r.Name)
		desc = fmt.Sprintf("incomplete event data for alert template: %v", err)
	}
	return event.NewAlert(r.ID, r.Severity, title, desc, ev)
}

// Catalog holds the loaded rules and evaluates events against all of them.
// Evaluate is safe for concurrent use; rules are immutable after Load.
type Catalog struct {
	rules  []Rule
	logger *slog.Logger

	// warned tracks (rule id, op) pairs whose unknown-operator warning has
	// already been logged, so each misconfigured rule warns once.
	warned sync.Map
}

// NewCatalog returns an empty catalog.
func NewCatalog(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{logger: logger}
}

// rawRule is the YAML shape of one rule entry.
type rawRule struct {
	ID               string      `yaml:"id"`
	Name             string      `yaml:"name"`
	Description      string      `yaml:"description"`
	Severity         string      `yaml:"severity"`
	Source           string      `yaml:"source"`
	EventType        string      `yaml:"event_type"`
	Conditions       []Condition `yaml:"conditions"`
	AlertTitle       string      `yaml:"alert_title"`
	AlertDescription string      `yaml:"alert_description"`
}

type rulesFile struct {
	Rules []rawRule `yaml:"rules"`
}

// Load reads the rule file at path and compiles its entries. Individual
// invalid entries (missing required fields, unknown severity) are skipped
// with a warning; only a missing or unparsable file is an error. Returns the
// number of rules loaded.
func (c *Catalog) Load(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("rules: cannot read %q: %w", path, err)
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("rules: cannot parse %q: %w", path, err)
	}
	if file.Rules == nil {
		return 0, fmt.Errorf("rules: %q has no top-level \"rules\" list", path)
	}

	count := 0
	for i, raw := range file.Rules {
		rule, err := compile(raw)
		if err != nil {
			c.logger.Warn("skipping invalid rule",
				slog.Int("index", i),
				slog.String("id", raw.ID),
				slog.Any("error", err),
			)
			continue
		}
		c.rules = append(c.rules, rule)
		count++
	}

	c.logger.Info("rules loaded",
		slog.Int("count", count),
		slog.String("path", path),
	)
	return count, nil
}

// compile validates one raw entry and fills template fallbacks.
func compile(raw rawRule) (Rule, error) {
	switch {
	case raw.ID == "":
		return Rule{}, fmt.Errorf("id is required")
	case raw.Name == "":
		return Rule{}, fmt.Errorf("name is required")
	case raw.Source == "":
		return Rule{}, fmt.Errorf("source is required")
	case raw.EventType == "":
		return Rule{}, fmt.Errorf("event_type is required")
	}

	severity, err := event.ParseSeverity(raw.Severity)
	if err != nil {
		return Rule{}, err
	}

	for _, cond := range raw.Conditions {
		if cond.Field == "" || cond.Op == "" {
			return Rule{}, fmt.Errorf("condition needs field and op")
		}
	}

	title := raw.AlertTitle
	if title == "" {
		title = raw.Name
	}
	desc := raw.AlertDescription
	if desc == "" {
		desc = raw.Description
	}

	return Rule{
		ID:               raw.ID,
		Name:             raw.Name,
		Description:      raw.Description,
		Severity:         severity,
		Source:           raw.Source,
		EventType:        raw.EventType,
		Conditions:       raw.Conditions,
		AlertTitle:       title,
		AlertDescription: desc,
	}, nil
}

// Len returns the number of loaded rules.
func (c *Catalog) Len() int {
	return len(c.rules)
}

// Evaluate matches ev against every rule and returns the alerts produced by
// those that fire.
func (c *Catalog) Evaluate(ev event.Event) []event.Alert {
	var alerts []event.Alert
	for i := range c.rules {
		rule := &c.rules[i]
		warn := func(op string) {
			key := rule.ID + "\x00" + op
			if _, dup := c.warned.LoadOrStore(key, struct{}{}); !dup {
				c.logger.Warn("unknown operator in rule condition",
					slog.String("rule", rule.ID),
					slog.String("op", op),
				)
			}
		}
		if rule.Matches(ev, warn) {
			alert := rule.NewAlert(ev)
			c.logger.Info("rule fired",
				slog.String("rule", rule.ID),
				slog.String("title", alert.Title),
			)
			alerts = append(alerts, alert)
		}
	}
	return alerts
}
