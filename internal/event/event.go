// Package event defines the core records that flow through Vigil: the
// SecurityEvent emitted by samplers and the Alert produced when a rule fires.
// Both are immutable once created, with the single exception that an Alert's
// LLM explanation may be attached once during enrichment.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity is the totally ordered alert severity level. The zero value is
// invalid; use ParseSeverity or the exported constants.
type Severity int

const (
	// SeverityLow is informational: worth recording, rarely worth acting on.
	SeverityLow Severity = iota + 1
	// SeverityMedium indicates activity that deserves a look.
	SeverityMedium
	// SeverityHigh indicates likely hostile or misconfigured activity.
	SeverityHigh
	// SeverityCritical indicates an active compromise indicator.
	SeverityCritical
)

// severityNames maps each Severity to its symbolic name, which is the only
// form ever persisted or sent over the wire.
var severityNames = map[Severity]string{
	SeverityLow:      "LOW",
	SeverityMedium:   "MEDIUM",
	SeverityHigh:     "HIGH",
	SeverityCritical: "CRITICAL",
}

// String returns the symbolic name ("LOW" … "CRITICAL").
func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// ParseSeverity converts a symbolic name (case-insensitive) into a Severity.
func ParseSeverity(name string) (Severity, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for s, n := range severityNames {
		if n == upper {
			return s, nil
		}
	}
	return 0, fmt.Errorf("event: unknown severity %q (must be one of: LOW, MEDIUM, HIGH, CRITICAL)", name)
}

// MarshalJSON implements json.Marshaler; severities serialize as their name.
func (s Severity) MarshalJSON() ([]byte, error) {
	name, ok := severityNames[s]
	if !ok {
		return nil, fmt.Errorf("event: cannot marshal invalid severity %d", int(s))
	}
	return json.Marshal(name)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("event: severity must be a JSON string: %w", err)
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Event is a single observation emitted by a sampler. Data is an open bag of
// rule-addressable scalar fields (string, bool, int, float); its keys are the
// field names that rule conditions reference.
type Event struct {
	Source    string         `json:"source"`
	Type      string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	ID        string         `json:"event_id"`
}

// New creates an Event stamped with the current time and a fresh 12-hex-char
// id.
func New(source, eventType string, data map[string]any) Event {
	return Event{
		Source:    source,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
		ID:        NewID(),
	}
}

// Get returns the data field named key, reporting whether it is present.
func (e Event) Get(key string) (any, bool) {
	v, ok := e.Data[key]
	return v, ok
}

// NewID returns a fresh 12-hex-character identifier, short enough to read in
// a log line yet unique enough for a single host's lifetime of alerts.
func NewID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return raw[:12]
}

// Alert is a rule-fired notification. LLMExplanation is nil until (and
// unless) the enricher attaches one; it is set at most once.
type Alert struct {
	ID             string    `json:"alert_id"`
	RuleID         string    `json:"rule_id"`
	Severity       Severity  `json:"severity"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	LLMExplanation *string   `json:"llm_explanation"`
	Timestamp      time.Time `json:"timestamp"`
	Event          Event     `json:"event"`
}

// NewAlert creates an Alert for ev with a fresh id and the current time.
func NewAlert(ruleID string, severity Severity, title, description string, ev Event) Alert {
	return Alert{
		ID:          NewID(),
		RuleID:      ruleID,
		Severity:    severity,
		Title:       title,
		Description: description,
		Timestamp:   time.Now(),
		Event:       ev,
	}
}
