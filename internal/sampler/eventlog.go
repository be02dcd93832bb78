package sampler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/vigil/vigil/internal/event"
)

// logChannels maps each watched log channel to its interesting record ids and
// the event type each id produces.
var logChannels = map[string]map[int]string{
	"Security": {
		4625: "failed_login",
		7045: "service_installed",
	},
	"Microsoft-Windows-Windows Defender/Operational": {
		5001: "defender_disabled",
	},
	"Microsoft-Windows-PowerShell/Operational": {
		4104: "powershell_script_block",
	},
}

// safeChannels are readable without elevated privileges.
var safeChannels = map[string]bool{
	"Microsoft-Windows-Windows Defender/Operational": true,
	"Microsoft-Windows-PowerShell/Operational":       true,
}

// EventLog reads OS event log channels for compromise indicators. Each
// channel carries a monotonic bookmark initialized at Setup so historical
// records never alert. Without privilege the channel set is reduced to the
// safe subset and the sampler reports DEGRADED.
type EventLog struct {
	interval   time.Duration
	probe      LogProbe
	privileged bool
	logger     *slog.Logger

	mu        sync.Mutex
	bookmarks map[string]uint64
	degraded  bool
}

// NewEventLog creates the event log sampler. privileged widens the channel
// set to those requiring elevation.
func NewEventLog(interval time.Duration, probe LogProbe, privileged bool, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{
		interval:   interval,
		probe:      probe,
		privileged: privileged,
		logger:     logger,
		bookmarks:  make(map[string]uint64),
	}
}

func (e *EventLog) Name() string            { return "eventlog" }
func (e *EventLog) Interval() time.Duration { return e.interval }
func (e *EventLog) Stop()                   {}

// Degraded reports whether the sampler is running with a reduced channel set.
func (e *EventLog) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded
}

// Setup marks the current position in each accessible channel. An unreadable
// channel is skipped, not fatal.
func (e *EventLog) Setup(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for channel := range logChannels {
		if !e.privileged && !safeChannels[channel] {
			e.degraded = true
			continue
		}
		latest, err := e.probe.Latest(ctx, channel)
		if err != nil {
			e.logger.Debug("event log channel not accessible",
				slog.String("channel", channel),
				slog.Any("error", err),
			)
			continue
		}
		e.bookmarks[channel] = latest
	}

	e.logger.Info("event log channels bookmarked",
		slog.Int("channels", len(e.bookmarks)),
		slog.Bool("degraded", e.degraded),
	)
	return nil
}

// Poll reads records above each channel's bookmark and emits events for the
// interesting record ids. Per-channel read errors are tolerated.
func (e *EventLog) Poll(ctx context.Context) ([]event.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var events []event.Event
	for channel, bookmark := range e.bookmarks {
		records, err := e.probe.ReadSince(ctx, channel, bookmark)
		if err != nil {
			e.logger.Debug("event log read failed",
				slog.String("channel", channel),
				slog.Any("error", err),
			)
			continue
		}

		interest := logChannels[channel]
		max := bookmark
		for _, rec := range records {
			if rec.RecordID <= bookmark {
				continue
			}
			if rec.RecordID > max {
				max = rec.RecordID
			}
			eventType, ok := interest[rec.EventID]
			if !ok {
				continue
			}
			events = append(events, event.New("eventlog", eventType, extractRecord(rec, channel)))
		}
		e.bookmarks[channel] = max
	}

	return events, nil
}

// State reports the bookmarked channels for the dashboard.
func (e *EventLog) State() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()

	channels := make([]string, 0, len(e.bookmarks))
	for channel := range e.bookmarks {
		channels = append(channels, channel)
	}
	sort.Strings(channels)

	return map[string]any{
		"channels": channels,
		"degraded": e.degraded,
	}
}

// extractRecord maps a raw record to event data using the positional string
// layout documented per record id.
func extractRecord(rec LogRecord, channel string) map[string]any {
	data := map[string]any{
		"event_id":       rec.EventID,
		"channel":        channel,
		"time_generated": rec.TimeCreated,
	}

	switch rec.EventID {
	case 4625: // failed login
		data["target_user"] = stringAt(rec.Strings, 5, "unknown")
		data["workstation"] = stringAt(rec.Strings, 13, "unknown")
		data["ip_address"] = stringAt(rec.Strings, 19, "unknown")
		data["logon_type"] = stringAt(rec.Strings, 10, "unknown")
	case 7045: // service installed
		data["service_name"] = stringAt(rec.Strings, 0, "unknown")
		data["service_path"] = stringAt(rec.Strings, 1, "unknown")
		data["service_type"] = stringAt(rec.Strings, 2, "unknown")
		data["service_start"] = stringAt(rec.Strings, 3, "unknown")
	case 5001: // real-time protection disabled
		data["component"] = stringAt(rec.Strings, 0, "Real-time Protection")
	case 4104: // script block logging
		data["script_block"] = truncateRunes(stringAt(rec.Strings, 2, ""), 500)
		data["script_path"] = stringAt(rec.Strings, 4, "")
	}

	return data
}

// truncateRunes caps s at max runes, never splitting a multi-byte sequence.
func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

func stringAt(s []string, i int, def string) string {
	if i < len(s) && s[i] != "" {
		return s[i]
	}
	return def
}
