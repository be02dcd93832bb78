package sampler

import (
	"context"
	"testing"
	"time"
)

func newTestProcess(t *testing.T, probe *fakeProcProbe, trusted []string) *Process {
	t.Helper()
	p := NewProcess(time.Second, probe, trusted, testLogger())
	if err := p.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return p
}

// A suspicious process already running at setup never alerts.
func TestProcessBaselineSilence(t *testing.T) {
	probe := &fakeProcProbe{}
	probe.setProcs(
		ProcInfo{PID: 1, Name: "systemd"},
		ProcInfo{PID: 50, Name: "nc"},
	)
	p := newTestProcess(t, probe, nil)

	events, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("baseline processes emitted %d events", len(events))
	}
}

func TestProcessSuspiciousNameAlertsOnce(t *testing.T) {
	probe := &fakeProcProbe{}
	probe.setProcs(ProcInfo{PID: 1, Name: "systemd"})
	p := newTestProcess(t, probe, nil)

	probe.setProcs(
		ProcInfo{PID: 1, Name: "systemd"},
		ProcInfo{PID: 666, Name: "Mimikatz.exe"},
	)

	events, _ := p.Poll(context.Background())
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Source != "process" || ev.Type != "suspicious_process" {
		t.Errorf("event = %s/%s", ev.Source, ev.Type)
	}
	if ev.Data["process"] != "Mimikatz.exe" || ev.Data["pid"] != 666 || ev.Data["reason"] != "suspicious_name" {
		t.Errorf("data = %v", ev.Data)
	}

	// Same pid on the next tick: latched, no duplicate.
	if events, _ := p.Poll(context.Background()); len(events) != 0 {
		t.Fatalf("latched pid emitted %d events", len(events))
	}
}

func TestProcessTempPath(t *testing.T) {
	probe := &fakeProcProbe{}
	p := newTestProcess(t, probe, nil)

	probe.setProcs(ProcInfo{PID: 42, Name: "updater", Exe: "/tmp/updater"})
	events, _ := p.Poll(context.Background())
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != "process_from_temp" || ev.Data["path"] != "/tmp/updater" || ev.Data["reason"] != "temp_path" {
		t.Errorf("event = %+v", ev)
	}
}

func TestProcessWindowsTempPath(t *testing.T) {
	probe := &fakeProcProbe{}
	p := newTestProcess(t, probe, nil)

	probe.setProcs(ProcInfo{PID: 43, Name: "loader.exe", Exe: `C:\Users\x\AppData\Local\Temp\loader.exe`})
	events, _ := p.Poll(context.Background())
	if len(events) != 1 || events[0].Type != "process_from_temp" {
		t.Fatalf("events = %+v", events)
	}
}

func TestProcessTrustedSkipped(t *testing.T) {
	probe := &fakeProcProbe{}
	p := newTestProcess(t, probe, []string{"nc"})

	probe.setProcs(ProcInfo{PID: 7, Name: "NC"})
	if events, _ := p.Poll(context.Background()); len(events) != 0 {
		t.Fatal("trusted process alerted")
	}
}

// A dead pid leaves the latch; its reuse by a new offender alerts again.
func TestProcessAlertedPidGC(t *testing.T) {
	probe := &fakeProcProbe{}
	p := newTestProcess(t, probe, nil)

	probe.setProcs(ProcInfo{PID: 9, Name: "ncat"})
	if events, _ := p.Poll(context.Background()); len(events) != 1 {
		t.Fatal("first offender did not alert")
	}

	probe.setProcs() // pid 9 exits
	p.Poll(context.Background())

	probe.setProcs(ProcInfo{PID: 9, Name: "ncat"})
	if events, _ := p.Poll(context.Background()); len(events) != 1 {
		t.Fatal("reused pid did not alert after GC")
	}
}
