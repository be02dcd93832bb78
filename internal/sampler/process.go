package sampler

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vigil/vigil/internal/event"
)

// suspiciousNames are process names associated with common offensive and
// post-exploitation tooling, matched case-insensitively.
var suspiciousNames = map[string]bool{
	"nc": true, "nc.exe": true,
	"ncat": true, "ncat.exe": true,
	"netcat": true, "netcat.exe": true,
	"mimikatz.exe": true, "mimi.exe": true, "mimi32.exe": true, "mimi64.exe": true,
	"psexec.exe": true, "psexec64.exe": true,
	"procdump.exe": true, "procdump64.exe": true,
	"lazagne.exe":    true,
	"bloodhound.exe": true, "sharphound.exe": true,
	"rubeus.exe": true, "certify.exe": true,
	"chisel": true, "chisel.exe": true,
	"plink": true, "plink.exe": true,
	"cobaltstrike.exe": true, "beacon.exe": true,
	"powershell_ise.exe": true,
	"wce.exe":            true,
	"pwdump.exe":         true, "fgdump.exe": true,
	"keylogger.exe": true,
}

// tempIndicators are path fragments that mark execution from a temporary
// location, compared against the lowercased executable path.
var tempIndicators = []string{
	"\\temp\\",
	"\\tmp\\",
	"\\appdata\\local\\temp\\",
	"\\windows\\temp\\",
	"$recycle.bin",
	"/tmp/",
	"/var/tmp/",
	"/dev/shm/",
}

// Process watches running processes for suspicious names and executables
// running from temporary paths. Processes present at Setup never alert; a pid
// alerts at most once while it lives.
type Process struct {
	interval time.Duration
	probe    ProcProbe
	logger   *slog.Logger

	trusted map[string]bool // lowercased names

	mu       sync.Mutex
	baseline map[string]bool // lowercased names seen at setup
	alerted  map[int32]bool  // pids already alerted (GC'd against live pids)
}

// NewProcess creates the process sampler.
func NewProcess(interval time.Duration, probe ProcProbe, trusted []string, logger *slog.Logger) *Process {
	if logger == nil {
		logger = slog.Default()
	}
	trustedSet := make(map[string]bool, len(trusted))
	for _, name := range trusted {
		trustedSet[strings.ToLower(name)] = true
	}
	return &Process{
		interval: interval,
		probe:    probe,
		logger:   logger,
		trusted:  trustedSet,
		baseline: make(map[string]bool),
		alerted:  make(map[int32]bool),
	}
}

func (p *Process) Name() string            { return "process" }
func (p *Process) Interval() time.Duration { return p.interval }
func (p *Process) Stop()                   {}

// Setup captures the baseline name set and pre-latches pids that would
// already trigger, so state present at startup never alerts.
func (p *Process) Setup(ctx context.Context) error {
	procs, err := p.probe.Processes(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, proc := range procs {
		p.baseline[strings.ToLower(proc.Name)] = true
		if reason := p.classify(proc); reason != "" {
			p.alerted[proc.PID] = true
		}
	}
	p.logger.Info("process baseline captured", slog.Int("processes", len(p.baseline)))
	return nil
}

// Poll emits suspicious_process and process_from_temp events for new
// offenders and garbage-collects the alerted-pid set against live pids.
func (p *Process) Poll(ctx context.Context) ([]event.Event, error) {
	procs, err := p.probe.Processes(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var events []event.Event
	live := make(map[int32]bool, len(procs))
	for _, proc := range procs {
		live[proc.PID] = true

		if p.alerted[proc.PID] || p.trusted[strings.ToLower(proc.Name)] {
			continue
		}

		switch p.classify(proc) {
		case "suspicious_name":
			p.alerted[proc.PID] = true
			events = append(events, event.New("process", "suspicious_process", map[string]any{
				"process": proc.Name,
				"pid":     int(proc.PID),
				"reason":  "suspicious_name",
			}))
		case "temp_path":
			p.alerted[proc.PID] = true
			events = append(events, event.New("process", "process_from_temp", map[string]any{
				"process": proc.Name,
				"pid":     int(proc.PID),
				"path":    proc.Exe,
				"reason":  "temp_path",
			}))
		}
	}

	// Drop alerted pids that no longer exist so a reused pid can alert again.
	for pid := range p.alerted {
		if !live[pid] {
			delete(p.alerted, pid)
		}
	}

	return events, nil
}

// State reports baseline and latch sizes for the dashboard.
func (p *Process) State() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"baseline_processes": len(p.baseline),
		"alerted_pids":       len(p.alerted),
	}
}

// classify returns the reason a process would alert, or "".
func (p *Process) classify(proc ProcInfo) string {
	if suspiciousNames[strings.ToLower(proc.Name)] {
		return "suspicious_name"
	}
	if proc.Exe != "" && isTempPath(proc.Exe) {
		return "temp_path"
	}
	return ""
}

func isTempPath(path string) bool {
	lower := strings.ToLower(path)
	for _, indicator := range tempIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}
