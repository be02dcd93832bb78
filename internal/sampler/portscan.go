package sampler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vigil/vigil/internal/event"
)

// Defaults for the port-scan sliding window.
const (
	DefaultScanThreshold = 10
	DefaultScanWindow    = 120 * time.Second
)

// localRemotes are remote addresses that never count toward a scan.
var localRemotes = map[string]bool{
	"127.0.0.1": true,
	"::1":       true,
	"0.0.0.0":   true,
}

type portHit struct {
	ts   time.Time
	port int
}

// PortScan detects port scans from established TCP connections. Per remote
// IP it keeps a sliding window of timestamped local-port hits; when the count
// of distinct ports inside the window exceeds the threshold it emits a single
// port_scan_detected event. The IP stays latched in an alerted set and
// re-arms only once its window empties.
type PortScan struct {
	interval  time.Duration
	threshold int
	window    time.Duration
	probe     NetProbe
	logger    *slog.Logger

	mu      sync.Mutex
	hits    map[string][]portHit
	alerted map[string]bool

	// now is swappable in tests.
	now func() time.Time
}

// NewPortScan creates the port-scan sampler. threshold <= 0 and window <= 0
// fall back to the defaults.
func NewPortScan(interval time.Duration, probe NetProbe, threshold int, window time.Duration, logger *slog.Logger) *PortScan {
	if logger == nil {
		logger = slog.Default()
	}
	if threshold <= 0 {
		threshold = DefaultScanThreshold
	}
	if window <= 0 {
		window = DefaultScanWindow
	}
	return &PortScan{
		interval:  interval,
		threshold: threshold,
		window:    window,
		probe:     probe,
		logger:    logger,
		hits:      make(map[string][]portHit),
		alerted:   make(map[string]bool),
		now:       time.Now,
	}
}

func (s *PortScan) Name() string                    { return "portscan" }
func (s *PortScan) Interval() time.Duration         { return s.interval }
func (s *PortScan) Setup(ctx context.Context) error { return nil }
func (s *PortScan) Stop()                           {}

// Poll records current established connections, evicts window-expired hits,
// and emits at most one event per newly over-threshold remote IP.
func (s *PortScan) Poll(ctx context.Context) ([]event.Event, error) {
	conns, err := s.probe.Established(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	for _, c := range conns {
		if localRemotes[c.RemoteIP] {
			continue
		}
		s.hits[c.RemoteIP] = append(s.hits[c.RemoteIP], portHit{ts: now, port: c.LocalPort})
	}

	var events []event.Event
	for ip, entries := range s.hits {
		live := entries[:0]
		for _, h := range entries {
			if now.Sub(h.ts) <= s.window {
				live = append(live, h)
			}
		}
		if len(live) == 0 {
			delete(s.hits, ip)
			delete(s.alerted, ip) // window empty: re-arm
			continue
		}
		s.hits[ip] = live

		ports := make(map[int]bool, len(live))
		for _, h := range live {
			ports[h.port] = true
		}

		if len(ports) > s.threshold && !s.alerted[ip] {
			s.alerted[ip] = true
			events = append(events, event.New("portscan", "port_scan_detected", map[string]any{
				"remote_ip":      ip,
				"unique_ports":   len(ports),
				"window_seconds": int(s.window.Seconds()),
				"sample_ports":   samplePorts(ports, 20),
			}))
		}
	}

	return events, nil
}

// State reports the tracked and latched remote IPs for the dashboard.
func (s *PortScan) State() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"tracked_ips":    len(s.hits),
		"alerted_ips":    len(s.alerted),
		"threshold":      s.threshold,
		"window_seconds": int(s.window.Seconds()),
	}
}

// samplePorts returns up to max distinct ports in ascending order.
func samplePorts(ports map[int]bool, max int) []int {
	sorted := make([]int, 0, len(ports))
	for p := range ports {
		sorted = append(sorted, p)
	}
	sort.Ints(sorted)
	if len(sorted) > max {
		sorted = sorted[:max]
	}
	return sorted
}
