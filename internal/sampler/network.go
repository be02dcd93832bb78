package sampler

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vigil/vigil/internal/event"
)

// ephemeralPortStart is the bottom of the OS-assigned dynamic port range.
// Listeners there are short-lived client sockets, not services.
const ephemeralPortStart = 49152

type listenerKey struct {
	proto string
	port  int
	pid   int32
}

// Network watches for new listening sockets. Setup captures a baseline of
// (proto, port, pid) keys without emission; each tick emits new_listener for
// keys not seen before. Ephemeral ports (≥49152) and an explicit ignore set
// are absorbed into the baseline silently.
type Network struct {
	interval time.Duration
	probe    NetProbe
	procs    ProcProbe
	logger   *slog.Logger

	trusted map[string]bool // lowercased process names
	ignored map[int]bool    // ports absorbed without emission

	mu    sync.Mutex
	known map[listenerKey]Listener
	names map[int32]string // pid → process name cache
}

// NewNetwork creates the listening-socket sampler. trusted is matched
// case-insensitively against resolved process names; ignored ports never
// emit.
func NewNetwork(interval time.Duration, probe NetProbe, procs ProcProbe, trusted []string, ignored []int, logger *slog.Logger) *Network {
	if logger == nil {
		logger = slog.Default()
	}
	trustedSet := make(map[string]bool, len(trusted))
	for _, name := range trusted {
		trustedSet[strings.ToLower(name)] = true
	}
	ignoredSet := make(map[int]bool, len(ignored))
	for _, port := range ignored {
		ignoredSet[port] = true
	}
	return &Network{
		interval: interval,
		probe:    probe,
		procs:    procs,
		logger:   logger,
		trusted:  trustedSet,
		ignored:  ignoredSet,
		known:    make(map[listenerKey]Listener),
		names:    make(map[int32]string),
	}
}

func (n *Network) Name() string            { return "network" }
func (n *Network) Interval() time.Duration { return n.interval }
func (n *Network) Stop()                   {}

// Setup captures the baseline listener set so nothing already listening at
// startup alerts.
func (n *Network) Setup(ctx context.Context) error {
	listeners, err := n.probe.Listeners(ctx)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, l := range listeners {
		n.known[keyOf(l)] = l
	}
	n.refreshNamesLocked(ctx)
	n.logger.Info("listener baseline captured", slog.Int("listeners", len(n.known)))
	return nil
}

// Poll diffs the current listener set against the previous one and emits
// new_listener for each genuinely new key.
func (n *Network) Poll(ctx context.Context) ([]event.Event, error) {
	listeners, err := n.probe.Listeners(ctx)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.refreshNamesLocked(ctx)

	var events []event.Event
	current := make(map[listenerKey]Listener, len(listeners))
	for _, l := range listeners {
		key := keyOf(l)
		current[key] = l
		if _, seen := n.known[key]; seen {
			continue
		}
		if n.ignored[l.LocalPort] || l.LocalPort >= ephemeralPortStart {
			continue
		}

		process := n.processName(l.PID)
		events = append(events, event.New("network", "new_listener", map[string]any{
			"proto":      l.Proto,
			"local_addr": l.LocalAddr,
			"local_port": l.LocalPort,
			"pid":        int(l.PID),
			"process":    process,
			"state":      "LISTENING",
			"trusted":    n.trusted[strings.ToLower(process)],
		}))
	}
	n.known = current

	return events, nil
}

// State returns the full current listener list, sorted by port, for the
// dashboard.
func (n *Network) State() map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()

	listeners := make([]map[string]any, 0, len(n.known))
	for key, l := range n.known {
		process := n.processName(key.pid)
		listeners = append(listeners, map[string]any{
			"proto":      l.Proto,
			"local_port": l.LocalPort,
			"pid":        int(l.PID),
			"process":    process,
			"trusted":    n.trusted[strings.ToLower(process)],
		})
	}
	sort.Slice(listeners, func(i, j int) bool {
		return listeners[i]["local_port"].(int) < listeners[j]["local_port"].(int)
	})

	return map[string]any{
		"listeners": listeners,
		"total":     len(listeners),
	}
}

// refreshNamesLocked rebuilds the pid→name cache. A probe failure keeps the
// previous cache. Caller holds mu.
func (n *Network) refreshNamesLocked(ctx context.Context) {
	procs, err := n.procs.Processes(ctx)
	if err != nil {
		n.logger.Debug("pid cache refresh failed", slog.Any("error", err))
		return
	}
	names := make(map[int32]string, len(procs))
	for _, p := range procs {
		names[p.PID] = p.Name
	}
	n.names = names
}

// processName resolves a pid through the cache. Caller holds mu.
func (n *Network) processName(pid int32) string {
	if name, ok := n.names[pid]; ok {
		return name
	}
	return "unknown"
}

func keyOf(l Listener) listenerKey {
	return listenerKey{proto: l.Proto, port: l.LocalPort, pid: l.PID}
}
