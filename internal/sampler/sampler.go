// Package sampler contains the polling samplers that observe host state and
// emit security events: network listeners, port scans, the OS event log,
// running processes, and filesystem changes. Each sampler owns its own state;
// samplers communicate only through the events they emit.
package sampler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vigil/vigil/internal/event"
)

// Sampler is one periodic observer. Setup runs once before the first poll
// (capturing a baseline so pre-existing state never alerts); Poll returns the
// events observed since the previous tick; State returns a snapshot for the
// dashboard; Stop releases any resources held since Setup.
type Sampler interface {
	Name() string
	Interval() time.Duration
	Setup(ctx context.Context) error
	Poll(ctx context.Context) ([]event.Event, error)
	State() map[string]any
	Stop()
}

// Degradable is implemented by samplers that can run with reduced visibility
// (for example the event log sampler without elevated privileges).
type Degradable interface {
	Degraded() bool
}

// Sampler status strings as shown on the dashboard.
const (
	StatusRunning  = "running"
	StatusStopped  = "stopped"
	StatusDegraded = "DEGRADED"
)

// Runner drives one sampler's poll loop on its own goroutine:
// Setup → repeat { Poll → deliver each event in order → wait interval }.
// Poll errors are logged and the next tick proceeds normally; nothing in the
// loop is fatal.
//
// It is safe for concurrent use: Start and Stop may be called from different
// goroutines, and Status may be read while the loop runs.
type Runner struct {
	sampler Sampler
	handler func(event.Event)
	logger  *slog.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	// ready is closed once Setup has completed, so tests can synchronize
	// with the baseline capture before mutating probe state.
	ready chan struct{}

	stopOnce sync.Once
}

// NewRunner wraps s. handler receives every emitted event, in emission order,
// on the runner's goroutine.
func NewRunner(s Sampler, handler func(event.Event), logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		sampler: s,
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
		ready:   make(chan struct{}),
	}
}

// Start launches the poll loop. Calling Start twice is a no-op.
func (r *Runner) Start(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.run(ctx)
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)
	defer r.running.Store(false)

	if err := r.sampler.Setup(ctx); err != nil {
		// A failed setup leaves the sampler with an empty baseline; it keeps
		// polling and recovers whatever visibility it can.
		r.logger.Warn("sampler setup failed",
			slog.String("sampler", r.sampler.Name()),
			slog.Any("error", err),
		)
	}
	close(r.ready)

	r.logger.Info("sampler started",
		slog.String("sampler", r.sampler.Name()),
		slog.Duration("interval", r.sampler.Interval()),
	)

	ticker := time.NewTicker(r.sampler.Interval())
	defer ticker.Stop()

	for {
		events, err := r.sampler.Poll(ctx)
		if err != nil {
			r.logger.Error("sampler poll failed",
				slog.String("sampler", r.sampler.Name()),
				slog.Any("error", err),
			)
		}
		for _, ev := range events {
			r.handler(ev)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Ready returns a channel closed once Setup has completed.
func (r *Runner) Ready() <-chan struct{} {
	return r.ready
}

// Stop cancels the loop, waits for the in-flight tick to finish, and invokes
// the sampler's stop hook. Safe to call multiple times.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
			<-r.done
		}
		r.sampler.Stop()
		r.logger.Info("sampler stopped", slog.String("sampler", r.sampler.Name()))
	})
}

// Status reports running, stopped, or DEGRADED for the dashboard.
func (r *Runner) Status() string {
	if !r.running.Load() {
		return StatusStopped
	}
	if d, ok := r.sampler.(Degradable); ok && d.Degraded() {
		return StatusDegraded
	}
	return StatusRunning
}

// Sampler returns the wrapped sampler, for state and interval queries.
func (r *Runner) Sampler() Sampler {
	return r.sampler
}
