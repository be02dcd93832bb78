// Package dashboard serves the live web dashboard: an embedded index page, a
// WebSocket stream with a snapshot+delta protocol, and a small JSON API. The
// engine is consumed through the narrow StateProvider interface; this package
// never reaches back into engine types.
package dashboard

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/vigil/vigil/internal/event"
)

// StateProvider is the dashboard's window into the running engine.
type StateProvider interface {
	// Snapshot returns the full dashboard state: per-sampler status and
	// state, plus global counters.
	Snapshot() map[string]any
	// SamplerState returns one sampler's state, reporting whether the
	// sampler exists.
	SamplerState(name string) (map[string]any, bool)
	// Stats returns the periodic counters (events_total, alerts_total,
	// uptime_seconds).
	Stats() map[string]any
}

// Ring and buffer sizing for the stream.
const (
	maxRecentEvents = 100
	maxRecentAlerts = 50
	clientBufSize   = 64
)

// Message is the typed envelope for every server→client frame.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Client is one connected WebSocket client with its own bounded outgoing
// channel. A client that cannot keep up is dropped rather than allowed to
// backpressure the engine.
type Client struct {
	id string

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns the channel of JSON frames to write to this client. It is
// closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// enqueue offers raw to the client without blocking. It reports false when
// the buffer is full or the client is already closed; the reader goroutine's
// pong path races with unregistration, so the closed check and the send share
// one lock.
func (c *Client) enqueue(raw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- raw:
		return true
	default:
		return false
	}
}

// close closes the send channel exactly once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Broadcaster fans events, alerts, and stats out to every connected client
// and keeps the recent-history rings served in the connect snapshot. One
// mutex guards the rings and the client set together, so a connect snapshot
// and the delta stream are gap-free: every published message lands either in
// the client's snapshot or on its channel, never in neither.
type Broadcaster struct {
	state  StateProvider
	logger *slog.Logger

	mu           sync.Mutex
	clients      map[string]*Client
	recentEvents []event.Event
	recentAlerts []event.Alert
	closed       bool
}

// NewBroadcaster creates a broadcaster over the given state provider.
func NewBroadcaster(state StateProvider, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		state:   state,
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// Register creates a client, queues its snapshot as the first frame, and
// exposes the client to broadcasts in the same critical section, so no delta
// can precede the snapshot or fall between the two. The caller must
// Unregister the id on disconnect.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{id: id, send: make(chan []byte, clientBufSize)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		c.close()
		return c
	}

	if raw, err := json.Marshal(Message{Type: "snapshot", Data: b.snapshotLocked()}); err != nil {
		b.logger.Error("snapshot marshal failed", slog.Any("error", err))
	} else {
		c.enqueue(raw) // fresh buffered channel, never full
	}

	b.clients[id] = c
	return c
}

// Unregister removes the client and closes its send channel. Unknown ids are
// a no-op.
func (b *Broadcaster) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[id]; ok {
		delete(b.clients, id)
		c.close()
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// snapshotLocked merges the engine state with the recent-history rings.
func (b *Broadcaster) snapshotLocked() map[string]any {
	snap := b.state.Snapshot()
	snap["recent_events"] = append([]event.Event(nil), b.recentEvents...)
	snap["recent_alerts"] = append([]event.Alert(nil), b.recentAlerts...)
	return snap
}

// RecentAlerts returns the alert ring, newest last.
func (b *Broadcaster) RecentAlerts() []event.Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]event.Alert(nil), b.recentAlerts...)
}

// PublishEvent records ev in the event ring and pushes it to every client.
// Events from the network sampler additionally push a listeners_update with
// that sampler's full current state.
func (b *Broadcaster) PublishEvent(ev event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.recentEvents = appendRing(b.recentEvents, ev, maxRecentEvents)
	b.broadcastLocked(Message{Type: "event", Data: ev})

	if ev.Source == "network" {
		if state, ok := b.state.SamplerState("network"); ok {
			b.broadcastLocked(Message{Type: "listeners_update", Data: state})
		}
	}
}

// PublishAlert records alert in the alert ring and pushes it to every client.
func (b *Broadcaster) PublishAlert(alert event.Alert) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.recentAlerts = appendRing(b.recentAlerts, alert, maxRecentAlerts)
	b.broadcastLocked(Message{Type: "alert", Data: alert})
}

// BroadcastStats pushes the periodic stats message. With no clients it does
// nothing.
func (b *Broadcaster) BroadcastStats() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(b.clients) == 0 {
		return
	}
	b.broadcastLocked(Message{Type: "stats", Data: b.state.Stats()})
}

// broadcastLocked marshals msg once and offers it to every client. A client
// whose buffer is full is disconnected rather than allowed to stall the
// stream.
func (b *Broadcaster) broadcastLocked(msg Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("broadcast marshal failed",
			slog.String("type", msg.Type),
			slog.Any("error", err),
		)
		return
	}

	for id, c := range b.clients {
		if !c.enqueue(raw) {
			b.logger.Warn("dropping slow dashboard client", slog.String("client", id))
			delete(b.clients, id)
			c.close()
		}
	}
}

// Close disconnects every client. Publishing afterwards is a no-op; Close is
// idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, c := range b.clients {
		delete(b.clients, id)
		c.close()
	}
}

// appendRing appends v and drops the oldest entries beyond max.
func appendRing[T any](ring []T, v T, max int) []T {
	ring = append(ring, v)
	if len(ring) > max {
		ring = ring[len(ring)-max:]
	}
	return ring
}
