// Package cache provides a small bounded TTL cache used to avoid repeated
// LLM calls for similar alerts. It is safe for concurrent use.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	value string
	at    time.Time
	seq   uint64
}

// TTL is a bounded key→value store with per-entry expiry. Get removes the
// entry it finds expired; Set sweeps expired entries first and then, if the
// cache is still full, evicts the entry with the oldest insertion time
// (insertion order breaks ties, so eviction is deterministic).
type TTL struct {
	ttl     time.Duration
	maxSize int

	mu    sync.Mutex
	store map[string]entry
	seq   uint64

	// now is swappable in tests.
	now func() time.Time
}

// New creates a TTL cache holding at most maxSize entries, each valid for
// ttl after insertion.
func New(ttl time.Duration, maxSize int) *TTL {
	return &TTL{
		ttl:     ttl,
		maxSize: maxSize,
		store:   make(map[string]entry),
		now:     time.Now,
	}
}

// Get returns the cached value for key, or ("", false) if absent or expired.
// An expired entry is removed on access.
func (c *TTL) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.store[key]
	if !ok {
		return "", false
	}
	if c.now().Sub(e.at) > c.ttl {
		delete(c.store, key)
		return "", false
	}
	return e.value, true
}

// Set stores value under key, evicting as needed to stay within maxSize.
func (c *TTL) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.store[key]; !exists && len(c.store) >= c.maxSize {
		c.sweepLocked()
	}
	if _, exists := c.store[key]; !exists && len(c.store) >= c.maxSize {
		c.evictOldestLocked()
	}

	c.seq++
	c.store[key] = entry{value: value, at: c.now(), seq: c.seq}
}

// Len returns the current number of entries, expired or not.
func (c *TTL) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.store)
}

// sweepLocked drops every expired entry. Caller holds mu.
func (c *TTL) sweepLocked() {
	now := c.now()
	for k, e := range c.store {
		if now.Sub(e.at) > c.ttl {
			delete(c.store, k)
		}
	}
}

// evictOldestLocked removes the entry with the oldest insertion time,
// breaking ties by insertion order. Caller holds mu.
func (c *TTL) evictOldestLocked() {
	var oldestKey string
	var oldest entry
	first := true
	for k, e := range c.store {
		if first || e.at.Before(oldest.at) || (e.at.Equal(oldest.at) && e.seq < oldest.seq) {
			oldestKey, oldest = k, e
			first = false
		}
	}
	if !first {
		delete(c.store, oldestKey)
	}
}
