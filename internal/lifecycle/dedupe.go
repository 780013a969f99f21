package lifecycle

import (
	"strings"
	"sync"
	"time"
)

// DedupeCache makes status ingestion idempotent under provider
// at-least-once delivery. Entries are keyed by (callId, status,
// sequence, timestamp); a hit inside the window is a duplicate. The
// cache is bounded with oldest-first eviction.
type DedupeCache struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]time.Time
}

// NewDedupeCache builds a cache with the given window and size bound.
func NewDedupeCache(window time.Duration, max int) *DedupeCache {
	if max <= 0 {
		max = 1024
	}
	return &DedupeCache{
		window:  window,
		max:     max,
		entries: make(map[string]time.Time),
	}
}

// Duplicate records the event and reports whether an identical event
// was already accepted inside the dedupe window.
func (c *DedupeCache) Duplicate(callID, status, sequence, timestamp string, now time.Time) bool {
	key := strings.Join([]string{callID, status, sequence, timestamp}, "|")

	c.mu.Lock()
	defer c.mu.Unlock()

	if seen, ok := c.entries[key]; ok && now.Sub(seen) < c.window {
		return true
	}

	if len(c.entries) >= c.max {
		c.evictOldestLocked()
	}
	c.entries[key] = now
	return false
}

// Forget drops every entry belonging to callID, used on call cleanup.
func (c *DedupeCache) Forget(callID string) {
	prefix := callID + "|"
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

// Len returns the number of tracked events.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *DedupeCache) evictOldestLocked() {
	var victim string
	var oldest time.Time
	for key, seen := range c.entries {
		if victim == "" || seen.Before(oldest) {
			victim = key
			oldest = seen
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}
