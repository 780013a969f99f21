package signature

import (
	"sync"
	"time"
)

// ReplayCache remembers signed-token identifiers until they expire so a
// token is accepted at most once within its validity window. The cache
// is bounded; when full, the entry closest to expiry is evicted first.
type ReplayCache struct {
	mu      sync.Mutex
	max     int
	entries map[string]time.Time
}

// NewReplayCache builds a cache holding at most max identifiers.
func NewReplayCache(max int) *ReplayCache {
	if max <= 0 {
		max = 1024
	}
	return &ReplayCache{max: max, entries: make(map[string]time.Time)}
}

// Seen records id with the given expiry and reports whether it was
// already present and unexpired.
func (c *ReplayCache) Seen(id string, expiresAt, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if exp, ok := c.entries[id]; ok && exp.After(now) {
		return true
	}

	c.pruneLocked(now)
	if len(c.entries) >= c.max {
		c.evictEarliestLocked()
	}
	c.entries[id] = expiresAt
	return false
}

// Len returns the number of tracked identifiers.
func (c *ReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ReplayCache) pruneLocked(now time.Time) {
	for id, exp := range c.entries {
		if !exp.After(now) {
			delete(c.entries, id)
		}
	}
}

func (c *ReplayCache) evictEarliestLocked() {
	var victim string
	var earliest time.Time
	for id, exp := range c.entries {
		if victim == "" || exp.Before(earliest) {
			victim = id
			earliest = exp
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}
