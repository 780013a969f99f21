package registry

import (
	"sync"
	"time"
)

// CancelFunc stops a pending timer. Safe to call more than once.
type CancelFunc func()

// Scheduler is the single timer seam for the orchestration engine.
// Production code uses the wall clock; tests substitute a manual
// implementation so watchdog behaviour can be driven deterministically.
type Scheduler interface {
	Now() time.Time
	After(d time.Duration, fn func()) CancelFunc
}

// WallClock schedules on real time via time.AfterFunc.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now().UTC() }

func (WallClock) After(d time.Duration, fn func()) CancelFunc {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// ManualScheduler is a controllable clock for tests. Advance fires any
// timers whose deadline has been reached, in deadline order.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	timers map[int]manualTimer
}

type manualTimer struct {
	at time.Time
	fn func()
}

// NewManualScheduler starts the clock at the given instant.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start, timers: make(map[int]manualTimer)}
}

func (m *ManualScheduler) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *ManualScheduler) After(d time.Duration, fn func()) CancelFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.timers[id] = manualTimer{at: m.now.Add(d), fn: fn}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.timers, id)
	}
}

// Advance moves the clock forward and fires due timers outside the lock.
func (m *ManualScheduler) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	var due []func()
	for id, t := range m.timers {
		if !t.at.After(m.now) {
			due = append(due, t.fn)
			delete(m.timers, id)
		}
	}
	m.mu.Unlock()

	for _, fn := range due {
		fn()
	}
}

// Pending returns the number of armed timers.
func (m *ManualScheduler) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
