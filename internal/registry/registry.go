// Package registry owns the keyed in-memory collections for active calls.
// It is constructed once at process start and passed by reference into
// each component; nothing here is reached through package globals.
package registry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/domain"
)

// Registry indexes active call sessions and their timers.
type Registry struct {
	scheduler Scheduler

	mu         sync.RWMutex
	sessions   map[uuid.UUID]*domain.CallSession
	byVendorID map[string]uuid.UUID
	timers     map[uuid.UUID]map[string]CancelFunc
	tasks      map[uuid.UUID]*taskQueue
}

// New constructs an empty registry bound to the given scheduler.
func New(scheduler Scheduler) *Registry {
	return &Registry{
		scheduler:  scheduler,
		sessions:   make(map[uuid.UUID]*domain.CallSession),
		byVendorID: make(map[string]uuid.UUID),
		timers:     make(map[uuid.UUID]map[string]CancelFunc),
		tasks:      make(map[uuid.UUID]*taskQueue),
	}
}

// Scheduler exposes the timer seam shared by all components.
func (r *Registry) Scheduler() Scheduler { return r.scheduler }

// Put indexes a session by call id and, when present, vendor call id.
func (r *Registry) Put(session *domain.CallSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.CallID] = session
	if session.ProviderCallID != "" {
		r.byVendorID[session.ProviderCallID] = session.CallID
	}
}

// Get returns the session for a call id.
func (r *Registry) Get(callID uuid.UUID) (*domain.CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// Resolve maps a vendor correlation id back to a session.
func (r *Registry) Resolve(providerCallID string) (*domain.CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byVendorID[providerCallID]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[id]
	return s, ok
}

// BindVendorID records a late-arriving vendor correlation id.
func (r *Registry) BindVendorID(callID uuid.UUID, providerCallID string) {
	if providerCallID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byVendorID[providerCallID] = callID
	if s, ok := r.sessions[callID]; ok {
		s.ProviderCallID = providerCallID
	}
}

// Each visits every indexed session. The callback must not block.
func (r *Registry) Each(fn func(*domain.CallSession)) {
	r.mu.RLock()
	snapshot := make([]*domain.CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()
	for _, s := range snapshot {
		fn(s)
	}
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// MarkEnding sets the per-call advisory ending lock. It returns false if
// the call was already ending, so termination runs exactly once.
func (r *Registry) MarkEnding(callID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	if !ok || s.Ending {
		return false
	}
	s.Ending = true
	return true
}

// Ending reports whether termination has begun for the call.
func (r *Registry) Ending(callID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	return ok && s.Ending
}

// SetTimer stores the cancel handle for a named per-call timer,
// cancelling any earlier timer with the same name.
func (r *Registry) SetTimer(callID uuid.UUID, name string, cancel CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byName, ok := r.timers[callID]
	if !ok {
		byName = make(map[string]CancelFunc)
		r.timers[callID] = byName
	}
	if prev, ok := byName[name]; ok && prev != nil {
		prev()
	}
	byName[name] = cancel
}

// CancelTimer stops and forgets one named timer for the call.
func (r *Registry) CancelTimer(callID uuid.UUID, name string) {
	r.mu.Lock()
	byName := r.timers[callID]
	cancel := byName[name]
	delete(byName, name)
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Remove drops the call from every index, cancelling all of its timers
// and draining its serialized task queue. This is the single cleanup
// path for call teardown.
func (r *Registry) Remove(callID uuid.UUID) {
	r.mu.Lock()
	s, ok := r.sessions[callID]
	if ok && s.ProviderCallID != "" {
		delete(r.byVendorID, s.ProviderCallID)
	}
	delete(r.sessions, callID)
	byName := r.timers[callID]
	delete(r.timers, callID)
	q := r.tasks[callID]
	delete(r.tasks, callID)
	r.mu.Unlock()

	for _, cancel := range byName {
		if cancel != nil {
			cancel()
		}
	}
	if q != nil {
		q.stop()
	}
}

// Enqueue appends fn to the call's serialized task queue. Tasks for the
// same call run strictly in order; tasks for different calls interleave.
func (r *Registry) Enqueue(callID uuid.UUID, fn func()) {
	r.mu.Lock()
	q, ok := r.tasks[callID]
	if !ok {
		q = newTaskQueue()
		r.tasks[callID] = q
	}
	r.mu.Unlock()
	q.push(fn)
}

type taskQueue struct {
	mu      sync.Mutex
	pending []func()
	running bool
	stopped bool
}

func newTaskQueue() *taskQueue {
	return &taskQueue{}
}

func (q *taskQueue) push(fn func()) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.drain()
}

func (q *taskQueue) drain() {
	for {
		q.mu.Lock()
		if q.stopped || len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		fn()
	}
}

func (q *taskQueue) stop() {
	q.mu.Lock()
	q.stopped = true
	q.pending = nil
	q.mu.Unlock()
}
