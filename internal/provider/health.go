package provider

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/registry"
	"github.com/acme/call-orchestrator/pkg/logger"
)

// HealthRegistry keeps a sliding window of recent errors per provider
// and flags providers degraded for a cooldown once the window fills.
type HealthRegistry struct {
	scheduler registry.Scheduler
	lg        *logger.Logger

	window    time.Duration
	threshold int
	cooldown  time.Duration

	mu      sync.Mutex
	records map[domain.ProviderName]*domain.ProviderHealthRecord
}

// NewHealthRegistry constructs an empty registry.
func NewHealthRegistry(scheduler registry.Scheduler, lg *logger.Logger, window time.Duration, threshold int, cooldown time.Duration) *HealthRegistry {
	return &HealthRegistry{
		scheduler: scheduler,
		lg:        lg,
		window:    window,
		threshold: threshold,
		cooldown:  cooldown,
		records:   make(map[domain.ProviderName]*domain.ProviderHealthRecord),
	}
}

// RecordError appends an error timestamp, prunes the window, and marks
// the provider degraded once the threshold is reached.
func (h *HealthRegistry) RecordError(name domain.ProviderName, err error) {
	now := h.scheduler.Now()

	h.mu.Lock()
	rec := h.recordLocked(name)
	rec.LastErrorAt = now
	rec.ErrorTimes = append(rec.ErrorTimes, now)
	rec.ErrorTimes = pruneBefore(rec.ErrorTimes, now.Add(-h.window))

	crossed := false
	if len(rec.ErrorTimes) >= h.threshold && !rec.Degraded(now) {
		rec.DegradedUntil = now.Add(h.cooldown)
		crossed = true
	}
	h.mu.Unlock()

	if crossed {
		h.lg.Warn("provider degraded",
			zap.String("provider", string(name)),
			zap.Duration("cooldown", h.cooldown),
			zap.Error(err))
	}
}

// RecordSuccess clears the error window. An active cooldown is left to
// expire on its own.
func (h *HealthRegistry) RecordSuccess(name domain.ProviderName) {
	now := h.scheduler.Now()
	h.mu.Lock()
	rec := h.recordLocked(name)
	rec.LastSuccessAt = now
	rec.ErrorTimes = nil
	h.mu.Unlock()
}

// Degraded reports whether the provider is inside its cooldown window,
// lazily clearing an expired cooldown.
func (h *HealthRegistry) Degraded(name domain.ProviderName) bool {
	now := h.scheduler.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	rec := h.recordLocked(name)
	if !rec.DegradedUntil.IsZero() && !rec.DegradedUntil.After(now) {
		rec.DegradedUntil = time.Time{}
	}
	return rec.Degraded(now)
}

// Snapshot returns the admin view for the given providers.
func (h *HealthRegistry) Snapshot(names []domain.ProviderName, ready map[domain.ProviderName]bool) []domain.ProviderHealthSnapshot {
	now := h.scheduler.Now()
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]domain.ProviderHealthSnapshot, 0, len(names))
	for _, name := range names {
		rec := h.recordLocked(name)
		rec.ErrorTimes = pruneBefore(rec.ErrorTimes, now.Add(-h.window))
		snap := domain.ProviderHealthSnapshot{
			Provider:     name,
			Ready:        ready[name],
			Degraded:     rec.Degraded(now),
			RecentErrors: len(rec.ErrorTimes),
		}
		if !rec.DegradedUntil.IsZero() {
			u := rec.DegradedUntil
			snap.DegradedUntil = &u
		}
		if !rec.LastErrorAt.IsZero() {
			u := rec.LastErrorAt
			snap.LastErrorAt = &u
		}
		if !rec.LastSuccessAt.IsZero() {
			u := rec.LastSuccessAt
			snap.LastSuccessAt = &u
		}
		out = append(out, snap)
	}
	return out
}

func (h *HealthRegistry) recordLocked(name domain.ProviderName) *domain.ProviderHealthRecord {
	rec, ok := h.records[name]
	if !ok {
		rec = &domain.ProviderHealthRecord{Provider: name}
		h.records[name] = rec
	}
	return rec
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
