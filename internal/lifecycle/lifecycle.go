// Package lifecycle owns the authoritative status state machine for
// each call: it ingests raw provider status events, deduplicates them,
// applies monotonic transition rules, and emits exactly one downstream
// notification per applied transition.
package lifecycle

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/config"
	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/registry"
	"github.com/acme/call-orchestrator/pkg/logger"
)

// Notification is the downstream event emitted for an applied transition.
type Notification struct {
	EventID    uuid.UUID           `json:"event_id"`
	CallID     uuid.UUID           `json:"call_id"`
	Provider   domain.ProviderName `json:"provider"`
	Previous   domain.CallStatus   `json:"previous_status,omitempty"`
	Status     domain.CallStatus   `json:"status"`
	Terminal   bool                `json:"terminal"`
	OccurredAt time.Time           `json:"occurred_at"`
}

// Notifier publishes lifecycle notifications. Delivery is at-least-once;
// consumers dedupe on EventID.
type Notifier interface {
	NotifyStatus(ctx context.Context, n Notification) error
}

// NoopNotifier discards notifications.
type NoopNotifier struct{}

func (NoopNotifier) NotifyStatus(context.Context, Notification) error { return nil }

// Store persists applied transitions. Writes are best-effort for
// observability; in-memory state stays authoritative.
type Store interface {
	PersistStatus(ctx context.Context, callID uuid.UUID, status domain.CallStatus, at time.Time) error
	AppendHistory(ctx context.Context, ann domain.StateAnnotation) error
}

// NoopStore satisfies Store when no external store is wired.
type NoopStore struct{}

func (NoopStore) PersistStatus(context.Context, uuid.UUID, domain.CallStatus, time.Time) error {
	return nil
}
func (NoopStore) AppendHistory(context.Context, domain.StateAnnotation) error { return nil }

// Result reports the outcome of a status application.
type Result struct {
	Applied     bool
	FinalStatus domain.CallStatus
}

// Engine is the per-call lifecycle state machine.
type Engine struct {
	reg      *registry.Registry
	dedupe   *DedupeCache
	notifier Notifier
	store    Store
	lg       *logger.Logger
	cfg      config.LifecycleConfig

	mu          sync.Mutex
	subscribers map[int]func(Notification)
	nextSubID   int
}

// NewEngine wires the lifecycle engine. notifier and store must not be
// nil; pass the Noop implementations when unwired.
func NewEngine(reg *registry.Registry, cfg config.LifecycleConfig, notifier Notifier, store Store, lg *logger.Logger) *Engine {
	return &Engine{
		reg:         reg,
		dedupe:      NewDedupeCache(cfg.DedupeWindow, cfg.DedupeMaxEntries),
		notifier:    notifier,
		store:       store,
		lg:          lg.Named("lifecycle"),
		cfg:         cfg,
		subscribers: make(map[int]func(Notification)),
	}
}

// Subscribe registers a transition listener and returns an unsubscribe
// handle. Listeners run synchronously on the applying goroutine.
func (e *Engine) Subscribe(fn func(Notification)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSubID
	e.nextSubID++
	e.subscribers[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subscribers, id)
	}
}

// ApplyStatus ingests one raw status event.
func (e *Engine) ApplyStatus(ctx context.Context, ev domain.StatusEvent) Result {
	session := e.resolveSession(ev)
	if session == nil {
		session = e.createSession(ev)
	}

	status := e.classify(ev, session)

	// Once termination has begun only terminal statuses may still land.
	if session.Ending && !status.Terminal() {
		return Result{Applied: false, FinalStatus: session.Status}
	}

	if e.dedupe.Duplicate(session.CallID.String(), string(status), ev.Sequence, ev.Timestamp, e.now()) {
		e.lg.Debug("duplicate status event ignored",
			zap.String("call_id", session.CallID.String()),
			zap.String("status", string(status)))
		return Result{Applied: false, FinalStatus: session.Status}
	}

	if !e.transitionAllowed(session, status) {
		return Result{Applied: false, FinalStatus: session.Status}
	}

	prev := session.Status
	now := e.now()
	session.Status = status
	session.StatusUpdatedAt = now
	if status == domain.CallStatusAnswered && session.AnsweredAt == nil {
		at := now
		session.AnsweredAt = &at
	}
	if status.Terminal() {
		at := now
		session.EndedAt = &at
	}

	if err := e.store.PersistStatus(ctx, session.CallID, status, now); err != nil {
		e.lg.Warn("status persistence failed",
			zap.String("call_id", session.CallID.String()), zap.Error(err))
	}

	n := Notification{
		EventID:    uuid.New(),
		CallID:     session.CallID,
		Provider:   session.Provider,
		Previous:   prev,
		Status:     status,
		Terminal:   status.Terminal(),
		OccurredAt: now,
	}
	if err := e.notifier.NotifyStatus(ctx, n); err != nil {
		e.lg.Warn("notification publish failed",
			zap.String("call_id", session.CallID.String()), zap.Error(err))
	}
	e.fanOut(n)

	if status.Terminal() {
		e.scheduleCleanup(session.CallID)
	}

	return Result{Applied: true, FinalStatus: status}
}

// resolveSession finds the session by call id or vendor correlation id.
func (e *Engine) resolveSession(ev domain.StatusEvent) *domain.CallSession {
	if ev.CallID != uuid.Nil {
		if s, ok := e.reg.Get(ev.CallID); ok {
			return s
		}
	}
	if ev.ProviderCallID != "" {
		if s, ok := e.reg.Resolve(ev.ProviderCallID); ok {
			return s
		}
	}
	return nil
}

func (e *Engine) createSession(ev domain.StatusEvent) *domain.CallSession {
	callID := ev.CallID
	if callID == uuid.Nil {
		callID = uuid.New()
	}
	s := &domain.CallSession{
		CallID:         callID,
		Provider:       ev.Provider,
		ProviderCallID: ev.ProviderCallID,
		Direction:      domain.DirectionInbound,
		CreatedAt:      e.now(),
	}
	e.reg.Put(s)
	return s
}

// classify normalizes the raw status and applies the voicemail and
// short-call reclassification heuristics. A provider answering-machine
// or fax signal always maps to no-answer; a completed call shorter than
// the configured threshold with no independent evidence of answer is
// downgraded to no-answer. The short-call rule is a documented
// heuristic and can misclassify a genuinely brief answered call.
func (e *Engine) classify(ev domain.StatusEvent, session *domain.CallSession) domain.CallStatus {
	status := NormalizeStatus(ev.RawStatus)

	if machineAnswered(ev.AnsweredBy) {
		return domain.CallStatusNoAnswer
	}

	if status == domain.CallStatusCompleted &&
		ev.Duration > 0 && ev.Duration < e.cfg.ShortCallThreshold &&
		session.AnsweredAt == nil &&
		!humanAnswered(ev.AnsweredBy) &&
		!session.Stream.MediaSeen() {
		e.lg.Info("short completed call reclassified to no-answer",
			zap.String("call_id", session.CallID.String()),
			zap.Duration("duration", ev.Duration))
		return domain.CallStatusNoAnswer
	}

	return status
}

// transitionAllowed applies the monotonic transition rules.
func (e *Engine) transitionAllowed(session *domain.CallSession, status domain.CallStatus) bool {
	prev := session.Status
	if prev == "" {
		return true
	}

	newRank, newRanked := status.Rank()

	if !newRanked {
		// Observed behavior: unranked statuses are always applied, even
		// over a terminal state. Likely a latent bug upstream; kept
		// deliberately, with a warning for the terminal case.
		if prev.Terminal() {
			e.lg.Warn("unranked status applied over terminal state",
				zap.String("call_id", session.CallID.String()),
				zap.String("previous", string(prev)),
				zap.String("status", string(status)))
		}
		return true
	}

	if prev.Terminal() {
		// Single allowed terminal upgrade: completed correcting an
		// earlier otherwise-terminal misclassification.
		return status == domain.CallStatusCompleted && prev != domain.CallStatusCompleted
	}

	prevRank, _ := prev.Rank()
	return newRank >= prevRank
}

// scheduleCleanup purges in-memory records a bounded delay after the
// call reaches a terminal status. Persisted history remains.
func (e *Engine) scheduleCleanup(callID uuid.UUID) {
	cancel := e.reg.Scheduler().After(e.cfg.CleanupDelay, func() {
		e.dedupe.Forget(callID.String())
		e.reg.Remove(callID)
	})
	e.reg.SetTimer(callID, "lifecycle-cleanup", cancel)
}

// Annotate appends a supervision outcome to the call's persisted history.
func (e *Engine) Annotate(ctx context.Context, callID uuid.UUID, kind, detail string) {
	ann := domain.StateAnnotation{
		CallID:     callID,
		Kind:       kind,
		Detail:     detail,
		OccurredAt: e.now(),
	}
	if err := e.store.AppendHistory(ctx, ann); err != nil {
		e.lg.Warn("history append failed",
			zap.String("call_id", callID.String()),
			zap.String("kind", kind), zap.Error(err))
	}
}

func (e *Engine) fanOut(n Notification) {
	e.mu.Lock()
	subs := make([]func(Notification), 0, len(e.subscribers))
	for _, fn := range e.subscribers {
		subs = append(subs, fn)
	}
	e.mu.Unlock()
	for _, fn := range subs {
		fn(n)
	}
}

func (e *Engine) now() time.Time { return e.reg.Scheduler().Now() }

// NormalizeStatus maps provider status strings onto the canonical set.
// Unknown strings pass through unranked.
func NormalizeStatus(raw string) domain.CallStatus {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "_", "-")
	switch s {
	case "queued", "pending":
		return domain.CallStatusQueued
	case "initiated", "dialing":
		return domain.CallStatusInitiated
	case "ringing", "ring":
		return domain.CallStatusRinging
	case "answered":
		return domain.CallStatusAnswered
	case "in-progress", "inprogress", "active":
		return domain.CallStatusInProgress
	case "completed", "complete", "ended":
		return domain.CallStatusCompleted
	case "voicemail":
		return domain.CallStatusVoicemail
	case "busy":
		return domain.CallStatusBusy
	case "no-answer", "noanswer":
		return domain.CallStatusNoAnswer
	case "failed", "error":
		return domain.CallStatusFailed
	case "canceled", "cancelled":
		return domain.CallStatusCanceled
	}
	return domain.CallStatus(s)
}

func machineAnswered(answeredBy string) bool {
	switch strings.ToLower(answeredBy) {
	case "machine", "machine_start", "machine_end_beep", "machine_end_silence", "answering_machine", "fax":
		return true
	}
	return false
}

func humanAnswered(answeredBy string) bool {
	return strings.ToLower(answeredBy) == "human"
}
