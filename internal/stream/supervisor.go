// Package stream binds each call to its live media-stream connection
// and supervises stream health: first-media and periodic watchdogs,
// staged non-destructive recovery, and the single authoritative call
// teardown path.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/config"
	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/lifecycle"
	"github.com/acme/call-orchestrator/internal/provider"
	"github.com/acme/call-orchestrator/internal/registry"
	"github.com/acme/call-orchestrator/pkg/logger"
)

// apologyMessage is spoken before terminating an unrecoverable call.
const apologyMessage = "We are sorry, we are experiencing technical difficulties. Please call back later. Goodbye."

// Timeout reasons recognised by the recovery path.
const (
	ReasonFirstMediaTimeout = "first_media_timeout"
	ReasonNoMedia           = "no_media"
	ReasonSpeechStall       = "speech_stall"
	ReasonDisconnect        = "disconnect"
	ReasonStreamAuth        = "stream_auth_failure"
	ReasonReplaced          = "replaced"
)

// retryableReasons is the set of failures worth a reconnect attempt.
var retryableReasons = map[string]bool{
	ReasonFirstMediaTimeout: true,
	ReasonNoMedia:           true,
	ReasonDisconnect:        true,
}

// ConnectionHandle is the supervisor's grip on a live transport
// connection.
type ConnectionHandle interface {
	ID() string
	Close(reason string) error
}

// JobScheduler enqueues deferred work; the job queue implements it.
type JobScheduler interface {
	Schedule(ctx context.Context, jobType domain.JobType, payload json.RawMessage, runAt time.Time) (uuid.UUID, error)
}

// ReconnectPayload is the job payload for a scheduled stream reconnect.
type ReconnectPayload struct {
	CallID  uuid.UUID `json:"call_id"`
	Attempt int       `json:"attempt"`
	Reason  string    `json:"reason"`
}

// watchState carries the per-call stall flags. Each watchdog stage
// fires at most once per stall episode; flags reset when the condition
// resolves or the call ends.
type watchState struct {
	noMediaWarned     bool
	noMediaEscalated  bool
	speechWarned      bool
	speechEscalated   bool
	reconnectAttempts int
	keypadPending     bool
}

// Supervisor runs stream-health supervision for all active calls.
type Supervisor struct {
	reg      *registry.Registry
	engine   *lifecycle.Engine
	selector *provider.Selector
	jobs     JobScheduler
	cfg      config.StreamConfig
	lg       *logger.Logger
	rng      *rand.Rand

	mu    sync.Mutex
	conns map[uuid.UUID]ConnectionHandle
	watch map[uuid.UUID]*watchState

	ticking atomic.Bool
}

// NewSupervisor wires the supervisor.
func NewSupervisor(reg *registry.Registry, engine *lifecycle.Engine, selector *provider.Selector, jobs JobScheduler, cfg config.StreamConfig, lg *logger.Logger) *Supervisor {
	return &Supervisor{
		reg:      reg,
		engine:   engine,
		selector: selector,
		jobs:     jobs,
		cfg:      cfg,
		lg:       lg.Named("stream"),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		conns:    make(map[uuid.UUID]ConnectionHandle),
		watch:    make(map[uuid.UUID]*watchState),
	}
}

// Run executes the periodic watchdog until cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// BindStream makes conn the authoritative transport connection for the
// call; a prior connection is closed with a "replaced" reason. The
// first-media watchdog is armed on bind.
func (s *Supervisor) BindStream(callID uuid.UUID, conn ConnectionHandle) {
	now := s.now()

	s.mu.Lock()
	prev := s.conns[callID]
	s.conns[callID] = conn
	if _, ok := s.watch[callID]; !ok {
		s.watch[callID] = &watchState{}
	}
	s.mu.Unlock()

	if prev != nil {
		s.lg.Info("stream binding replaced",
			zap.String("call_id", callID.String()),
			zap.String("old_conn", prev.ID()))
		_ = prev.Close(ReasonReplaced)
	}

	if session, ok := s.reg.Get(callID); ok {
		session.Stream = &domain.StreamBinding{ConnectedAt: now}
	}

	cancel := s.reg.Scheduler().After(s.cfg.FirstMediaTimeout, func() {
		s.lg.Warn("first media watchdog fired",
			zap.String("call_id", callID.String()),
			zap.Duration("timeout", s.cfg.FirstMediaTimeout))
		s.HandleStreamTimeout(context.Background(), callID, ReasonFirstMediaTimeout, true)
	})
	s.reg.SetTimer(callID, "first-media", cancel)
}

// OnMediaReceived records a media frame. The first frame cancels the
// first-media watchdog and logs the observed latency for SLO tracking;
// any frame resolves a no-media stall episode.
func (s *Supervisor) OnMediaReceived(callID uuid.UUID) {
	now := s.now()
	session, ok := s.reg.Get(callID)
	if !ok || session.Stream == nil {
		return
	}

	session.Stream.LastMediaAt = now
	if session.Stream.FirstMediaSeenAt.IsZero() {
		session.Stream.FirstMediaSeenAt = now
		s.reg.CancelTimer(callID, "first-media")
		s.lg.Info("first media observed",
			zap.String("call_id", callID.String()),
			zap.Duration("latency", now.Sub(session.Stream.ConnectedAt)))
	}

	s.mu.Lock()
	if w, ok := s.watch[callID]; ok {
		w.noMediaWarned = false
		w.noMediaEscalated = false
		w.reconnectAttempts = 0
	}
	s.mu.Unlock()
}

// OnSpeechRecognized records a recognized speech frame from the
// pipeline and resolves a speech-stall episode.
func (s *Supervisor) OnSpeechRecognized(callID uuid.UUID) {
	session, ok := s.reg.Get(callID)
	if !ok || session.Stream == nil {
		return
	}
	session.Stream.LastSpeechAt = s.now()

	s.mu.Lock()
	if w, ok := s.watch[callID]; ok {
		w.speechWarned = false
		w.speechEscalated = false
	}
	s.mu.Unlock()
}

// ExpectKeypadInput flags that the call is waiting on digits, which
// biases timeout handling toward the digit-gather fallback.
func (s *Supervisor) ExpectKeypadInput(callID uuid.UUID, pending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.watch[callID]; ok {
		w.keypadPending = pending
	}
}

// OnStreamClosed reacts to a transport disconnect that the supervisor
// did not initiate.
func (s *Supervisor) OnStreamClosed(ctx context.Context, callID uuid.UUID) {
	s.mu.Lock()
	delete(s.conns, callID)
	s.mu.Unlock()

	if s.reg.Ending(callID) {
		return
	}
	s.HandleStreamTimeout(ctx, callID, ReasonDisconnect, true)
}

// Tick scans all active calls for stalls. A slow pass overlapping the
// next tick is skipped rather than double-processed.
func (s *Supervisor) Tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		return
	}
	defer s.ticking.Store(false)

	tracer := otel.Tracer("callorch.stream")
	ctx, span := tracer.Start(ctx, "stream.tick")
	defer span.End()

	now := s.now()
	s.reg.Each(func(session *domain.CallSession) {
		if session.Stream == nil || session.Ending {
			return
		}
		s.checkNoMedia(ctx, session, now)
		if session.Ending {
			return
		}
		s.checkSpeechStall(ctx, session, now)
	})
}

func (s *Supervisor) checkNoMedia(ctx context.Context, session *domain.CallSession, now time.Time) {
	since := session.Stream.LastMediaAt
	if since.IsZero() {
		since = session.Stream.ConnectedAt
	}
	elapsed := now.Sub(since)

	s.mu.Lock()
	w := s.watch[session.CallID]
	if w == nil {
		w = &watchState{}
		s.watch[session.CallID] = w
	}
	// Escalation requires that the warn stage already fired on an
	// earlier pass, so a delayed tick crossing both thresholds at once
	// still attempts recovery first.
	warn := elapsed > s.cfg.NoMediaWarning && !w.noMediaWarned
	escalate := elapsed > s.cfg.NoMediaEscalation && w.noMediaWarned && !w.noMediaEscalated
	if warn {
		w.noMediaWarned = true
	}
	if escalate {
		w.noMediaEscalated = true
	}
	s.mu.Unlock()

	if escalate {
		s.lg.Warn("no-media stall escalated, ending call",
			zap.String("call_id", session.CallID.String()),
			zap.Duration("elapsed", elapsed))
		s.engine.Annotate(ctx, session.CallID, "no_media_escalation", elapsed.String())
		s.EndCallWithApology(ctx, session.CallID, ReasonNoMedia)
		return
	}
	if warn {
		s.lg.Warn("no-media stall detected, attempting recovery",
			zap.String("call_id", session.CallID.String()),
			zap.Duration("elapsed", elapsed))
		s.HandleStreamTimeout(ctx, session.CallID, ReasonNoMedia, true)
	}
}

func (s *Supervisor) checkSpeechStall(ctx context.Context, session *domain.CallSession, now time.Time) {
	// Speech supervision starts once media has been seen at all.
	if !session.Stream.MediaSeen() {
		return
	}
	since := session.Stream.LastSpeechAt
	if since.IsZero() {
		since = session.Stream.FirstMediaSeenAt
	}
	elapsed := now.Sub(since)

	s.mu.Lock()
	w := s.watch[session.CallID]
	if w == nil {
		w = &watchState{}
		s.watch[session.CallID] = w
	}
	// Same staging rule as no-media: never escalate on the tick that
	// would have fired the warning.
	warn := elapsed > s.cfg.SpeechStallWarning && !w.speechWarned
	escalate := elapsed > s.cfg.SpeechStallEscalation && w.speechWarned && !w.speechEscalated
	if warn {
		w.speechWarned = true
	}
	if escalate {
		w.speechEscalated = true
	}
	s.mu.Unlock()

	if escalate {
		s.lg.Warn("speech stall escalated, ending call",
			zap.String("call_id", session.CallID.String()),
			zap.Duration("elapsed", elapsed))
		s.engine.Annotate(ctx, session.CallID, "speech_stall_escalation", elapsed.String())
		s.EndCallWithApology(ctx, session.CallID, ReasonSpeechStall)
		return
	}
	if warn {
		s.lg.Warn("speech stall detected, switching to keypad fallback",
			zap.String("call_id", session.CallID.String()),
			zap.Duration("elapsed", elapsed))
		s.switchToKeypad(ctx, session)
	}
}

// switchToKeypad moves the call onto the provider's synchronous digit
// capture path when the speech pipeline stalls.
func (s *Supervisor) switchToKeypad(ctx context.Context, session *domain.CallSession) {
	adapter, ok := s.selector.Adapter(session.Provider)
	if !ok || !provider.HasCapability(adapter, domain.CapabilityDigitGather) {
		s.engine.Annotate(ctx, session.CallID, "keypad_fallback_unavailable", string(session.Provider))
		return
	}
	if err := adapter.GatherDigits(ctx, session.ProviderCallID, 1, 10*time.Second); err != nil {
		s.lg.Warn("digit gather failed",
			zap.String("call_id", session.CallID.String()), zap.Error(err))
		return
	}
	s.engine.Annotate(ctx, session.CallID, "keypad_fallback", string(session.Provider))
}

// HandleStreamTimeout runs the recovery decision order for a stream
// failure: keypad fallback first when digits are pending, then a
// backed-off reconnect for retryable reasons, then leave-as-is when the
// caller disallowed hangup, and finally apology plus termination.
func (s *Supervisor) HandleStreamTimeout(ctx context.Context, callID uuid.UUID, reason string, allowHangup bool) {
	session, ok := s.reg.Get(callID)
	if !ok || session.Ending {
		return
	}

	s.mu.Lock()
	w := s.watch[callID]
	if w == nil {
		w = &watchState{}
		s.watch[callID] = w
	}
	keypadPending := w.keypadPending
	attempts := w.reconnectAttempts
	s.mu.Unlock()

	if keypadPending {
		if adapter, ok := s.selector.Adapter(session.Provider); ok && provider.HasCapability(adapter, domain.CapabilityDigitGather) {
			if err := adapter.GatherDigits(ctx, session.ProviderCallID, 1, 10*time.Second); err == nil {
				s.engine.Annotate(ctx, callID, "timeout_keypad_fallback", reason)
				return
			}
		}
	}

	if retryableReasons[reason] && attempts < s.cfg.ReconnectMaxAttempts {
		s.mu.Lock()
		w.reconnectAttempts++
		attempt := w.reconnectAttempts
		s.mu.Unlock()

		delay := s.reconnectDelay(attempt)
		payload, _ := json.Marshal(ReconnectPayload{CallID: callID, Attempt: attempt, Reason: reason})
		if _, err := s.jobs.Schedule(ctx, domain.JobTypeStreamReconnect, payload, s.now().Add(delay)); err != nil {
			s.lg.Error("reconnect scheduling failed",
				zap.String("call_id", callID.String()), zap.Error(err))
		} else {
			s.lg.Info("stream reconnect scheduled",
				zap.String("call_id", callID.String()),
				zap.String("reason", reason),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			s.engine.Annotate(ctx, callID, "reconnect_scheduled",
				fmt.Sprintf("%s attempt=%d delay=%s", reason, attempt, delay))
			return
		}
	}

	if !allowHangup {
		s.lg.Warn("stream timeout left unresolved, hangup disallowed",
			zap.String("call_id", callID.String()), zap.String("reason", reason))
		s.engine.Annotate(ctx, callID, "timeout_left_connected", reason)
		return
	}

	s.engine.Annotate(ctx, callID, "timeout_terminated", reason)
	s.EndCallWithApology(ctx, callID, reason)
}

// reconnectDelay computes seeded exponential backoff with jitter,
// capped at the configured maximum.
func (s *Supervisor) reconnectDelay(attempt int) time.Duration {
	base := s.cfg.ReconnectBaseDelay
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > s.cfg.ReconnectMaxDelay {
		delay = s.cfg.ReconnectMaxDelay
	}
	if s.cfg.ReconnectJitter > 0 {
		jitter := time.Duration(s.rng.Float64() * s.cfg.ReconnectJitter * float64(delay))
		delay += jitter
	}
	return delay
}

// EndCallWithApology speaks a short apology before terminating. A
// successful SpeakAndHangup already disconnects the vendor leg, so the
// teardown skips the separate hangup in that case.
func (s *Supervisor) EndCallWithApology(ctx context.Context, callID uuid.UUID, reason string) {
	spoke := false
	if session, ok := s.reg.Get(callID); ok {
		if adapter, ok := s.selector.Adapter(session.Provider); ok {
			if err := adapter.SpeakAndHangup(ctx, session.ProviderCallID, apologyMessage); err != nil {
				s.lg.Warn("apology playback failed",
					zap.String("call_id", callID.String()), zap.Error(err))
			} else {
				spoke = true
			}
		}
	}
	s.endCall(ctx, callID, reason, domain.CallStatusFailed, !spoke)
}

// EndCall is the single authoritative teardown path, invoked from every
// code path that terminates a call. It is idempotent via the per-call
// ending lock.
func (s *Supervisor) EndCall(ctx context.Context, callID uuid.UUID, reason string, final domain.CallStatus) {
	s.endCall(ctx, callID, reason, final, true)
}

func (s *Supervisor) endCall(ctx context.Context, callID uuid.UUID, reason string, final domain.CallStatus, hangup bool) {
	if !s.reg.MarkEnding(callID) {
		return
	}

	s.reg.CancelTimer(callID, "first-media")

	s.mu.Lock()
	conn := s.conns[callID]
	delete(s.conns, callID)
	delete(s.watch, callID)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close(reason)
	}

	session, _ := s.reg.Get(callID)
	if hangup && session != nil && session.ProviderCallID != "" && reason != ReasonReplaced {
		if adapter, ok := s.selector.Adapter(session.Provider); ok {
			if err := adapter.Hangup(ctx, session.ProviderCallID); err != nil {
				s.lg.Warn("provider hangup failed",
					zap.String("call_id", callID.String()),
					zap.String("provider", string(session.Provider)),
					zap.Error(err))
			}
		}
	}

	s.engine.ApplyStatus(ctx, domain.StatusEvent{CallID: callID, RawStatus: string(final)})
	s.lg.Info("call ended",
		zap.String("call_id", callID.String()),
		zap.String("reason", reason),
		zap.String("final_status", string(final)))
}

// Connection returns the live handle for a call, if any.
func (s *Supervisor) Connection(callID uuid.UUID) (ConnectionHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[callID]
	return c, ok
}

func (s *Supervisor) now() time.Time { return s.reg.Scheduler().Now() }
