package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/lifecycle"
	"github.com/acme/call-orchestrator/internal/provider"
	"github.com/acme/call-orchestrator/internal/registry"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
	"github.com/acme/call-orchestrator/pkg/logger"
)

// PlacementPayload is the payload for outbound_call and callback_call
// jobs.
type PlacementPayload struct {
	CallID            uuid.UUID         `json:"call_id"`
	PhoneNumber       string            `json:"phone_number"`
	CallbackURL       string            `json:"callback_url"`
	StreamURL         string            `json:"stream_url"`
	PreferredProvider string            `json:"preferred_provider,omitempty"`
	ScopeKey          string            `json:"scope_key,omitempty"`
	NeedsDigitGather  bool              `json:"needs_digit_gather,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// MessagePayload is the payload for scheduled_message jobs.
type MessagePayload struct {
	CallID      uuid.UUID `json:"call_id"`
	PhoneNumber string    `json:"phone_number"`
	Message     string    `json:"message"`
	CallbackURL string    `json:"callback_url"`
}

// StreamRedirector re-points a live call at a fresh media stream; the
// stream supervisor's reconnect path goes through it.
type StreamRedirector interface {
	RedirectStream(ctx context.Context, session *domain.CallSession) error
}

// SlotLimiter caps concurrent placements per scope. A false Acquire
// fails the job so the queue retries it after backoff.
type SlotLimiter interface {
	Acquire(ctx context.Context, scope string, limit int) (bool, error)
	Release(ctx context.Context, scope string) error
}

// NoopLimiter never limits.
type NoopLimiter struct{}

func (NoopLimiter) Acquire(context.Context, string, int) (bool, error) { return true, nil }
func (NoopLimiter) Release(context.Context, string) error              { return nil }

// Handlers owns the job-type implementations. Placement walks the
// provider candidate list in order, recording per-provider health as it
// goes, and only fails the job when every candidate refused.
type Handlers struct {
	reg      *registry.Registry
	engine   *lifecycle.Engine
	selector *provider.Selector
	health   *provider.HealthRegistry
	redirect StreamRedirector
	limiter  SlotLimiter
	lg       *logger.Logger
}

// NewHandlers builds the handler set. limiter must not be nil; pass
// NoopLimiter when scope limiting is not configured.
func NewHandlers(reg *registry.Registry, engine *lifecycle.Engine, selector *provider.Selector, health *provider.HealthRegistry, redirect StreamRedirector, limiter SlotLimiter, lg *logger.Logger) *Handlers {
	return &Handlers{
		reg:      reg,
		engine:   engine,
		selector: selector,
		health:   health,
		redirect: redirect,
		limiter:  limiter,
		lg:       lg.Named("handlers"),
	}
}

// RegisterAll binds every handler to its job type.
func (h *Handlers) RegisterAll(q *Queue) {
	q.Register(domain.JobTypeOutboundCall, h.HandleOutboundCall)
	q.Register(domain.JobTypeCallbackCall, h.HandleCallbackCall)
	q.Register(domain.JobTypeScheduledMessage, h.HandleScheduledMessage)
	q.Register(domain.JobTypeStreamReconnect, h.HandleStreamReconnect)
}

// HandleOutboundCall places a new outbound call.
func (h *Handlers) HandleOutboundCall(ctx context.Context, job domain.CallJob) error {
	return h.place(ctx, job, domain.DirectionOutbound)
}

// HandleCallbackCall places a return call to a party that requested one.
func (h *Handlers) HandleCallbackCall(ctx context.Context, job domain.CallJob) error {
	return h.place(ctx, job, domain.DirectionCallback)
}

func (h *Handlers) place(ctx context.Context, job domain.CallJob, direction domain.CallDirection) error {
	var payload PlacementPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: placement payload: %v", apperrors.ErrJobError, err)
	}
	if payload.CallID == uuid.Nil {
		payload.CallID = job.ID
	}

	if h.reg.Ending(payload.CallID) {
		h.lg.Info("placement skipped, call already ending",
			zap.String("call_id", payload.CallID.String()))
		return nil
	}

	ok, err := h.limiter.Acquire(ctx, payload.ScopeKey, 0)
	if err != nil {
		return fmt.Errorf("%w: limiter: %v", apperrors.ErrJobError, err)
	}
	if !ok {
		return fmt.Errorf("%w: scope %q at concurrency limit", apperrors.ErrQuotaExceeded, payload.ScopeKey)
	}
	placed := false
	defer func() {
		if !placed {
			if relErr := h.limiter.Release(ctx, payload.ScopeKey); relErr != nil {
				h.lg.Warn("slot release failed", zap.Error(relErr))
			}
		}
	}()

	var caps []domain.Capability
	if payload.NeedsDigitGather {
		caps = append(caps, domain.CapabilityDigitGather)
	}
	candidates, err := h.selector.Candidates(ctx, domain.ProviderName(payload.PreferredProvider), caps, payload.ScopeKey)
	if err != nil {
		return err
	}

	metadata := make(map[string]any, len(payload.Metadata))
	for k, v := range payload.Metadata {
		metadata[k] = v
	}

	var lastErr error
	for _, name := range candidates {
		adapter, ok := h.selector.Adapter(name)
		if !ok {
			continue
		}

		result, err := adapter.PlaceCall(ctx, provider.PlacementRequest{
			CallID:      payload.CallID,
			PhoneNumber: payload.PhoneNumber,
			CallbackURL: payload.CallbackURL,
			StreamURL:   payload.StreamURL,
			Metadata:    metadata,
		})
		if err != nil {
			h.health.RecordError(name, err)
			h.lg.Warn("placement attempt failed",
				zap.String("call_id", payload.CallID.String()),
				zap.String("provider", string(name)),
				zap.Error(err))
			lastErr = err
			continue
		}

		h.health.RecordSuccess(name)
		now := h.reg.Scheduler().Now()
		session := &domain.CallSession{
			CallID:          payload.CallID,
			Provider:        name,
			Direction:       direction,
			Status:          domain.CallStatusQueued,
			StatusUpdatedAt: now,
			ProviderCallID:  result.ProviderCallID,
			PhoneNumber:     payload.PhoneNumber,
			ScopeKey:        payload.ScopeKey,
			CreatedAt:       now,
		}
		h.reg.Put(session)
		placed = true

		initial := result.Status
		if initial == "" {
			initial = domain.CallStatusInitiated
		}
		h.engine.ApplyStatus(ctx, domain.StatusEvent{
			CallID:         payload.CallID,
			ProviderCallID: result.ProviderCallID,
			RawStatus:      string(initial),
			Provider:       name,
		})

		h.lg.Info("call placed",
			zap.String("call_id", payload.CallID.String()),
			zap.String("provider", string(name)),
			zap.String("provider_call_id", result.ProviderCallID),
			zap.String("direction", string(direction)))
		return nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no candidate accepted the call", apperrors.ErrProviderError)
	}
	return lastErr
}

// HandleScheduledMessage places a call that delivers one spoken message
// and hangs up.
func (h *Handlers) HandleScheduledMessage(ctx context.Context, job domain.CallJob) error {
	var payload MessagePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: message payload: %v", apperrors.ErrJobError, err)
	}

	candidates, err := h.selector.Candidates(ctx, "", nil, "")
	if err != nil {
		return err
	}

	var lastErr error
	for _, name := range candidates {
		adapter, ok := h.selector.Adapter(name)
		if !ok {
			continue
		}
		result, err := adapter.PlaceCall(ctx, provider.PlacementRequest{
			CallID:      payload.CallID,
			PhoneNumber: payload.PhoneNumber,
			CallbackURL: payload.CallbackURL,
			Metadata:    map[string]any{"message": payload.Message, "mode": "announce"},
		})
		if err != nil {
			h.health.RecordError(name, err)
			lastErr = err
			continue
		}
		h.health.RecordSuccess(name)
		h.engine.Annotate(ctx, payload.CallID, "scheduled_message_placed", string(name))
		h.lg.Info("scheduled message placed",
			zap.String("call_id", payload.CallID.String()),
			zap.String("provider", string(name)),
			zap.String("provider_call_id", result.ProviderCallID))
		return nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no candidate accepted the message call", apperrors.ErrProviderError)
	}
	return lastErr
}

// HandleStreamReconnect re-points a live call at a fresh media stream.
// A call that ended or vanished while the job waited is a no-op, not a
// failure.
func (h *Handlers) HandleStreamReconnect(ctx context.Context, job domain.CallJob) error {
	var payload struct {
		CallID  uuid.UUID `json:"call_id"`
		Attempt int       `json:"attempt"`
		Reason  string    `json:"reason"`
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: reconnect payload: %v", apperrors.ErrJobError, err)
	}

	session, ok := h.reg.Get(payload.CallID)
	if !ok || session.Ending {
		h.lg.Info("reconnect skipped, call gone",
			zap.String("call_id", payload.CallID.String()))
		return nil
	}

	if err := h.redirect.RedirectStream(ctx, session); err != nil {
		h.health.RecordError(session.Provider, err)
		return fmt.Errorf("%w: redirect: %v", apperrors.ErrStreamError, err)
	}
	h.health.RecordSuccess(session.Provider)
	h.engine.Annotate(ctx, payload.CallID, "stream_reconnected",
		fmt.Sprintf("%s attempt=%d", payload.Reason, payload.Attempt))
	return nil
}

// ProviderRedirector implements StreamRedirector on top of the vendor
// redirect verb.
type ProviderRedirector struct {
	selector  *provider.Selector
	streamURL string
}

// NewProviderRedirector points reconnects at the configured stream URL.
func NewProviderRedirector(selector *provider.Selector, streamURL string) *ProviderRedirector {
	return &ProviderRedirector{selector: selector, streamURL: streamURL}
}

func (r *ProviderRedirector) RedirectStream(ctx context.Context, session *domain.CallSession) error {
	adapter, ok := r.selector.Adapter(session.Provider)
	if !ok {
		return fmt.Errorf("%w: no adapter for %s", apperrors.ErrProviderError, session.Provider)
	}
	redirectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return adapter.Redirect(redirectCtx, session.ProviderCallID, r.streamURL)
}
