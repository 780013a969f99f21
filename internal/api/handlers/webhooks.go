package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/signature"
)

// Webhook auth headers for the shared-secret HMAC scheme.
const (
	headerSignature = "X-Signature"
	headerTimestamp = "X-Timestamp"
)

// providerAEvent is the payload shape provider A posts.
type providerAEvent struct {
	CallID         string  `json:"call_id"`
	CallSid        string  `json:"call_sid"`
	CallStatus     string  `json:"call_status"`
	CallDuration   float64 `json:"call_duration"`
	AnsweredBy     string  `json:"answered_by"`
	SequenceNumber string  `json:"sequence_number"`
	Timestamp      string  `json:"timestamp"`
	ErrorCode      string  `json:"error_code"`
}

// providerBEvent is the payload shape provider B posts.
type providerBEvent struct {
	CallID           string `json:"call_id"`
	SessionID        string `json:"session_id"`
	State            string `json:"state"`
	DurationMs       int64  `json:"duration_ms"`
	MachineDetection string `json:"machine_detection"`
	Seq              string `json:"seq"`
	EventTime        string `json:"event_time"`
}

// providerCEvent is the payload shape provider C posts under its signed
// bearer token.
type providerCEvent struct {
	CallID     string `json:"call_id"`
	CallRef    string `json:"call_ref"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	AnsweredBy string `json:"answered_by"`
	Sequence   string `json:"sequence"`
	OccurredAt string `json:"occurred_at"`
}

// providerAWebhook ingests status callbacks from provider A,
// authenticated with the shared-secret HMAC scheme.
func (h *HandlerSet) providerAWebhook(ctx *fiber.Ctx) error {
	if reject := h.verifyHmac(ctx, "webhook_provider_a"); reject != nil {
		return reject
	}

	var evt providerAEvent
	if err := ctx.BodyParser(&evt); err != nil {
		return h.ackWithWarning(ctx, "provider-a", err)
	}

	h.dispatchStatus(ctx, domain.StatusEvent{
		CallID:         parseCallID(evt.CallID),
		ProviderCallID: evt.CallSid,
		RawStatus:      evt.CallStatus,
		Provider:       domain.ProviderA,
		Duration:       time.Duration(evt.CallDuration * float64(time.Second)),
		AnsweredBy:     evt.AnsweredBy,
		Sequence:       evt.SequenceNumber,
		Timestamp:      evt.Timestamp,
		ErrorCode:      evt.ErrorCode,
	})
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"received": true})
}

// providerBWebhook ingests status callbacks from provider B, using the
// same HMAC scheme with provider B's payload shape.
func (h *HandlerSet) providerBWebhook(ctx *fiber.Ctx) error {
	if reject := h.verifyHmac(ctx, "webhook_provider_b"); reject != nil {
		return reject
	}

	var evt providerBEvent
	if err := ctx.BodyParser(&evt); err != nil {
		return h.ackWithWarning(ctx, "provider-b", err)
	}

	h.dispatchStatus(ctx, domain.StatusEvent{
		CallID:         parseCallID(evt.CallID),
		ProviderCallID: evt.SessionID,
		RawStatus:      evt.State,
		Provider:       domain.ProviderB,
		Duration:       time.Duration(evt.DurationMs) * time.Millisecond,
		AnsweredBy:     evt.MachineDetection,
		Sequence:       evt.Seq,
		Timestamp:      evt.EventTime,
	})
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"received": true})
}

// providerCWebhook ingests status callbacks from provider C,
// authenticated with its signed bearer token. Provider C retries on
// 503, so a strict-mode rejection answers that rather than 401.
func (h *HandlerSet) providerCWebhook(ctx *fiber.Ctx) error {
	v := h.container.Verifier
	token := bearerToken(ctx.Get(fiber.HeaderAuthorization))
	if err := v.VerifySignedToken(token, ctx.Body()); err != nil {
		if signature.Enforce(v.TokenMode(), err, h.container.Logger, "webhook_provider_c") {
			return fiber.NewError(http.StatusServiceUnavailable, "token verification failed")
		}
	}

	var evt providerCEvent
	if err := ctx.BodyParser(&evt); err != nil {
		return h.ackWithWarning(ctx, "provider-c", err)
	}

	h.dispatchStatus(ctx, domain.StatusEvent{
		CallID:         parseCallID(evt.CallID),
		ProviderCallID: evt.CallRef,
		RawStatus:      evt.Status,
		Provider:       domain.ProviderC,
		Duration:       time.Duration(evt.DurationMs) * time.Millisecond,
		AnsweredBy:     evt.AnsweredBy,
		Sequence:       evt.Sequence,
		Timestamp:      evt.OccurredAt,
	})
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"received": true})
}

// verifyHmac applies shared-secret verification under the configured
// webhook mode. A nil return means the request may proceed.
func (h *HandlerSet) verifyHmac(ctx *fiber.Ctx, point string) error {
	v := h.container.Verifier
	err := v.VerifyWebhook(ctx.Method(), ctx.Path(), ctx.Body(),
		ctx.Get(headerTimestamp), ctx.Get(headerSignature))
	if err != nil && signature.Enforce(v.WebhookMode(), err, h.container.Logger, point) {
		return fiber.NewError(http.StatusUnauthorized, "signature verification failed")
	}
	return nil
}

// dispatchStatus hands the event to the lifecycle engine on the call's
// serialized task queue when the call is known, so concurrent webhooks
// for one call never interleave. Unknown calls apply inline, which
// creates the session.
func (h *HandlerSet) dispatchStatus(ctx *fiber.Ctx, evt domain.StatusEvent) {
	engine := h.container.Lifecycle()
	reg := h.container.Registry

	callID := evt.CallID
	if callID == uuid.Nil && evt.ProviderCallID != "" {
		if session, ok := reg.Resolve(evt.ProviderCallID); ok {
			callID = session.CallID
		}
	}

	if callID == uuid.Nil {
		engine.ApplyStatus(ctx.Context(), evt)
		return
	}

	evt.CallID = callID
	reg.Enqueue(callID, func() {
		engine.ApplyStatus(context.Background(), evt)
	})
}

// ackWithWarning logs an undecodable provider payload but still
// acknowledges it; providers retry on non-2xx and a malformed event
// will not improve on redelivery.
func (h *HandlerSet) ackWithWarning(ctx *fiber.Ctx, providerName string, err error) error {
	h.container.Logger.Warn("undecodable webhook payload",
		zap.String("provider", providerName), zap.Error(err))
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"received": false})
}

func parseCallID(raw string) uuid.UUID {
	if raw == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
