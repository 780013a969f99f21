package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/jobs"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
)

type triggerCallRequest struct {
	PhoneNumber       string            `json:"phone_number"`
	CallbackURL       string            `json:"callback_url"`
	StreamURL         string            `json:"stream_url"`
	PreferredProvider string            `json:"preferred_provider"`
	ScopeKey          string            `json:"scope_key"`
	NeedsDigitGather  bool              `json:"needs_digit_gather"`
	ScheduledAt       *time.Time        `json:"scheduled_at"`
	Metadata          map[string]string `json:"metadata"`
}

type scheduleCallbackRequest struct {
	PhoneNumber string     `json:"phone_number"`
	CallbackURL string     `json:"callback_url"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

type scheduleMessageRequest struct {
	PhoneNumber string     `json:"phone_number"`
	Message     string     `json:"message"`
	CallbackURL string     `json:"callback_url"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

// triggerCall accepts an outbound call request and enqueues a placement
// job. Placement itself is asynchronous; the response carries the call
// id the caller should track.
func (h *HandlerSet) triggerCall(ctx *fiber.Ctx) error {
	var req triggerCallRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if err := validatePhone(req.PhoneNumber); err != nil {
		return translateError(err)
	}

	callID := uuid.New()
	payload, err := json.Marshal(jobs.PlacementPayload{
		CallID:            callID,
		PhoneNumber:       req.PhoneNumber,
		CallbackURL:       req.CallbackURL,
		StreamURL:         req.StreamURL,
		PreferredProvider: req.PreferredProvider,
		ScopeKey:          req.ScopeKey,
		NeedsDigitGather:  req.NeedsDigitGather,
		Metadata:          req.Metadata,
	})
	if err != nil {
		return err
	}

	runAt := h.runAt(req.ScheduledAt)
	jobID, err := h.container.JobQueue().Schedule(ctx.Context(), domain.JobTypeOutboundCall, payload, runAt)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{
		"call_id": callID,
		"job_id":  jobID,
		"run_at":  runAt,
	})
}

// scheduleCallback enqueues a return call to the party behind an
// existing call. The new call gets its own id and records the original
// in its metadata.
func (h *HandlerSet) scheduleCallback(ctx *fiber.Ctx) error {
	originID, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}

	var req scheduleCallbackRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	phone := req.PhoneNumber
	if phone == "" {
		origin, lookupErr := h.lookupCall(ctx, originID)
		if lookupErr != nil {
			return translateError(lookupErr)
		}
		phone = origin.PhoneNumber
	}
	if err := validatePhone(phone); err != nil {
		return translateError(err)
	}

	callID := uuid.New()
	payload, err := json.Marshal(jobs.PlacementPayload{
		CallID:      callID,
		PhoneNumber: phone,
		CallbackURL: req.CallbackURL,
		Metadata:    map[string]string{"origin_call_id": originID.String()},
	})
	if err != nil {
		return err
	}

	runAt := h.runAt(req.ScheduledAt)
	jobID, err := h.container.JobQueue().Schedule(ctx.Context(), domain.JobTypeCallbackCall, payload, runAt)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{
		"call_id": callID,
		"job_id":  jobID,
		"run_at":  runAt,
	})
}

// scheduleMessage enqueues a call that announces a fixed message.
func (h *HandlerSet) scheduleMessage(ctx *fiber.Ctx) error {
	var req scheduleMessageRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if err := validatePhone(req.PhoneNumber); err != nil {
		return translateError(err)
	}
	if req.Message == "" {
		return fiber.NewError(http.StatusBadRequest, "message is required")
	}

	callID := uuid.New()
	payload, err := json.Marshal(jobs.MessagePayload{
		CallID:      callID,
		PhoneNumber: req.PhoneNumber,
		Message:     req.Message,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		return err
	}

	runAt := h.runAt(req.ScheduledAt)
	jobID, err := h.container.JobQueue().Schedule(ctx.Context(), domain.JobTypeScheduledMessage, payload, runAt)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{
		"call_id": callID,
		"job_id":  jobID,
		"run_at":  runAt,
	})
}

// cancelCall terminates a live call on operator request, going through
// the supervisor's single teardown path.
func (h *HandlerSet) cancelCall(ctx *fiber.Ctx) error {
	callID, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}
	session, ok := h.container.Registry.Get(callID)
	if !ok {
		return translateError(fmt.Errorf("%w: call %s", apperrors.ErrNotFound, callID))
	}
	if session.Ending || session.Status.Terminal() {
		return fiber.NewError(http.StatusConflict, "call already ended")
	}

	h.container.Supervisor().EndCall(ctx.Context(), callID, "operator_cancel", domain.CallStatusCanceled)
	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{
		"call_id": callID,
		"status":  domain.CallStatusCanceled,
	})
}

// getCall serves a call's current state, preferring the live in-memory
// session and falling back to the durable record for calls already
// evicted.
func (h *HandlerSet) getCall(ctx *fiber.Ctx) error {
	callID, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}

	if session, ok := h.container.Registry.Get(callID); ok {
		resp := fiber.Map{
			"call_id":           session.CallID,
			"provider":          session.Provider,
			"direction":         session.Direction,
			"status":            session.Status,
			"status_updated_at": session.StatusUpdatedAt,
			"provider_call_id":  session.ProviderCallID,
			"phone_number":      session.PhoneNumber,
			"created_at":        session.CreatedAt,
			"answered_at":       session.AnsweredAt,
			"ended_at":          session.EndedAt,
			"live":              true,
		}
		if session.Stream != nil {
			resp["stream"] = fiber.Map{
				"connected_at":  session.Stream.ConnectedAt,
				"last_media_at": session.Stream.LastMediaAt,
			}
		}
		return ctx.JSON(resp)
	}

	record, err := h.container.Stores().Calls.Get(ctx.Context(), callID)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(fiber.Map{
		"call_id":          record.CallID,
		"provider":         record.Provider,
		"direction":        record.Direction,
		"status":           record.Status,
		"provider_call_id": record.ProviderCallID,
		"phone_number":     record.PhoneNumber,
		"created_at":       record.CreatedAt,
		"answered_at":      record.AnsweredAt,
		"ended_at":         record.EndedAt,
		"live":             false,
	})
}

// callHistory serves the per-call event trail, newest first.
func (h *HandlerSet) callHistory(ctx *fiber.Ctx) error {
	callID, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}
	limit := ctx.QueryInt("limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	entries, err := h.container.Stores().History.History(ctx.Context(), callID, limit)
	if err != nil {
		return translateError(err)
	}

	items := make([]fiber.Map, 0, len(entries))
	for _, e := range entries {
		items = append(items, fiber.Map{
			"kind":        e.Kind,
			"previous":    e.Previous,
			"value":       e.Value,
			"detail":      e.Detail,
			"occurred_at": e.OccurredAt,
		})
	}
	return ctx.JSON(fiber.Map{"call_id": callID, "entries": items})
}

// lookupCall resolves a call's phone number from the live session or
// the durable record.
func (h *HandlerSet) lookupCall(ctx *fiber.Ctx, callID uuid.UUID) (*domain.CallSession, error) {
	if session, ok := h.container.Registry.Get(callID); ok {
		return session, nil
	}
	record, err := h.container.Stores().Calls.Get(ctx.Context(), callID)
	if err != nil {
		return nil, err
	}
	return &domain.CallSession{
		CallID:      record.CallID,
		Provider:    domain.ProviderName(record.Provider),
		PhoneNumber: record.PhoneNumber,
		Status:      record.Status,
	}, nil
}

func (h *HandlerSet) runAt(scheduled *time.Time) time.Time {
	now := h.container.Registry.Scheduler().Now()
	if scheduled == nil || scheduled.Before(now) {
		return now
	}
	return *scheduled
}

func validatePhone(phone string) error {
	if len(phone) < 8 || len(phone) > 16 || phone[0] != '+' {
		return fmt.Errorf("%w: phone number must be E.164", apperrors.ErrValidation)
	}
	for _, r := range phone[1:] {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: phone number must be E.164", apperrors.ErrValidation)
		}
	}
	return nil
}
