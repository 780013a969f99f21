package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/signature"
)

// requireAdmin authenticates operator requests with the admin shared
// secret. Unlike provider webhooks there is no warn mode here; a bad
// signature always rejects.
func (h *HandlerSet) requireAdmin(ctx *fiber.Ctx) error {
	err := h.container.Verifier.VerifyAdmin(ctx.Method(), ctx.Path(), ctx.Body(),
		ctx.Get(headerTimestamp), ctx.Get(headerSignature))
	if err != nil {
		h.container.Logger.Warn("admin request rejected",
			zap.String("reason", signature.Reason(err)), zap.String("path", ctx.Path()))
		return fiber.NewError(http.StatusUnauthorized, "admin authentication failed")
	}
	return ctx.Next()
}

// listDlq serves the dead-letter backlog for inspection.
func (h *HandlerSet) listDlq(ctx *fiber.Ctx) error {
	limit := ctx.QueryInt("limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	entries, err := h.container.Stores().Dlq.List(ctx.Context(), limit)
	if err != nil {
		return translateError(err)
	}
	backlog, err := h.container.Stores().Dlq.BacklogCount(ctx.Context())
	if err != nil {
		return translateError(err)
	}

	items := make([]fiber.Map, 0, len(entries))
	for _, e := range entries {
		items = append(items, fiber.Map{
			"job_id":       e.JobID,
			"job_type":     e.JobType,
			"reason":       e.Reason,
			"attempts":     e.Attempts,
			"replay_count": e.ReplayCount,
			"created_at":   e.CreatedAt,
		})
	}
	return ctx.JSON(fiber.Map{"backlog": backlog, "entries": items})
}

// replayDlq requeues dead-lettered jobs with a fresh attempt budget,
// bounded per entry so a permanently broken job cannot loop forever.
func (h *HandlerSet) replayDlq(ctx *fiber.Ctx) error {
	var req struct {
		Limit int `json:"limit"`
	}
	if err := ctx.BodyParser(&req); err != nil && len(ctx.Body()) > 0 {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if req.Limit <= 0 || req.Limit > 500 {
		req.Limit = 50
	}

	replayed, err := h.container.JobQueue().ReplayFromDlq(ctx.Context(), req.Limit)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(fiber.Map{"replayed": replayed})
}

// jobCounts serves the queue depth broken down by status.
func (h *HandlerSet) jobCounts(ctx *fiber.Ctx) error {
	counts, err := h.container.Stores().Jobs.CountByStatus(ctx.Context())
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(fiber.Map{"counts": counts})
}

// providerHealth serves the per-provider error-rate snapshot.
func (h *HandlerSet) providerHealth(ctx *fiber.Ctx) error {
	providers := h.container.Providers()
	snapshot := providers.Health.Snapshot(domain.ProviderPriority, providers.Selector.Ready())
	return ctx.JSON(fiber.Map{"providers": snapshot})
}

// listOverrides serves the active scoped provider overrides.
func (h *HandlerSet) listOverrides(ctx *fiber.Ctx) error {
	entries, err := h.container.Providers().Overrides.List(ctx.Context())
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(fiber.Map{"overrides": entries})
}

// forceOverride pins a scope to a provider for the requested duration.
func (h *HandlerSet) forceOverride(ctx *fiber.Ctx) error {
	var req struct {
		ScopeKey   string `json:"scope_key"`
		Provider   string `json:"provider"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if req.ScopeKey == "" {
		return fiber.NewError(http.StatusBadRequest, "scope_key is required")
	}

	name := domain.ProviderName(req.Provider)
	if _, ok := h.container.Providers().Selector.Adapter(name); !ok {
		return fiber.NewError(http.StatusBadRequest, "unknown provider")
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = h.container.Config.Providers.OverrideTTL
	}
	if err := h.container.Providers().Overrides.Force(ctx.Context(), req.ScopeKey, name, ttl); err != nil {
		return translateError(err)
	}
	return ctx.JSON(fiber.Map{"scope_key": req.ScopeKey, "provider": name, "ttl": ttl.String()})
}

// clearOverride removes a scoped override.
func (h *HandlerSet) clearOverride(ctx *fiber.Ctx) error {
	scope := ctx.Params("scope")
	if scope == "" {
		return fiber.NewError(http.StatusBadRequest, "scope is required")
	}
	if err := h.container.Providers().Overrides.Clear(ctx.Context(), scope); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}
