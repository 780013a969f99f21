// Package handlers owns the HTTP surface: provider status webhooks,
// call trigger endpoints, and the signed admin operations.
package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/app"
)

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	container *app.Container
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(container *app.Container) *HandlerSet {
	return &HandlerSet{container: container}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(fiberApp *fiber.App) {
	fiberApp.Get("/healthz", h.health)

	webhooks := fiberApp.Group("/webhooks")
	webhooks.Post("/provider-a", h.providerAWebhook)
	webhooks.Post("/provider-b", h.providerBWebhook)
	webhooks.Post("/provider-c", h.providerCWebhook)

	api := fiberApp.Group("/api")
	v1 := api.Group("/v1")

	calls := v1.Group("/calls")
	calls.Post("/", h.triggerCall)
	calls.Get("/:id", h.getCall)
	calls.Delete("/:id", h.cancelCall)
	calls.Post("/:id/callback", h.scheduleCallback)
	calls.Get("/:id/history", h.callHistory)

	v1.Post("/messages", h.scheduleMessage)

	admin := fiberApp.Group("/admin/v1", h.requireAdmin)
	admin.Get("/dlq", h.listDlq)
	admin.Post("/dlq/replay", h.replayDlq)
	admin.Get("/jobs", h.jobCounts)
	admin.Get("/providers/health", h.providerHealth)
	admin.Get("/providers/overrides", h.listOverrides)
	admin.Post("/providers/overrides", h.forceOverride)
	admin.Delete("/providers/overrides/:scope", h.clearOverride)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.container.Logger.Error("request failed", zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)

	if err := h.container.Postgres.DB().PingContext(healthCtx); err != nil {
		errs["postgres"] = err.Error()
	}

	if err := h.container.Redis.Inner().Ping(healthCtx).Err(); err != nil {
		errs["redis"] = err.Error()
	}

	if err := h.container.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(healthCtx).Exec(); err != nil {
		errs["scylla"] = err.Error()
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{
		"status":       state,
		"active_calls": h.container.Registry.Len(),
		"errors":       errs,
	})
}
