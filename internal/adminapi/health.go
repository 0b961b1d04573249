package adminapi

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/GiampaoloGabba/taskengine/internal/engine"
)

// pinger is implemented by storage backends that have a real connection
// to check (relational.Store). memstore has nothing to ping and is
// always reachable.
type pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler exposes health/ready/live endpoints, grounded on the
// teacher's internal/handler/health_handler.go, generalized from
// "scheduler.IsRunning() + gorm ping" to "engine.IsRunning() + store ping".
type HealthHandler struct {
	engine *engine.Engine
}

// NewHealthHandler builds a HealthHandler bound to eng.
func NewHealthHandler(eng *engine.Engine) *HealthHandler {
	return &HealthHandler{engine: eng}
}

// Health reports overall service health.
// @Summary Health check
// @Tags health
// @Produce json
// @Success 200 {object} Response
// @Failure 503 {object} Response
// @Router /health [get]
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	data := fiber.Map{
		"status": "healthy",
		"engine": h.engine.IsRunning(),
	}

	if err := h.pingStore(c.Context()); err != nil {
		data["status"] = "unhealthy"
		data["storage"] = "disconnected"
		return serviceUnavailable(c, "storage connection error")
	}
	data["storage"] = "connected"

	if !h.engine.IsRunning() {
		data["status"] = "unhealthy"
		return serviceUnavailable(c, "engine is not running")
	}

	return ok(c, data)
}

// Ready reports whether the service is ready to accept dispatch calls.
// @Summary Readiness check
// @Tags health
// @Produce json
// @Success 200 {object} Response
// @Failure 503 {object} Response
// @Router /ready [get]
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	if !h.engine.IsRunning() {
		return serviceUnavailable(c, "engine is not running")
	}
	if err := h.pingStore(c.Context()); err != nil {
		return serviceUnavailable(c, "storage connection error")
	}
	return ok(c, fiber.Map{"status": "ready"})
}

// Live reports liveness only, never touching storage.
// @Summary Liveness check
// @Tags health
// @Produce json
// @Success 200 {object} Response
// @Router /live [get]
func (h *HealthHandler) Live(c *fiber.Ctx) error {
	return ok(c, fiber.Map{"status": "alive"})
}

func (h *HealthHandler) pingStore(ctx context.Context) error {
	p, ok := h.engine.Store().(pinger)
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}
