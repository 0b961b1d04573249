package adminapi

import (
	"github.com/gofiber/fiber/v2"

	"github.com/GiampaoloGabba/taskengine/internal/engine"
)

// QueuesHandler exposes queue-manager introspection (spec.md §4.3's
// count()/maxDegreeOfParallelism per named queue).
type QueuesHandler struct {
	engine *engine.Engine
}

// NewQueuesHandler builds a QueuesHandler bound to eng.
func NewQueuesHandler(eng *engine.Engine) *QueuesHandler {
	return &QueuesHandler{engine: eng}
}

// List reports every registered queue's current depth and parallelism.
// @Summary List queue stats
// @Tags queues
// @Produce json
// @Success 200 {object} Response
// @Router /api/v1/queues [get]
func (h *QueuesHandler) List(c *fiber.Ctx) error {
	return ok(c, h.engine.Queues().Snapshot())
}
