package adminapi

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/GiampaoloGabba/taskengine/internal/dispatcher"
	"github.com/GiampaoloGabba/taskengine/internal/engine"
	"github.com/GiampaoloGabba/taskengine/internal/models"
)

// TasksHandler exposes the engine's dispatch/cancel/introspection
// surface over HTTP, grounded on the teacher's JobHandler
// (internal/handler/job_handler.go) generalized from CRUD-over-jobs to
// dispatch-and-observe over the engine's QueuedTask aggregate.
type TasksHandler struct {
	engine    *engine.Engine
	validate  *validator.Validate
}

// NewTasksHandler builds a TasksHandler bound to eng.
func NewTasksHandler(eng *engine.Engine) *TasksHandler {
	return &TasksHandler{engine: eng, validate: validator.New()}
}

// DispatchRequest is the wire shape of a dispatch call (spec.md §4.7's
// dispatch(task, schedule?, recurring?, taskKey?, auditLevel?)),
// validated against the length invariants of spec.md §3.1/§3.6 with
// go-playground/validator (grounded per SPEC_FULL.md B on
// jordigilh-kubernaut's admission-request validation pattern).
type DispatchRequest struct {
	TaskType               string                 `json:"task_type" validate:"required,max=500"`
	Request                json.RawMessage        `json:"request" validate:"required"`
	TaskKey                string                 `json:"task_key,omitempty" validate:"omitempty,max=200"`
	QueueName              string                 `json:"queue_name,omitempty"`
	ScheduledAt            *time.Time             `json:"scheduled_at,omitempty"`
	Recurring              *models.RecurringTask  `json:"recurring,omitempty"`
	AuditLevel             models.AuditLevel      `json:"audit_level,omitempty" validate:"omitempty,oneof=Full Minimal ErrorsOnly None"`
	ThrowIfUnableToPersist bool                   `json:"throw_if_unable_to_persist,omitempty"`
}

// Dispatch submits a task for durable execution.
// @Summary Dispatch a task
// @Description Validate, persist, and route a task per spec.md §4.7
// @Tags tasks
// @Accept json
// @Produce json
// @Param request body DispatchRequest true "Dispatch request"
// @Success 201 {object} Response
// @Failure 400 {object} Response
// @Failure 500 {object} Response
// @Router /api/v1/tasks [post]
func (h *TasksHandler) Dispatch(c *fiber.Ctx) error {
	var req DispatchRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	opts := dispatcher.Options{
		TaskKey:                req.TaskKey,
		QueueName:              req.QueueName,
		ScheduledExecutionUtc:  req.ScheduledAt,
		Recurring:              req.Recurring,
		AuditLevel:             req.AuditLevel,
		ThrowIfUnableToPersist: req.ThrowIfUnableToPersist,
	}

	id, err := h.engine.Dispatch(c.Context(), req.TaskType, req.Request, opts)
	if err != nil {
		return badRequest(c, err.Error())
	}
	return created(c, fiber.Map{"id": id})
}

// Get retrieves a task by id.
// @Summary Get a task
// @Tags tasks
// @Produce json
// @Param id path string true "Task ID"
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Router /api/v1/tasks/{id} [get]
func (h *TasksHandler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid task id")
	}

	task, err := h.engine.Store().Get(c.Context(), id)
	if err != nil {
		return notFound(c, "task not found")
	}
	return ok(c, task)
}

// List returns pending tasks, optionally scoped to one queue.
// @Summary List pending tasks
// @Tags tasks
// @Produce json
// @Param queue query string false "Queue name"
// @Param limit query int false "Limit" default(100)
// @Success 200 {object} Response
// @Failure 500 {object} Response
// @Router /api/v1/tasks [get]
func (h *TasksHandler) List(c *fiber.Ctx) error {
	queueName := c.Query("queue")
	limit := c.QueryInt("limit", 100)

	tasks, err := h.engine.Store().RetrievePending(c.Context(), queueName, limit)
	if err != nil {
		return internalError(c, err.Error())
	}
	return okWithMeta(c, tasks, &Meta{TotalCount: int64(len(tasks))})
}

// Cancel cancels a task (spec.md §4.5.4).
// @Summary Cancel a task
// @Tags tasks
// @Param id path string true "Task ID"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 500 {object} Response
// @Router /api/v1/tasks/{id}/cancel [post]
func (h *TasksHandler) Cancel(c *fiber.Ctx) error {
	idStr := c.Params("id")
	if _, err := uuid.Parse(idStr); err != nil {
		return badRequest(c, "invalid task id")
	}

	if err := h.engine.Cancel(c.Context(), idStr); err != nil {
		return internalError(c, err.Error())
	}
	return ok(c, fiber.Map{"cancelled": true})
}

// StatusAudits returns a task's recorded status transitions (spec.md §3.2).
// @Summary Get a task's status audit trail
// @Tags tasks
// @Produce json
// @Param id path string true "Task ID"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 500 {object} Response
// @Router /api/v1/tasks/{id}/status-audits [get]
func (h *TasksHandler) StatusAudits(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid task id")
	}
	audits, err := h.engine.Store().GetStatusAudits(c.Context(), id)
	if err != nil {
		return internalError(c, err.Error())
	}
	return ok(c, audits)
}

// RunsAudits returns a task's recorded recurring-execution history
// (spec.md §3.2).
// @Summary Get a task's recurring run history
// @Tags tasks
// @Produce json
// @Param id path string true "Task ID"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 500 {object} Response
// @Router /api/v1/tasks/{id}/runs-audits [get]
func (h *TasksHandler) RunsAudits(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid task id")
	}
	runs, err := h.engine.Store().GetRunsAudits(c.Context(), id)
	if err != nil {
		return internalError(c, err.Error())
	}
	return ok(c, runs)
}

// Logs returns a task's captured application-log lines (spec.md §3.2).
// @Summary Get a task's captured execution logs
// @Tags tasks
// @Produce json
// @Param id path string true "Task ID"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 500 {object} Response
// @Router /api/v1/tasks/{id}/logs [get]
func (h *TasksHandler) Logs(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid task id")
	}
	logs, err := h.engine.Store().GetExecutionLogs(c.Context(), id)
	if err != nil {
		return internalError(c, err.Error())
	}
	return ok(c, logs)
}
