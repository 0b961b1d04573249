package adminapi

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/swagger"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GiampaoloGabba/taskengine/internal/engine"
)

// Handlers bundles every admin HTTP handler, mirroring the teacher's
// router.Handlers grouping.
type Handlers struct {
	Tasks  *TasksHandler
	Queues *QueuesHandler
	Health *HealthHandler
}

// NewHandlers builds every handler bound to eng.
func NewHandlers(eng *engine.Engine) *Handlers {
	return &Handlers{
		Tasks:  NewTasksHandler(eng),
		Queues: NewQueuesHandler(eng),
		Health: NewHealthHandler(eng),
	}
}

// SetupRouter configures the Fiber app with the teacher's middleware
// stack (recover/requestid/logger/cors), swagger, a Prometheus scrape
// endpoint, and the /api/v1 task/queue routes.
func SetupRouter(app *fiber.App, h *Handlers) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} - ${latency}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-Request-ID",
	}))

	app.Get("/swagger/*", swagger.HandlerDefault)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/health", h.Health.Health)
	app.Get("/ready", h.Health.Ready)
	app.Get("/live", h.Health.Live)

	v1 := app.Group("/api/v1")

	tasks := v1.Group("/tasks")
	tasks.Get("/", h.Tasks.List)
	tasks.Post("/", h.Tasks.Dispatch)
	tasks.Get("/:id", h.Tasks.Get)
	tasks.Post("/:id/cancel", h.Tasks.Cancel)
	tasks.Get("/:id/status-audits", h.Tasks.StatusAudits)
	tasks.Get("/:id/runs-audits", h.Tasks.RunsAudits)
	tasks.Get("/:id/logs", h.Tasks.Logs)

	queues := v1.Group("/queues")
	queues.Get("/", h.Queues.List)
}
