// Package engine wires L0-L5 together behind a functional-options
// configuration surface (spec.md §6.3), the public package a caller
// imports and the thing the demo host in `cmd` drives. Grounded on the
// teacher's own `config/config.go` + `cmd/main.go` wiring sequence
// (build dependencies bottom-up, then hand them to the host) and on the
// `dmitrymomot-foundation` queue package's `SchedulerOption`/
// `schedulerOptions` functional-options pair for the shape of Option.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/GiampaoloGabba/taskengine/internal/applog"
	"github.com/GiampaoloGabba/taskengine/internal/cancelreg"
	"github.com/GiampaoloGabba/taskengine/internal/clock"
	"github.com/GiampaoloGabba/taskengine/internal/dispatcher"
	"github.com/GiampaoloGabba/taskengine/internal/models"
	"github.com/GiampaoloGabba/taskengine/internal/queue"
	"github.com/GiampaoloGabba/taskengine/internal/recovery"
	"github.com/GiampaoloGabba/taskengine/internal/recurring"
	"github.com/GiampaoloGabba/taskengine/internal/scheduler"
	"github.com/GiampaoloGabba/taskengine/internal/storage"
	"github.com/GiampaoloGabba/taskengine/internal/storage/memstore"
)

type queueSpec struct {
	name        string
	capacity    int
	parallelism int
}

// config accumulates every With* option before Build assembles the
// concrete L0-L4 components (spec.md §6.3's recognized options).
type config struct {
	store  storage.Store
	logger applog.Logger
	clk    clock.Clock

	defaultQueueCapacity    int
	defaultQueueParallelism int
	recurringQueueCapacity  int
	recurringQueueParallelism int
	extraQueues             []queueSpec

	useSharded  bool
	shardCount  int
	schedulerTick time.Duration

	lazyPolicy dispatcher.LazyPolicy

	defaultAuditLevel models.AuditLevel

	maxLogsPerTask int

	registrations []dispatcher.Registration
}

// Option configures the engine before Build (spec.md §6.3).
type Option func(*config)

// WithStore supplies the durable backend (memstore.New(...) or
// relational.Store). Defaults to an in-memory store whose per-task log
// retention is the WithPersistentLogger bound (unbounded when unset).
func WithStore(store storage.Store) Option {
	return func(c *config) { c.store = store }
}

// WithLogger supplies the structured logger every internal package
// uses (spec.md A.1). Defaults to a no-op logger.
func WithLogger(logger applog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithClock overrides the time source; tests use this to inject
// clock.NewFake. Defaults to clock.New() (wall clock).
func WithClock(clk clock.Clock) Option {
	return func(c *config) { c.clk = clk }
}

// WithQueueCapacity sets the default queue's channel bound
// (spec.md §6.3 setChannelOptions).
func WithQueueCapacity(capacity int) Option {
	return func(c *config) { c.defaultQueueCapacity = capacity }
}

// WithMaxDegreeOfParallelism sets the default queue's worker count
// (spec.md §6.3 setMaxDegreeOfParallelism).
func WithMaxDegreeOfParallelism(n int) Option {
	return func(c *config) { c.defaultQueueParallelism = n }
}

// WithDefaultQueue reconfigures both the default queue's capacity and
// parallelism together (spec.md §6.3 configureDefaultQueue).
func WithDefaultQueue(capacity, parallelism int) Option {
	return func(c *config) { c.defaultQueueCapacity, c.defaultQueueParallelism = capacity, parallelism }
}

// WithRecurringQueue reconfigures the always-present recurring queue
// (spec.md §6.3 configureRecurringQueue).
func WithRecurringQueue(capacity, parallelism int) Option {
	return func(c *config) { c.recurringQueueCapacity, c.recurringQueueParallelism = capacity, parallelism }
}

// WithQueue registers an additional named queue (spec.md §6.3 addQueue).
func WithQueue(name string, capacity, parallelism int) Option {
	return func(c *config) {
		c.extraQueues = append(c.extraQueues, queueSpec{name: name, capacity: capacity, parallelism: parallelism})
	}
}

// WithShardedScheduler switches from the default single-heap scheduler
// to the fnv-sharded variant (spec.md §6.3 useShardedScheduler).
func WithShardedScheduler(shardCount int) Option {
	return func(c *config) { c.useSharded = true; c.shardCount = shardCount }
}

// WithSchedulerTick overrides the scheduler's polling interval. Tests
// use a short tick; production defaults to 500ms (scheduler.newBase's
// default).
func WithSchedulerTick(d time.Duration) Option {
	return func(c *config) { c.schedulerTick = d }
}

// WithLazyHandlerResolution toggles the adaptive lazy/eager rule
// globally (spec.md §6.3 useLazyHandlerResolution). Disabling forces
// eager resolution for every task regardless of interval/delay.
func WithLazyHandlerResolution(enabled bool) Option {
	return func(c *config) { c.lazyPolicy.Enabled = enabled }
}

// WithLazyHandlerResolutionThreshold overrides the delayed-task lazy
// threshold (spec.md §6.3 lazyHandlerResolutionThreshold). The
// recurring-interval threshold is a separate, fixed reading of §4.6 and
// is not exposed as an option there, matching spec wording which only
// calls out a configurable *delay* threshold.
func WithLazyHandlerResolutionThreshold(d time.Duration) Option {
	return func(c *config) { c.lazyPolicy.DelayThreshold = d }
}

// WithDefaultAuditLevel sets the audit policy applied when a dispatch
// does not specify one (spec.md §6.3 setDefaultAuditLevel).
func WithDefaultAuditLevel(level models.AuditLevel) Option {
	return func(c *config) { c.defaultAuditLevel = level }
}

// WithPersistentLogger configures TaskExecutionLog retention (spec.md
// §6.3 withPersistentLogger). Per-task log capture is always available
// through storage.Store.AppendExecutionLogs; this controls only how
// many lines memstore/relational retain per task. maxLogsPerTask <= 0
// means unbounded.
func WithPersistentLogger(maxLogsPerTask int) Option {
	return func(c *config) { c.maxLogsPerTask = maxLogsPerTask }
}

// WithHandler registers one handler type (spec.md §6.3
// registerTasksFromAssembly's Go analogue: Go has no assembly/reflection
// scan, so handlers are registered one call per type instead of
// discovered; see DESIGN.md).
func WithHandler(reg dispatcher.Registration) Option {
	return func(c *config) { c.registrations = append(c.registrations, reg) }
}

func defaultConfig() *config {
	return &config{
		defaultQueueCapacity:      256,
		defaultQueueParallelism:   4,
		recurringQueueCapacity:    256,
		recurringQueueParallelism: 4,
		lazyPolicy:                dispatcher.DefaultLazyPolicy(),
		defaultAuditLevel:         models.AuditFull,
		schedulerTick:             500 * time.Millisecond,
	}
}

// Engine is the assembled, runnable task engine.
type Engine struct {
	cfg       *config
	store     storage.Store
	queues    *queue.Manager
	sched     scheduler.Scheduler
	registry  *cancelreg.Registry
	recurring *recurring.Engine
	dispatch  *dispatcher.Dispatcher
	recoverer *recovery.Recoverer
	logger    applog.Logger
	running   atomic.Bool
}

// New builds an Engine from the given options without starting
// anything (spec.md §6.3's surface assembled, L0-L4 wired).
func New(opts ...Option) (*Engine, error) {
	c := defaultConfig()
	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = applog.Noop{}
	}
	if c.clk == nil {
		c.clk = clock.New()
	}
	if c.store == nil {
		c.store = memstore.New(c.maxLogsPerTask)
	}

	registry := cancelreg.New()
	recurringEngine := recurring.NewEngine()

	qm := queue.NewManager(
		c.defaultQueueCapacity, c.defaultQueueParallelism,
		c.recurringQueueCapacity, c.recurringQueueParallelism,
		queue.WithFallbackLogger(func(requested string) {
			c.logger.Warn("engine: unknown queue name, falling back to default", applog.Str("requested", requested))
		}),
	)
	for _, qs := range c.extraQueues {
		qm.AddQueue(qs.name, qs.capacity, qs.parallelism)
	}

	var sched scheduler.Scheduler
	if c.useSharded {
		sched = scheduler.NewSharded(c.clk, registry, c.schedulerTick, c.shardCount)
	} else {
		sched = scheduler.NewDefault(c.clk, registry, c.schedulerTick)
	}

	d := dispatcher.New(c.store, qm, sched, registry, c.clk, recurringEngine, c.lazyPolicy, c.logger)
	for _, reg := range c.registrations {
		d.Register(reg)
	}

	rec := recovery.New(c.store, d, recurringEngine, c.clk, c.logger)

	return &Engine{
		cfg: c, store: c.store, queues: qm, sched: sched, registry: registry,
		recurring: recurringEngine, dispatch: d, recoverer: rec, logger: c.logger,
	}, nil
}

// Start starts the queue manager and scheduler, then runs startup
// recovery (spec.md §4.8) before returning.
func (e *Engine) Start(ctx context.Context) error {
	e.queues.Start(ctx)
	e.sched.Start(ctx)

	report, err := e.recoverer.Run(ctx)
	if err != nil {
		return fmt.Errorf("engine: startup recovery: %w", err)
	}
	e.logger.Info("engine: startup recovery complete",
		applog.Int("requeued", report.Requeued),
		applog.Int("enqueued", report.Enqueued),
		applog.Int("rescheduled", report.Rescheduled),
		applog.Int("skipped", report.SkippedTasks),
	)
	e.running.Store(true)
	return nil
}

// Stop stops the scheduler and queue manager. Scheduler.Stop only tears
// down the polling loop; in-flight worker goroutines are the queue
// manager's concern, and Manager.Stop waits for Executor.Run calls
// already pulled off a queue to return before the process exits (a
// task whose Run call is still in its shutdown-grace retry wait will
// observe ctx.Done() and land on ServiceStopped per worker.Executor's
// composite-cancellation handling — spec.md §2's shutdown control flow).
func (e *Engine) Stop() {
	e.sched.Stop()
	e.queues.Stop()
	e.running.Store(false)
}

// IsRunning reports whether Start has completed and Stop has not yet been
// called, grounded on the teacher's health_handler.go scheduler.IsRunning()
// check.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Dispatch is the public entry point (spec.md §4.7).
func (e *Engine) Dispatch(ctx context.Context, taskType string, request interface{}, opts dispatcher.Options) (uuidString string, err error) {
	if opts.AuditLevel == "" {
		opts.AuditLevel = e.cfg.defaultAuditLevel
	}
	id, err := e.dispatch.Dispatch(ctx, taskType, request, opts)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Cancel implements the public cancellation entry point.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	id, err := parseUUID(taskID)
	if err != nil {
		return err
	}
	return e.dispatch.Cancel(ctx, id)
}

// Store exposes the underlying storage.Store for admin/introspection
// surfaces (internal/adminapi).
func (e *Engine) Store() storage.Store { return e.store }

// Queues exposes the queue manager for admin/introspection surfaces
// (per-queue depth and parallelism, spec.md §6.2's monitoring needs).
func (e *Engine) Queues() *queue.Manager { return e.queues }

// RegisterHandler adds a handler type after New, for callers that build
// handler factories referencing the Engine itself (a common cycle:
// handler needs e.Dispatch to fan out sub-tasks).
func (e *Engine) RegisterHandler(reg dispatcher.Registration) {
	e.dispatch.Register(reg)
}

func parseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("engine: invalid task id %q: %w", s, err)
	}
	return id, nil
}
