// Package dispatcher is the public entry point described in spec.md
// §4.7: it validates handler registration, persists a QueuedTask,
// resolves TaskKey idempotent registration, picks a queue (§4.3), picks
// a handler resolution strategy (§4.6), and routes the task to either
// the queue manager (immediate) or the scheduler (delayed/recurring).
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/GiampaoloGabba/taskengine/internal/applog"
	"github.com/GiampaoloGabba/taskengine/internal/cancelreg"
	"github.com/GiampaoloGabba/taskengine/internal/clock"
	"github.com/GiampaoloGabba/taskengine/internal/metrics"
	"github.com/GiampaoloGabba/taskengine/internal/models"
	"github.com/GiampaoloGabba/taskengine/internal/queue"
	"github.com/GiampaoloGabba/taskengine/internal/recurring"
	"github.com/GiampaoloGabba/taskengine/internal/scheduler"
	"github.com/GiampaoloGabba/taskengine/internal/storage"
	"github.com/GiampaoloGabba/taskengine/internal/worker"
)

// ErrHandlerNotRegistered is returned when Dispatch names a task type
// with no matching Registration (spec.md §4.7 step 1, the ArgumentNull
// case: here a typed sentinel instead, since Go has no null-reference
// exception analogue worth imitating).
var ErrHandlerNotRegistered = errors.New("dispatcher: no handler registered for task type")

// Registration describes one handler type's dispatch-time behavior.
type Registration struct {
	Type           string
	QueueName      string // non-empty overrides per-call/auto queue selection (spec.md §4.3)
	Factory        worker.HandlerFactory
	Retry          worker.RetryPolicy
	Timeout        time.Duration
	Callbacks      worker.Callbacks
}

// LazyPolicy configures the adaptive eager/lazy rule (spec.md §4.6).
type LazyPolicy struct {
	Enabled             bool
	RecurringThreshold  time.Duration // interval >= this => lazy
	DelayThreshold      time.Duration // delay >= this => lazy
}

// DefaultLazyPolicy matches spec.md §4.6's defaults.
func DefaultLazyPolicy() LazyPolicy {
	return LazyPolicy{Enabled: true, RecurringThreshold: 5 * time.Minute, DelayThreshold: 30 * time.Minute}
}

// Options is everything Dispatch accepts beyond the task type/payload
// (spec.md §4.7's dispatch(task, schedule?, recurring?, taskKey?, auditLevel?)).
type Options struct {
	TaskKey                string
	QueueName              string
	ScheduledExecutionUtc  *time.Time
	Recurring              *models.RecurringTask
	AuditLevel             models.AuditLevel
	ThrowIfUnableToPersist bool
}

// Dispatcher is the L4 component wiring storage, the queue manager, and
// the scheduler together.
type Dispatcher struct {
	store      storage.Store
	queues     *queue.Manager
	sched      scheduler.Scheduler
	registry   *cancelreg.Registry
	clk        clock.Clock
	recurring  *recurring.Engine
	logger     applog.Logger
	lazy       LazyPolicy
	handlers   map[string]Registration
}

// New builds a Dispatcher. logger may be nil (defaults to a no-op).
func New(store storage.Store, queues *queue.Manager, sched scheduler.Scheduler, registry *cancelreg.Registry, clk clock.Clock, recurringEngine *recurring.Engine, lazy LazyPolicy, logger applog.Logger) *Dispatcher {
	if logger == nil {
		logger = applog.Noop{}
	}
	return &Dispatcher{
		store: store, queues: queues, sched: sched, registry: registry,
		clk: clk, recurring: recurringEngine, lazy: lazy, logger: logger,
		handlers: make(map[string]Registration),
	}
}

// Register adds a handler type's dispatch-time configuration. Call
// before any Dispatch referencing that type.
func (d *Dispatcher) Register(reg Registration) {
	d.handlers[reg.Type] = reg
}

// Dispatch implements spec.md §4.7's resolution sequence.
func (d *Dispatcher) Dispatch(ctx context.Context, taskType string, request interface{}, opts Options) (uuid.UUID, error) {
	reg, ok := d.handlers[taskType]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrHandlerNotRegistered, taskType)
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return uuid.Nil, fmt.Errorf("dispatcher: serialize payload: %w", err)
	}

	isRecurring := opts.Recurring != nil
	if isRecurring {
		if err := d.recurring.ValidateSpec(opts.Recurring); err != nil {
			return uuid.Nil, fmt.Errorf("dispatcher: invalid recurring spec: %w", err)
		}
	}

	queueName := d.resolveQueueName(reg, opts.QueueName, isRecurring)
	auditLevel := opts.AuditLevel
	if auditLevel == "" {
		auditLevel = models.AuditFull
	}

	now := d.clk.Now().UTC()

	draft := &models.QueuedTask{
		TaskKey:               opts.TaskKey,
		Type:                  taskType,
		Handler:               taskType,
		Request:               payload,
		QueueName:             queueName,
		AuditLevel:            auditLevel,
		IsRecurring:           isRecurring,
		CreatedAtUtc:          now,
		ScheduledExecutionUtc: opts.ScheduledExecutionUtc,
	}
	if isRecurring {
		recurringJSON, err := json.Marshal(opts.Recurring)
		if err == nil {
			draft.RecurringTask = recurringJSON
		}
		draft.MaxRuns = opts.Recurring.MaxRuns
		draft.RunUntil = opts.Recurring.RunUntil
	}

	metrics.RecordDispatch(taskType, dispatchShape(isRecurring, opts.ScheduledExecutionUtc))

	if opts.TaskKey != "" {
		return d.dispatchWithTaskKey(ctx, draft, reg, opts, now)
	}

	return d.dispatchNew(ctx, draft, reg, opts, now)
}

// dispatchShape classifies a dispatch call for the
// taskengine_tasks_dispatched_total metric's "shape" label.
func dispatchShape(isRecurring bool, scheduled *time.Time) string {
	switch {
	case isRecurring:
		return "recurring"
	case scheduled != nil:
		return "delayed"
	default:
		return "immediate"
	}
}

func (d *Dispatcher) resolveQueueName(reg Registration, requested string, isRecurring bool) string {
	if reg.QueueName != "" {
		return reg.QueueName
	}
	if requested != "" {
		return requested
	}
	if isRecurring {
		return queue.RecurringQueueName
	}
	return queue.DefaultQueueName
}

func (d *Dispatcher) dispatchNew(ctx context.Context, draft *models.QueuedTask, reg Registration, opts Options, now time.Time) (uuid.UUID, error) {
	status, execTime, err := d.planInitialRun(draft, opts, now)
	if err != nil {
		return uuid.Nil, err
	}
	draft.Status = status
	if status == models.StatusWaitingQueue {
		draft.NextRunUtc = &execTime
	}

	id, err := d.store.Persist(ctx, draft)
	if err != nil {
		if opts.ThrowIfUnableToPersist {
			return uuid.Nil, fmt.Errorf("dispatcher: persist: %w", err)
		}
		d.logger.Warn("dispatcher: persist failed, proceeding best-effort", applog.Str("error", err.Error()))
		id = uuid.New()
		draft.ID = id
	}

	d.route(ctx, draft, reg, status, execTime)
	return id, nil
}

// planInitialRun decides the first status/executionTime for a freshly
// dispatched (non-idempotent-update) task: Queued+now for immediate,
// WaitingQueue+executionTime for delayed or recurring.
func (d *Dispatcher) planInitialRun(draft *models.QueuedTask, opts Options, now time.Time) (models.Status, time.Time, error) {
	switch {
	case draft.IsRecurring:
		first, err := d.recurring.FirstRun(opts.Recurring, now)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("dispatcher: compute first run: %w", err)
		}
		return models.StatusWaitingQueue, first, nil
	case opts.ScheduledExecutionUtc != nil:
		return models.StatusWaitingQueue, *opts.ScheduledExecutionUtc, nil
	default:
		return models.StatusQueued, now, nil
	}
}

// dispatchWithTaskKey implements spec.md §4.7 step 4's idempotent
// registration resolution table.
func (d *Dispatcher) dispatchWithTaskKey(ctx context.Context, draft *models.QueuedTask, reg Registration, opts Options, now time.Time) (uuid.UUID, error) {
	existing, err := d.store.GetByTaskKey(ctx, draft.TaskKey)
	if errors.Is(err, storage.ErrNotFound) {
		return d.dispatchNew(ctx, draft, reg, opts, now)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("dispatcher: lookup task key: %w", err)
	}

	switch existing.Status {
	case models.StatusInProgress:
		return existing.ID, nil

	case models.StatusQueued, models.StatusWaitingQueue:
		return d.updateInPlace(ctx, draft, reg, opts, now, existing)

	default: // Completed, Failed, Cancelled, ServiceStopped
		if existing.IsRecurring {
			return d.updateInPlace(ctx, draft, reg, opts, now, existing)
		}
		if err := d.store.Remove(ctx, existing.ID); err != nil {
			return uuid.Nil, fmt.Errorf("dispatcher: remove stale task key owner: %w", err)
		}
		return d.dispatchNew(ctx, draft, reg, opts, now)
	}
}

// updateInPlace preserves createdAtUtc/currentRunCount and recomputes
// nextRunUtc only when the persisted one has already passed, per
// spec.md §4.7's "using it as rhythm anchor" rule.
func (d *Dispatcher) updateInPlace(ctx context.Context, draft *models.QueuedTask, reg Registration, opts Options, now time.Time, existing *models.QueuedTask) (uuid.UUID, error) {
	draft.ID = existing.ID
	draft.CreatedAtUtc = existing.CreatedAtUtc
	draft.CurrentRunCount = existing.CurrentRunCount

	status := models.StatusQueued
	execTime := now

	switch {
	case draft.IsRecurring:
		anchor := existing.NextRunUtc
		if anchor == nil || !anchor.After(now) {
			var next *time.Time
			if anchor != nil {
				res, err := d.recurring.CalculateNextValidRun(opts.Recurring, *anchor, existing.CurrentRunCount, now, 0)
				if err != nil {
					return uuid.Nil, fmt.Errorf("dispatcher: compute next run: %w", err)
				}
				next = res.NextRun
			}
			if next == nil {
				first, err := d.recurring.FirstRun(opts.Recurring, now)
				if err != nil {
					return uuid.Nil, fmt.Errorf("dispatcher: compute first run: %w", err)
				}
				next = &first
			}
			execTime = *next
		} else {
			execTime = *anchor
		}
		status = models.StatusWaitingQueue
	case opts.ScheduledExecutionUtc != nil:
		execTime = *opts.ScheduledExecutionUtc
		status = models.StatusWaitingQueue
	default:
		status = models.StatusQueued
		execTime = now
	}

	draft.Status = status
	if status == models.StatusWaitingQueue {
		draft.NextRunUtc = &execTime
	}

	if err := d.store.UpdateTask(ctx, draft); err != nil {
		if opts.ThrowIfUnableToPersist {
			return uuid.Nil, fmt.Errorf("dispatcher: update in place: %w", err)
		}
		d.logger.Warn("dispatcher: update in place failed, proceeding best-effort", applog.Str("error", err.Error()))
	}

	d.route(ctx, draft, reg, status, execTime)
	return draft.ID, nil
}

// route enqueues immediately or schedules for later, per the status
// planInitialRun/updateInPlace already decided.
func (d *Dispatcher) route(ctx context.Context, task *models.QueuedTask, reg Registration, status models.Status, execTime time.Time) {
	if status == models.StatusQueued {
		exec := d.buildExecutor(task, reg, execTime)
		q := d.queues.Resolve(task.QueueName)
		if err := q.Enqueue(ctx, exec); err != nil {
			d.logger.Warn("dispatcher: enqueue failed", applog.Str("task_id", task.ID.String()), applog.Str("error", err.Error()))
		}
		return
	}

	d.scheduleExecution(task, reg, execTime)
}

// Registration looks up a handler type's dispatch-time configuration,
// for use by internal/recovery when re-dispatching a persisted row
// whose in-memory Registration is still held only by this Dispatcher.
func (d *Dispatcher) Registration(taskType string) (Registration, bool) {
	reg, ok := d.handlers[taskType]
	return reg, ok
}

// RequeueImmediate enqueues an already-persisted task directly (used by
// recovery for rows found Queued at startup; spec.md §4.8).
func (d *Dispatcher) RequeueImmediate(ctx context.Context, task *models.QueuedTask) error {
	reg, ok := d.Registration(task.Type)
	if !ok {
		return fmt.Errorf("%w: %s", ErrHandlerNotRegistered, task.Type)
	}
	exec := d.buildExecutor(task, reg, d.clk.Now())
	q := d.queues.Resolve(task.QueueName)
	return q.Enqueue(ctx, exec)
}

// RescheduleAt hands an already-persisted task back to the scheduler
// for a given future execution time (used by recovery for rows found
// WaitingQueue at startup, after any catch-up adjustment; spec.md §4.8).
func (d *Dispatcher) RescheduleAt(task *models.QueuedTask, executionTime time.Time) error {
	reg, ok := d.Registration(task.Type)
	if !ok {
		return fmt.Errorf("%w: %s", ErrHandlerNotRegistered, task.Type)
	}
	d.scheduleExecution(task, reg, executionTime)
	return nil
}

// scheduleExecution hands a WaitingQueue task to the scheduler; when it
// fires, the scheduler's EnqueueFunc pushes it onto its resolved queue.
// Recurring tasks' Reschedule hook calls back into this same method
// with a freshly reloaded task snapshot, closing the loop described in
// spec.md §4.5's recurring tail.
func (d *Dispatcher) scheduleExecution(task *models.QueuedTask, reg Registration, executionTime time.Time) {
	taskID := task.ID
	queueName := task.QueueName

	d.sched.Schedule(taskID, executionTime, func(ctx context.Context) error {
		fresh, err := d.store.Get(ctx, taskID)
		if err != nil {
			return err
		}
		exec := d.buildExecutor(fresh, reg, executionTime)
		q := d.queues.Resolve(queueName)
		return q.Enqueue(ctx, exec)
	})
}

// buildExecutor applies spec.md §4.6's adaptive lazy/eager rule and
// assembles a worker.Executor for one pickup.
func (d *Dispatcher) buildExecutor(task *models.QueuedTask, reg Registration, scheduledTime time.Time) *worker.Executor {
	spec := worker.Spec{
		TaskID:        task.ID,
		TaskType:      task.Type,
		Request:       task.Request,
		Retry:         reg.Retry,
		Timeout:       reg.Timeout,
		Callbacks:     reg.Callbacks,
		ScheduledTime: scheduledTime,
		IsRecurring:   task.IsRecurring,
		AuditLevel:    task.AuditLevel,
		CurrentRun:    task.CurrentRunCount,
	}

	if task.IsRecurring && len(task.RecurringTask) > 0 {
		var rt models.RecurringTask
		if err := json.Unmarshal(task.RecurringTask, &rt); err == nil {
			spec.RecurringSpec = &rt
		}
		spec.Reschedule = func(taskID uuid.UUID, nextRun time.Time) {
			d.scheduleExecution(task, reg, nextRun)
		}
	}

	if d.useLazy(task, scheduledTime) {
		spec.HandlerFactory = reg.Factory
	} else {
		handler, err := reg.Factory()
		if err != nil {
			d.logger.Error("dispatcher: eager handler construction failed", err, applog.Str("task_id", task.ID.String()))
			spec.HandlerFactory = reg.Factory // fall back to lazy construction at Run time, where the error surfaces as a Failed task
		} else {
			spec.Handler = handler
		}
	}

	return worker.NewExecutor(spec, d.store, d.registry, d.clk, d.recurring, d.logger)
}

// useLazy implements spec.md §4.6's adaptive rule.
func (d *Dispatcher) useLazy(task *models.QueuedTask, scheduledTime time.Time) bool {
	if !d.lazy.Enabled {
		return false
	}
	if task.IsRecurring {
		interval := approxInterval(task)
		return interval >= d.lazy.RecurringThreshold
	}
	delay := scheduledTime.Sub(d.clk.Now())
	return delay >= d.lazy.DelayThreshold
}

// approxInterval estimates a recurring spec's cadence for the lazy
// threshold comparison; cron schedules have no fixed duration, so they
// are treated as long-interval (lazy) since a cron-driven task is
// rarely sub-minute.
func approxInterval(task *models.QueuedTask) time.Duration {
	if len(task.RecurringTask) == 0 {
		return 0
	}
	var rt models.RecurringTask
	if err := json.Unmarshal(task.RecurringTask, &rt); err != nil {
		return 0
	}
	switch {
	case rt.CronInterval != "":
		return time.Hour
	case rt.SecondInterval != nil:
		return time.Duration(rt.SecondInterval.N) * time.Second
	case rt.MinuteInterval != nil:
		return time.Duration(rt.MinuteInterval.N) * time.Minute
	case rt.HourInterval != nil:
		return time.Duration(rt.HourInterval.N) * time.Hour
	case rt.DayInterval != nil:
		return time.Duration(rt.DayInterval.N) * 24 * time.Hour
	case rt.WeekInterval != nil:
		return time.Duration(rt.WeekInterval.N) * 7 * 24 * time.Hour
	case rt.MonthInterval != nil:
		return time.Duration(rt.MonthInterval.N) * 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Cancel implements the public cancellation entry point: blacklist or
// trigger depending on whether the task is in flight (spec.md §4.5.4),
// and set the terminal status if it wasn't running yet.
func (d *Dispatcher) Cancel(ctx context.Context, taskID uuid.UUID) error {
	wasInFlight := d.registry.Cancel(taskID)
	if !wasInFlight {
		return d.store.SetStatus(ctx, taskID, models.StatusCancelled, "cancelled before start", models.AuditFull)
	}
	_ = d.sched.Cancel(taskID)
	return nil
}
