// Package worker implements the task executor state machine described
// in spec.md §4.5: pickup, status transitions, retry policy, timeout,
// lifecycle callbacks, and the recurring re-scheduling step. It is
// grounded on the teacher's processJob/handleExecutionFailure pair
// (internal/scheduler/scheduler.go in the original tree) generalized
// from "POST a webhook" into "invoke a resolved in-process handler".
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/GiampaoloGabba/taskengine/internal/applog"
	"github.com/GiampaoloGabba/taskengine/internal/cancelreg"
	"github.com/GiampaoloGabba/taskengine/internal/clock"
	"github.com/GiampaoloGabba/taskengine/internal/metrics"
	"github.com/GiampaoloGabba/taskengine/internal/models"
	"github.com/GiampaoloGabba/taskengine/internal/recurring"
	"github.com/GiampaoloGabba/taskengine/internal/storage"
)

// Handler is the resolved, in-process unit of work a dispatched task
// runs. Implementations that hold resources should implement Disposer;
// Run always disposes the handler after execution regardless of
// outcome (spec.md §4.6).
type Handler interface {
	Handle(ctx context.Context, request []byte) error
}

// Disposer is implemented by handlers that hold resources needing
// deterministic release (spec.md §4.6's IDisposable analogue).
type Disposer interface {
	Dispose()
}

// HandlerFactory constructs a Handler. Called at dispatch time for
// eager resolution, or at execution time for lazy resolution (spec.md
// §4.6) — the caller decides which by choosing when to invoke it.
type HandlerFactory func() (Handler, error)

// RetryPolicy controls retry attempts after a failed Handle call
// (spec.md §4.5.1).
type RetryPolicy struct {
	MaxRetries int
	Spacing    time.Duration
	// ShouldRetry overrides the default linear policy when non-nil: it
	// receives the 1-based attempt number and the error just observed,
	// and returns the delay before the next attempt, or ok=false to stop.
	ShouldRetry func(attempt int, err error) (delay time.Duration, ok bool)
}

// DefaultRetryPolicy is linear, 3 retries, 500ms spacing (spec.md
// §4.5.1).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Spacing: 500 * time.Millisecond}
}

func (p RetryPolicy) next(attempt int, err error) (time.Duration, bool) {
	if p.ShouldRetry != nil {
		return p.ShouldRetry(attempt, err)
	}
	if attempt > p.MaxRetries {
		return 0, false
	}
	return p.Spacing, true
}

// Callbacks are the lifecycle hooks spec.md §4.5.3 describes. Any of
// them may be nil. Panics and errors from callbacks are caught and
// logged; they never affect the task outcome.
type Callbacks struct {
	OnStarted func(taskID uuid.UUID)
	OnCompleted func(taskID uuid.UUID)
	OnError   func(taskID uuid.UUID, err error, message string)
	OnRetry   func(taskID uuid.UUID, attempt int, err error)
}

func safeCall(logger applog.Logger, name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn(fmt.Sprintf("%s callback panicked", name), applog.Str("recovered", fmt.Sprint(r)))
		}
	}()
	fn()
}

// Spec is everything one execution attempt needs (spec.md §4.5). It is
// built fresh by the dispatcher for every pickup, whether a first run
// or a recurring re-run.
type Spec struct {
	TaskID   uuid.UUID
	TaskType string // metrics label only; does not affect dispatch behavior
	Request  []byte

	// Exactly one of Handler or HandlerFactory is set: Handler means
	// eager resolution already happened; HandlerFactory means lazy
	// resolution happens inside Run (spec.md §4.6).
	Handler        Handler
	HandlerFactory HandlerFactory

	Retry   RetryPolicy
	Timeout time.Duration // 0 disables the per-handler timeout

	Callbacks Callbacks

	// ScheduledTime is the rhythm anchor (spec.md §4.4/§8): the time
	// this execution was *scheduled* for, never wall-clock now. Recurring
	// next-run math advances from this, not from when Run actually runs.
	ScheduledTime time.Time

	IsRecurring   bool
	RecurringSpec *models.RecurringTask
	AuditLevel    models.AuditLevel
	CurrentRun    int // CurrentRunCount observed at pickup

	// Reschedule is invoked when a recurring task computes a next run
	// that should fire again (status set to WaitingQueue first). It is
	// the dispatcher/engine's hook into the scheduler (kept out of this
	// package to avoid it needing to know about scheduling/queueing).
	Reschedule func(taskID uuid.UUID, nextRun time.Time)
}

// Executor runs one Spec to completion and implements queue.Executor's
// Run(ctx) signature structurally (queue imports no package that would
// create a cycle, so it depends on the shape, not this type).
type Executor struct {
	spec      Spec
	store     storage.Store
	registry  *cancelreg.Registry
	clk       clock.Clock
	recurring *recurring.Engine
	logger    applog.Logger
}

// NewExecutor builds an Executor for one pickup.
func NewExecutor(spec Spec, store storage.Store, registry *cancelreg.Registry, clk clock.Clock, recurringEngine *recurring.Engine, logger applog.Logger) *Executor {
	if logger == nil {
		logger = applog.Noop{}
	}
	return &Executor{spec: spec, store: store, registry: registry, clk: clk, recurring: recurringEngine, logger: logger}
}

// Run implements the pickup → terminal-status state machine of spec.md
// §4.5. ctx is the queue worker's run context (shutdown-scoped).
func (e *Executor) Run(ctx context.Context) {
	taskID := e.spec.TaskID
	logger := e.logger.WithTask(taskID)
	start := e.clk.Now()

	if e.registry.IsBlacklisted(taskID) {
		e.registry.ClearBlacklist(taskID)
		e.setStatus(ctx, models.StatusCancelled, "")
		metrics.RecordCompletion(e.spec.TaskType, string(models.StatusCancelled), e.clk.Now().Sub(start).Seconds())
		return
	}

	e.setStatus(ctx, models.StatusInProgress, "")

	taskCtx, cancelTask := context.WithCancel(ctx)
	release := e.registry.Register(taskID, cancelTask)
	defer release()
	defer cancelTask()

	handler, disposeHandler, err := e.resolveHandler()
	if err != nil {
		e.finishFailed(ctx, taskCtx, start, fmt.Errorf("resolve handler: %w", err))
		return
	}
	defer disposeHandler()

	safeCall(logger, "OnStarted", func() {
		if e.spec.Callbacks.OnStarted != nil {
			e.spec.Callbacks.OnStarted(taskID)
		}
	})

	err = e.runWithRetry(ctx, taskCtx, handler, logger)
	if err != nil {
		e.finishFailed(ctx, taskCtx, start, err)
		return
	}

	safeCall(logger, "OnCompleted", func() {
		if e.spec.Callbacks.OnCompleted != nil {
			e.spec.Callbacks.OnCompleted(taskID)
		}
	})
	e.finishSucceeded(ctx, start)
}

func (e *Executor) resolveHandler() (handler Handler, dispose func(), err error) {
	if e.spec.Handler != nil {
		handler = e.spec.Handler
	} else if e.spec.HandlerFactory != nil {
		handler, err = e.spec.HandlerFactory()
		if err != nil {
			return nil, func() {}, err
		}
	} else {
		return nil, func() {}, errors.New("worker: no handler or handler factory configured")
	}

	dispose = func() {
		if d, ok := handler.(Disposer); ok {
			d.Dispose()
		}
	}
	return handler, dispose, nil
}

// runWithRetry drives the retry loop (spec.md §4.5.1/§4.5.2): each
// attempt gets a fresh timeout derived from taskCtx (so a per-task
// cancel and the shutdown token both still apply), and failures
// aggregate into one joined error when retries are exhausted.
func (e *Executor) runWithRetry(shutdownCtx, taskCtx context.Context, handler Handler, logger applog.Logger) error {
	var errs []error
	attempt := 0

	for {
		attempt++
		attemptCtx := taskCtx
		var cancelAttempt context.CancelFunc = func() {}
		if e.spec.Timeout > 0 {
			attemptCtx, cancelAttempt = context.WithTimeout(taskCtx, e.spec.Timeout)
		}

		err := handler.Handle(attemptCtx, e.spec.Request)
		timedOut := e.spec.Timeout > 0 && errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		cancelAttempt()

		if err == nil {
			return nil
		}

		if timedOut {
			err = fmt.Errorf("TimeoutException: handler exceeded %s: %w", e.spec.Timeout, err)
		}

		if shutdownCtx.Err() != nil {
			return shutdownError{}
		}
		if cancelledByTask(taskCtx) {
			return cancelledError{}
		}

		errs = append(errs, err)

		delay, retry := e.spec.Retry.next(attempt, err)
		if !retry {
			return errors.Join(errs...)
		}

		metrics.RecordRetry(e.spec.TaskType)
		safeCall(logger, "OnRetry", func() {
			if e.spec.Callbacks.OnRetry != nil {
				e.spec.Callbacks.OnRetry(e.spec.TaskID, attempt, err)
			}
		})

		select {
		case <-e.clk.After(delay):
		case <-shutdownCtx.Done():
			return shutdownError{}
		case <-taskCtx.Done():
			if shutdownCtx.Err() != nil {
				return shutdownError{}
			}
			return cancelledError{}
		}
	}
}

func cancelledByTask(taskCtx context.Context) bool {
	return errors.Is(taskCtx.Err(), context.Canceled)
}

type cancelledError struct{}

func (cancelledError) Error() string { return "task cancelled" }

type shutdownError struct{}

func (shutdownError) Error() string { return "service stopped" }

func (e *Executor) finishFailed(ctx context.Context, taskCtx context.Context, start time.Time, err error) {
	logger := e.logger.WithTask(e.spec.TaskID)
	elapsed := e.clk.Now().Sub(start).Seconds()

	var cancelled cancelledError
	var stopped shutdownError
	switch {
	case errors.As(err, &cancelled):
		e.setStatus(ctx, models.StatusCancelled, err.Error())
		metrics.RecordCompletion(e.spec.TaskType, string(models.StatusCancelled), elapsed)
		return
	case errors.As(err, &stopped):
		e.setStatus(ctx, models.StatusServiceStopped, err.Error())
		metrics.RecordCompletion(e.spec.TaskType, string(models.StatusServiceStopped), elapsed)
		return
	}

	safeCall(logger, "OnError", func() {
		if e.spec.Callbacks.OnError != nil {
			e.spec.Callbacks.OnError(e.spec.TaskID, err, err.Error())
		}
	})

	metrics.RecordCompletion(e.spec.TaskType, string(models.StatusFailed), elapsed)
	if e.spec.IsRecurring {
		e.finishRecurring(ctx, models.StatusFailed, err.Error())
		return
	}
	e.setStatus(ctx, models.StatusFailed, err.Error())
}

func (e *Executor) finishSucceeded(ctx context.Context, start time.Time) {
	metrics.RecordCompletion(e.spec.TaskType, string(models.StatusCompleted), e.clk.Now().Sub(start).Seconds())
	if e.spec.IsRecurring {
		e.finishRecurring(ctx, models.StatusCompleted, "")
		return
	}
	e.setStatus(ctx, models.StatusCompleted, "")
}

// finishRecurring implements spec.md §4.5's recurring tail: compute the
// next run from the scheduled (not actual) execution time, record this
// run, and either re-arm via WaitingQueue+schedule or go terminal.
func (e *Executor) finishRecurring(ctx context.Context, runStatus models.Status, runException string) {
	var nextRun *time.Time
	if e.recurring != nil && e.spec.RecurringSpec != nil {
		next, err := e.recurring.CalculateNextRun(e.spec.RecurringSpec, e.spec.ScheduledTime, e.spec.CurrentRun)
		if err == nil {
			nextRun = next
		} else {
			e.logger.WithTask(e.spec.TaskID).Warn("recurring: failed to compute next run", applog.Str("error", err.Error()))
		}
	}

	maxRunsExceeded := e.spec.RecurringSpec != nil && e.spec.RecurringSpec.MaxRuns != nil && e.spec.CurrentRun+1 >= *e.spec.RecurringSpec.MaxRuns
	runUntilExceeded := nextRun != nil && e.spec.RecurringSpec != nil && e.spec.RecurringSpec.RunUntil != nil && nextRun.After(*e.spec.RecurringSpec.RunUntil)

	err := e.store.UpdateCurrentRun(ctx, e.spec.TaskID, storage.UpdateCurrentRunParams{
		NextRunUtc:   nextRun,
		AuditLevel:   e.spec.AuditLevel,
		RunStatus:    runStatus,
		RunException: runException,
	})
	if err != nil {
		e.logger.WithTask(e.spec.TaskID).Error("recurring: updateCurrentRun failed", err)
	}

	if nextRun != nil && !maxRunsExceeded && !runUntilExceeded {
		e.setStatus(ctx, models.StatusWaitingQueue, "")
		if e.spec.Reschedule != nil {
			e.spec.Reschedule(e.spec.TaskID, *nextRun)
		}
		return
	}

	e.setStatus(ctx, models.StatusCompleted, "")
}

func (e *Executor) setStatus(ctx context.Context, status models.Status, exception string) {
	if err := e.store.SetStatus(ctx, e.spec.TaskID, status, exception, e.spec.AuditLevel); err != nil {
		e.logger.WithTask(e.spec.TaskID).Error("setStatus failed", err, applog.Str("status", string(status)))
	}
}
