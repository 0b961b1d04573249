// Package recovery implements the L5 host's startup recovery pass
// (spec.md §4.8): on boot, every non-terminal QueuedTask row is handed
// back to the queue manager or the scheduler so a crash or a graceful
// restart never silently drops work. Grounded on the teacher's
// cmd/main.go startup sequence (dependencies are wired and started in
// a fixed order before traffic/work begins) generalized to a dedicated
// pass instead of inline main() code.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/GiampaoloGabba/taskengine/internal/applog"
	"github.com/GiampaoloGabba/taskengine/internal/clock"
	"github.com/GiampaoloGabba/taskengine/internal/dispatcher"
	"github.com/GiampaoloGabba/taskengine/internal/metrics"
	"github.com/GiampaoloGabba/taskengine/internal/models"
	"github.com/GiampaoloGabba/taskengine/internal/recurring"
	"github.com/GiampaoloGabba/taskengine/internal/storage"
)

// Report summarizes one Run call, for logging/tests.
type Report struct {
	Requeued     int // InProgress -> Queued, re-dispatched
	Enqueued     int // Queued, enqueued directly
	Rescheduled  int // WaitingQueue, handed to the scheduler
	SkippedTasks int // rows not routed: no registered handler, or WaitingQueue with no scheduled time
}

// Recoverer wires the storage and dispatch layers together for one
// startup recovery pass.
type Recoverer struct {
	store     storage.Store
	dispatch  *dispatcher.Dispatcher
	recurring *recurring.Engine
	clk       clock.Clock
	logger    applog.Logger
}

// New builds a Recoverer. logger may be nil.
func New(store storage.Store, d *dispatcher.Dispatcher, recurringEngine *recurring.Engine, clk clock.Clock, logger applog.Logger) *Recoverer {
	if logger == nil {
		logger = applog.Noop{}
	}
	return &Recoverer{store: store, dispatch: d, recurring: recurringEngine, clk: clk, logger: logger}
}

// Run executes spec.md §4.8's startup recovery: read every pending row
// (Queued, WaitingQueue, InProgress) and route each one. It does not
// double-count CurrentRunCount — InProgress rows reuse the persisted
// count verbatim, and WaitingQueue catch-up only advances the skipped
// occurrences recorded alongside NextRunUtc, never the run count.
func (r *Recoverer) Run(ctx context.Context) (Report, error) {
	var report Report

	tasks, err := r.store.GetAll(ctx)
	if err != nil {
		return report, fmt.Errorf("recovery: list tasks: %w", err)
	}

	for i := range tasks {
		task := tasks[i]
		if !task.Status.NonTerminal() {
			continue
		}

		switch task.Status {
		case models.StatusInProgress:
			r.recoverInProgress(ctx, &task, &report)
		case models.StatusQueued:
			r.recoverQueued(ctx, &task, &report)
		case models.StatusWaitingQueue:
			r.recoverWaiting(ctx, &task, &report)
		default:
			// Cancelled and Pending are non-terminal per Status.NonTerminal
			// but carry no recovery action of their own: a Cancelled row is
			// already resolved, and Pending never reaches persistence as a
			// standalone state in this engine (spec.md §3.3 lists it for
			// forward-compatibility only).
		}
	}

	return report, nil
}

func (r *Recoverer) recoverInProgress(ctx context.Context, task *models.QueuedTask, report *Report) {
	if err := r.store.SetStatus(ctx, task.ID, models.StatusQueued, "", task.AuditLevel); err != nil {
		r.logger.Error("recovery: mark crashed task queued", err, applog.Str("task_id", task.ID.String()))
		return
	}
	task.Status = models.StatusQueued

	if err := r.dispatch.RequeueImmediate(ctx, task); err != nil {
		r.logger.Warn("recovery: no handler for crashed task, left queued", applog.Str("task_id", task.ID.String()), applog.Str("type", task.Type))
		report.SkippedTasks++
		return
	}
	report.Requeued++
}

func (r *Recoverer) recoverQueued(ctx context.Context, task *models.QueuedTask, report *Report) {
	if err := r.dispatch.RequeueImmediate(ctx, task); err != nil {
		r.logger.Warn("recovery: no handler for queued task, left as-is", applog.Str("task_id", task.ID.String()), applog.Str("type", task.Type))
		report.SkippedTasks++
		return
	}
	report.Enqueued++
}

func (r *Recoverer) recoverWaiting(ctx context.Context, task *models.QueuedTask, report *Report) {
	execTime := task.NextRunUtc
	if execTime == nil {
		execTime = task.ScheduledExecutionUtc
	}
	if execTime == nil {
		r.logger.Warn("recovery: WaitingQueue task with no scheduled time, skipping", applog.Str("task_id", task.ID.String()))
		report.SkippedTasks++
		return
	}

	target := *execTime
	now := r.clk.Now().UTC()

	if task.IsRecurring && len(task.RecurringTask) > 0 && target.Before(now) {
		var spec models.RecurringTask
		if err := json.Unmarshal(task.RecurringTask, &spec); err == nil {
			result, err := r.recurring.CalculateNextValidRun(&spec, target, task.CurrentRunCount, now, 0)
			if err != nil {
				r.logger.Error("recovery: catch-up calculation failed", err, applog.Str("task_id", task.ID.String()))
			} else {
				if len(result.SkippedOccurrences) > 0 {
					if err := r.store.RecordSkippedOccurrences(ctx, task.ID, result.SkippedOccurrences); err != nil {
						r.logger.Error("recovery: record skipped occurrences", err, applog.Str("task_id", task.ID.String()))
					}
					metrics.RecordSkippedOccurrences(task.Type, len(result.SkippedOccurrences))
				}
				if result.NextRun == nil {
					// MaxRuns/RunUntil exhausted during catch-up: terminal.
					if err := r.store.SetStatus(ctx, task.ID, models.StatusCompleted, "", task.AuditLevel); err != nil {
						r.logger.Error("recovery: finalize exhausted recurring task", err, applog.Str("task_id", task.ID.String()))
					}
					return
				}
				target = *result.NextRun
			}
		}
	}

	if err := r.dispatch.RescheduleAt(task, target); err != nil {
		r.logger.Warn("recovery: no handler for waiting task, left as-is", applog.Str("task_id", task.ID.String()), applog.Str("type", task.Type))
		report.SkippedTasks++
		return
	}
	report.Rescheduled++
}
