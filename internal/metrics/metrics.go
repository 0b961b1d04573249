// Package metrics exposes the engine's "logging/monitoring hooks"
// (spec.md §1) as Prometheus collectors, grounded on
// maumercado-task-queue-go's internal/metrics package (package-level
// promauto collectors plus small Record*/Set* wrapper functions).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskengine_tasks_dispatched_total",
			Help: "Total number of tasks dispatched, by type and shape",
		},
		[]string{"type", "shape"}, // shape: immediate|delayed|recurring
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskengine_tasks_completed_total",
			Help: "Total number of task executions reaching a terminal status",
		},
		[]string{"type", "status"}, // status: Completed|Failed|Cancelled|ServiceStopped
	)

	TaskExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskengine_task_execution_duration_seconds",
			Help:    "Handler execution duration in seconds, per attempt sequence",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"type"},
	)

	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskengine_task_retries_total",
			Help: "Total number of retry attempts",
		},
		[]string{"type"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskengine_queue_depth",
			Help: "Current number of items buffered in a named queue",
		},
		[]string{"queue"},
	)

	SchedulerPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskengine_scheduler_pending",
			Help: "Current number of tasks waiting in the scheduler heap (or shard)",
		},
		[]string{"variant"}, // variant: default|sharded
	)

	RecurringSkippedOccurrences = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskengine_recurring_skipped_occurrences_total",
			Help: "Total recurring occurrences skipped during downtime catch-up",
		},
		[]string{"type"},
	)
)

// RecordDispatch records one Dispatch call that passed handler lookup,
// payload serialization and recurring-spec validation. It is called
// before persistence and routing, so calls that fail later still count.
func RecordDispatch(taskType, shape string) {
	TasksDispatched.WithLabelValues(taskType, shape).Inc()
}

// RecordCompletion records one execution reaching a terminal status,
// with its total execution duration in seconds.
func RecordCompletion(taskType, status string, durationSeconds float64) {
	TasksCompleted.WithLabelValues(taskType, status).Inc()
	TaskExecutionDuration.WithLabelValues(taskType).Observe(durationSeconds)
}

// RecordRetry records one retry attempt.
func RecordRetry(taskType string) {
	TaskRetries.WithLabelValues(taskType).Inc()
}

// SetQueueDepth updates a named queue's depth gauge.
func SetQueueDepth(queueName string, depth float64) {
	QueueDepth.WithLabelValues(queueName).Set(depth)
}

// SetSchedulerPending updates the scheduler's pending-item gauge.
func SetSchedulerPending(variant string, count float64) {
	SchedulerPending.WithLabelValues(variant).Set(count)
}

// RecordSkippedOccurrences records occurrences skipped during catch-up
// for one recurring task type.
func RecordSkippedOccurrences(taskType string, count int) {
	RecurringSkippedOccurrences.WithLabelValues(taskType).Add(float64(count))
}
