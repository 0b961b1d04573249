// Package storage defines the durable persistence contract for
// QueuedTask and its audit collections (spec.md §4.1). Two
// implementations satisfy it: internal/storage/memstore (the reference
// in-memory store, one mutex per row) and internal/storage/relational
// (gorm/postgres, with the atomic status-update block implemented as a
// transaction standing in for the stored procedure spec.md §6.1
// recommends).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/GiampaoloGabba/taskengine/internal/models"
)

// ErrDuplicateTaskKey is returned by Persist when TaskKey is set and
// already claimed by another not-removed row (spec.md I3).
var ErrDuplicateTaskKey = errors.New("storage: duplicate task key")

// ErrNotFound is returned when a lookup by id or key finds nothing.
var ErrNotFound = errors.New("storage: task not found")

// Store is the durable persistence contract every backend implements.
type Store interface {
	// Persist inserts a new task and returns its id. It returns
	// ErrDuplicateTaskKey if TaskKey is set and already claimed.
	Persist(ctx context.Context, task *models.QueuedTask) (uuid.UUID, error)

	// UpdateTask performs a full update, preserving CreatedAtUtc,
	// CurrentRunCount, and LastExecutionUtc as the caller supplies them
	// (the dispatcher is responsible for carrying those fields forward
	// correctly per spec.md §4.7's idempotent-registration table).
	UpdateTask(ctx context.Context, task *models.QueuedTask) error

	// Get returns a snapshot of one task by id.
	Get(ctx context.Context, id uuid.UUID) (*models.QueuedTask, error)

	// GetByTaskKey returns a snapshot of the task currently holding
	// taskKey, or ErrNotFound if none.
	GetByTaskKey(ctx context.Context, taskKey string) (*models.QueuedTask, error)

	// GetAll returns every task row (used by recovery and tests).
	GetAll(ctx context.Context) ([]models.QueuedTask, error)

	// RetrievePending returns non-terminal tasks, optionally scoped to
	// one queue, for recovery / introspection.
	RetrievePending(ctx context.Context, queueName string, limit int) ([]models.QueuedTask, error)

	// SetStatus atomically updates a task's status (and LastExecutionUtc
	// per the §4.1 rule) and appends a StatusAudit row iff auditLevel
	// permits it, in one logical operation. A missing row changes
	// nothing and returns ErrNotFound, which the caller logs.
	SetStatus(ctx context.Context, id uuid.UUID, newStatus models.Status, exception string, auditLevel models.AuditLevel) error

	// UpdateCurrentRun atomically increments CurrentRunCount, sets
	// NextRunUtc and ExecutionTimeMs, appends a RunsAudit row (subject
	// to policy), and appends a StatusAudit iff policy permits, all as
	// one logical operation (spec.md §4.1).
	UpdateCurrentRun(ctx context.Context, id uuid.UUID, params UpdateCurrentRunParams) error

	// RecordSkippedOccurrences appends a single RunsAudit row
	// summarizing every occurrence skipped during recovery/catch-up
	// (spec.md §4.1, §4.8).
	RecordSkippedOccurrences(ctx context.Context, id uuid.UUID, occurrences []time.Time) error

	// Remove cascade-deletes a task and its audit/log rows.
	Remove(ctx context.Context, id uuid.UUID) error

	// AppendExecutionLogs appends captured application-log lines,
	// bounded by maxLogsPerTask when the backend is configured with one.
	AppendExecutionLogs(ctx context.Context, logs []models.TaskExecutionLog) error

	// GetExecutionLogs returns a task's captured log lines ordered by
	// SequenceNumber.
	GetExecutionLogs(ctx context.Context, taskID uuid.UUID) ([]models.TaskExecutionLog, error)

	// GetStatusAudits returns a task's recorded status transitions.
	GetStatusAudits(ctx context.Context, taskID uuid.UUID) ([]models.StatusAudit, error)

	// GetRunsAudits returns a task's recorded recurring-execution history.
	GetRunsAudits(ctx context.Context, taskID uuid.UUID) ([]models.RunsAudit, error)
}

// UpdateCurrentRunParams bundles UpdateCurrentRun's arguments (spec.md
// §4.1): the outcome of one recurring execution attempt.
type UpdateCurrentRunParams struct {
	ExecutionTimeMs float64
	NextRunUtc      *time.Time
	AuditLevel      models.AuditLevel
	RunStatus       models.Status // Completed or Failed, for the RunsAudit row
	RunException    string
}
