package models

import (
	"time"

	"github.com/google/uuid"
)

// QueuedTask is the sole aggregate root (spec.md §3.1): a durable,
// persisted record of one dispatched task, whether immediate, delayed,
// or recurring. All timestamp fields are stored and compared in UTC
// (spec.md I4); callers must never set a field to a time.Time carrying
// a non-zero local offset.
type QueuedTask struct {
	ID       uuid.UUID
	TaskKey  string // optional, <=200 chars, unique when present (I3)
	Type     string // fully-qualified type identifier, <=500 chars
	Handler  string // fully-qualified handler identifier, <=500 chars
	Request  []byte // JSON-encoded task payload
	Status   Status
	QueueName  string // optional; "" means default
	AuditLevel AuditLevel

	IsRecurring   bool
	RecurringTask []byte // JSON-encoded RecurringTask, nullable
	RecurringInfo string // human-readable summary

	CreatedAtUtc          time.Time
	ScheduledExecutionUtc *time.Time
	NextRunUtc            *time.Time
	LastExecutionUtc      *time.Time

	CurrentRunCount int
	MaxRuns         *int
	RunUntil        *time.Time

	Exception       string
	ExecutionTimeMs float64
}

// StatusAudit is one row per recorded status transition (spec.md §3.2).
type StatusAudit struct {
	ID           int64
	QueuedTaskID uuid.UUID
	UpdatedAtUtc time.Time
	NewStatus    Status
	Exception    string
}

// RunsAudit is one row per recurring execution attempt, not per retry
// (spec.md §3.2).
type RunsAudit struct {
	ID              int64
	QueuedTaskID    uuid.UUID
	ExecutedAt      time.Time
	Status          Status
	Exception       string
	RunUntil        *time.Time
	ExecutionTimeMs *float64
}

// TaskExecutionLog is one captured application-log line for a task,
// ordered by SequenceNumber (spec.md §3.2).
type TaskExecutionLog struct {
	ID                uuid.UUID
	TaskID            uuid.UUID
	TimestampUtc      time.Time
	Level             string
	Message           string
	ExceptionDetails  string
	SequenceNumber    int
}

// UTC normalizes t to the zero-offset UTC representation the engine
// persists everywhere (spec.md I4).
func UTC(t time.Time) time.Time { return t.UTC() }
