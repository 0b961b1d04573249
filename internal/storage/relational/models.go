// Package relational is the gorm/postgres-backed storage.Store
// implementation (spec.md §4.1, §6.1): a QueuedTask table plus three
// audit/log tables, with SetStatus and UpdateCurrentRun implemented as
// single transactions standing in for the stored procedure spec.md §6.1
// recommends for databases that support one.
package relational

import (
	"time"

	"github.com/google/uuid"

	"github.com/GiampaoloGabba/taskengine/internal/models"
)

// queuedTaskRow is the gorm row type for QueuedTask (spec.md §6.1).
type queuedTaskRow struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"`
	// TaskKey is NULL, not empty string, when a task carries no key —
	// spec.md §6.1 calls for a unique index filtered on "where TaskKey
	// is not null" so that the common keyless case never collides.
	TaskKey *string `gorm:"column:task_key;size:200;index:idx_queued_tasks_task_key,unique,where:task_key IS NOT NULL"`
	Type    string  `gorm:"size:500;not null"`
	Handler string  `gorm:"size:500;not null"`
	Request []byte  `gorm:"type:jsonb"`

	Status     models.Status     `gorm:"size:32;index;not null"`
	QueueName  string            `gorm:"column:queue_name;size:100;index"`
	AuditLevel models.AuditLevel `gorm:"size:16;not null"`

	IsRecurring   bool   `gorm:"column:is_recurring;index"`
	RecurringTask []byte `gorm:"type:jsonb"`
	RecurringInfo string `gorm:"size:500"`

	CreatedAtUtc          time.Time  `gorm:"not null;index"`
	ScheduledExecutionUtc *time.Time `gorm:"index"`
	NextRunUtc            *time.Time `gorm:"index"`
	LastExecutionUtc      *time.Time

	CurrentRunCount int
	MaxRuns         *int
	RunUntil        *time.Time

	Exception       string `gorm:"type:text"`
	ExecutionTimeMs float64
}

func (queuedTaskRow) TableName() string { return "queued_tasks" }

func fromRow(r *queuedTaskRow) *models.QueuedTask {
	var taskKey string
	if r.TaskKey != nil {
		taskKey = *r.TaskKey
	}
	return &models.QueuedTask{
		ID:                    r.ID,
		TaskKey:               taskKey,
		Type:                  r.Type,
		Handler:               r.Handler,
		Request:               r.Request,
		Status:                r.Status,
		QueueName:             r.QueueName,
		AuditLevel:            r.AuditLevel,
		IsRecurring:           r.IsRecurring,
		RecurringTask:         r.RecurringTask,
		RecurringInfo:         r.RecurringInfo,
		CreatedAtUtc:          r.CreatedAtUtc,
		ScheduledExecutionUtc: r.ScheduledExecutionUtc,
		NextRunUtc:            r.NextRunUtc,
		LastExecutionUtc:      r.LastExecutionUtc,
		CurrentRunCount:       r.CurrentRunCount,
		MaxRuns:               r.MaxRuns,
		RunUntil:              r.RunUntil,
		Exception:             r.Exception,
		ExecutionTimeMs:       r.ExecutionTimeMs,
	}
}

func toRow(t *models.QueuedTask) *queuedTaskRow {
	var taskKey *string
	if t.TaskKey != "" {
		taskKey = &t.TaskKey
	}
	return &queuedTaskRow{
		ID:                    t.ID,
		TaskKey:               taskKey,
		Type:                  t.Type,
		Handler:               t.Handler,
		Request:               t.Request,
		Status:                t.Status,
		QueueName:             t.QueueName,
		AuditLevel:            t.AuditLevel,
		IsRecurring:           t.IsRecurring,
		RecurringTask:         t.RecurringTask,
		RecurringInfo:         t.RecurringInfo,
		CreatedAtUtc:          t.CreatedAtUtc,
		ScheduledExecutionUtc: t.ScheduledExecutionUtc,
		NextRunUtc:            t.NextRunUtc,
		LastExecutionUtc:      t.LastExecutionUtc,
		CurrentRunCount:       t.CurrentRunCount,
		MaxRuns:               t.MaxRuns,
		RunUntil:              t.RunUntil,
		Exception:             t.Exception,
		ExecutionTimeMs:       t.ExecutionTimeMs,
	}
}

// statusAuditRow is the gorm row type for models.StatusAudit.
type statusAuditRow struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	QueuedTaskID uuid.UUID `gorm:"type:uuid;index;not null"`
	UpdatedAtUtc time.Time `gorm:"not null"`
	NewStatus    models.Status `gorm:"size:32;not null"`
	Exception    string    `gorm:"type:text"`
}

func (statusAuditRow) TableName() string { return "status_audits" }

// runsAuditRow is the gorm row type for models.RunsAudit.
type runsAuditRow struct {
	ID              int64      `gorm:"primaryKey;autoIncrement"`
	QueuedTaskID    uuid.UUID  `gorm:"type:uuid;index;not null"`
	ExecutedAt      time.Time  `gorm:"not null"`
	Status          models.Status `gorm:"size:32;not null"`
	Exception       string     `gorm:"type:text"`
	RunUntil        *time.Time
	ExecutionTimeMs *float64
}

func (runsAuditRow) TableName() string { return "runs_audits" }

// executionLogRow is the gorm row type for models.TaskExecutionLog.
type executionLogRow struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	TaskID           uuid.UUID `gorm:"type:uuid;index;not null"`
	TimestampUtc     time.Time `gorm:"not null"`
	Level            string    `gorm:"size:16"`
	Message          string    `gorm:"type:text"`
	ExceptionDetails string    `gorm:"type:text"`
	SequenceNumber   int       `gorm:"index"`
}

func (executionLogRow) TableName() string { return "task_execution_logs" }
