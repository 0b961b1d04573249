package relational

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/GiampaoloGabba/taskengine/internal/models"
	"github.com/GiampaoloGabba/taskengine/internal/storage"
)

// Config holds the connection parameters for the postgres backend
// (spec.md §6's "a relational store such as Postgres"), mirroring the
// teacher's PostgresConfig shape.
type Config struct {
	Host               string
	Port               string
	User               string
	Password           string
	DBName             string
	SSLMode            string
	MaxIdleConns       int
	MaxOpenConns       int
	MaxLifetimeMinutes int
	LogLevel           string // "silent", "error", "warn", "info"
}

// Connect opens a gorm connection to Postgres, configured the way the
// teacher's internal/database package does (pooled connections, a
// gorm logger keyed off LogLevel).
func Connect(cfg Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	level := gormlogger.Silent
	switch cfg.LogLevel {
	case "info":
		level = gormlogger.Info
	case "warn":
		level = gormlogger.Warn
	case "error":
		level = gormlogger.Error
	}

	gormCfg := &gorm.Config{
		Logger: gormlogger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			gormlogger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  level,
				IgnoreRecordNotFoundError: true,
				Colorful:                  true,
			},
		),
	}

	db, err := gorm.Open(postgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("relational: connect: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("relational: underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.MaxLifetimeMinutes) * time.Minute)

	return db, nil
}

// AutoMigrate creates/updates the four tables this backend uses.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&queuedTaskRow{},
		&statusAuditRow{},
		&runsAuditRow{},
		&executionLogRow{},
	)
}

// Store is the gorm/postgres-backed storage.Store.
type Store struct {
	db *gorm.DB
}

// New wraps an already-connected *gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Ping reports whether the underlying database connection is reachable,
// mirroring the teacher's health_handler.go sqlDB.Ping() check.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("relational: underlying sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Persist(ctx context.Context, task *models.QueuedTask) (uuid.UUID, error) {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	task.CreatedAtUtc = task.CreatedAtUtc.UTC()
	row := toRow(task)

	err := s.db.WithContext(ctx).Create(row).Error
	if err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, storage.ErrDuplicateTaskKey
		}
		return uuid.Nil, fmt.Errorf("relational: persist: %w", err)
	}
	return row.ID, nil
}

func (s *Store) UpdateTask(ctx context.Context, task *models.QueuedTask) error {
	row := toRow(task)
	err := s.db.WithContext(ctx).Save(row).Error
	if err != nil {
		return fmt.Errorf("relational: update task: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.QueuedTask, error) {
	var row queuedTaskRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("relational: get: %w", err)
	}
	return fromRow(&row), nil
}

func (s *Store) GetByTaskKey(ctx context.Context, taskKey string) (*models.QueuedTask, error) {
	var row queuedTaskRow
	err := s.db.WithContext(ctx).First(&row, "task_key = ?", taskKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("relational: get by task key: %w", err)
	}
	return fromRow(&row), nil
}

func (s *Store) GetAll(ctx context.Context) ([]models.QueuedTask, error) {
	var rows []queuedTaskRow
	if err := s.db.WithContext(ctx).Order("created_at_utc ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("relational: get all: %w", err)
	}
	out := make([]models.QueuedTask, len(rows))
	for i := range rows {
		out[i] = *fromRow(&rows[i])
	}
	return out, nil
}

func (s *Store) RetrievePending(ctx context.Context, queueName string, limit int) ([]models.QueuedTask, error) {
	nonTerminal := []models.Status{
		models.StatusWaitingQueue, models.StatusQueued, models.StatusInProgress,
		models.StatusCancelled, models.StatusPending,
	}
	q := s.db.WithContext(ctx).Model(&queuedTaskRow{}).Where("status IN ?", nonTerminal)
	if queueName != "" {
		q = q.Where("queue_name = ?", queueName)
	}
	q = q.Order("created_at_utc ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []queuedTaskRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("relational: retrieve pending: %w", err)
	}
	out := make([]models.QueuedTask, len(rows))
	for i := range rows {
		out[i] = *fromRow(&rows[i])
	}
	return out, nil
}

// SetStatus implements spec.md §4.1's atomic status-update block as a
// single transaction: update the row's status/exception/lastExecutionUtc
// and conditionally insert a StatusAudit row.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, newStatus models.Status, exception string, auditLevel models.AuditLevel) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":    newStatus,
			"exception": exception,
		}
		now := time.Now().UTC()
		if newStatus.SetsLastExecution() {
			updates["last_execution_utc"] = now
		}

		res := tx.Model(&queuedTaskRow{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("relational: set status: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return storage.ErrNotFound
		}

		if auditLevel.ShouldAuditStatus(newStatus, exception) {
			audit := &statusAuditRow{
				QueuedTaskID: id,
				UpdatedAtUtc: now,
				NewStatus:    newStatus,
				Exception:    exception,
			}
			if err := tx.Create(audit).Error; err != nil {
				return fmt.Errorf("relational: set status audit: %w", err)
			}
		}
		return nil
	})
}

// UpdateCurrentRun implements spec.md §4.1's atomic recurring-run update:
// increment CurrentRunCount, set NextRunUtc/ExecutionTimeMs, and
// conditionally insert RunsAudit and StatusAudit rows, all in one
// transaction.
func (s *Store) UpdateCurrentRun(ctx context.Context, id uuid.UUID, params storage.UpdateCurrentRunParams) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		res := tx.Model(&queuedTaskRow{}).Where("id = ?", id).Updates(map[string]interface{}{
			"current_run_count": gorm.Expr("current_run_count + 1"),
			"next_run_utc":      params.NextRunUtc,
			"execution_time_ms": params.ExecutionTimeMs,
		})
		if res.Error != nil {
			return fmt.Errorf("relational: update current run: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return storage.ErrNotFound
		}

		failed := params.RunStatus == models.StatusFailed
		if params.AuditLevel.ShouldAuditRun(failed) {
			execMs := params.ExecutionTimeMs
			run := &runsAuditRow{
				QueuedTaskID:    id,
				ExecutedAt:      now,
				Status:          params.RunStatus,
				Exception:       params.RunException,
				ExecutionTimeMs: &execMs,
			}
			if err := tx.Create(run).Error; err != nil {
				return fmt.Errorf("relational: runs audit: %w", err)
			}
		}

		if params.AuditLevel.ShouldAuditStatus(params.RunStatus, params.RunException) {
			audit := &statusAuditRow{
				QueuedTaskID: id,
				UpdatedAtUtc: now,
				NewStatus:    params.RunStatus,
				Exception:    params.RunException,
			}
			if err := tx.Create(audit).Error; err != nil {
				return fmt.Errorf("relational: status audit: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) RecordSkippedOccurrences(ctx context.Context, id uuid.UUID, occurrences []time.Time) error {
	if len(occurrences) == 0 {
		return nil
	}
	run := &runsAuditRow{
		QueuedTaskID: id,
		ExecutedAt:   time.Now().UTC(),
		Status:       models.StatusCompleted,
		Exception:    skippedMessage(len(occurrences)),
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("relational: record skipped occurrences: %w", err)
	}
	return nil
}

func skippedMessage(n int) string {
	if n == 1 {
		return "Skipped 1 missed occurrence: catch-up after downtime"
	}
	return fmt.Sprintf("Skipped %d missed occurrences: catch-up after downtime", n)
}

// Remove cascade-deletes a task and its audit/log rows within one
// transaction, since these are separate tables without DB-level FKs
// enforced by AutoMigrate's default settings.
func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("queued_task_id = ?", id).Delete(&statusAuditRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("queued_task_id = ?", id).Delete(&runsAuditRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("task_id = ?", id).Delete(&executionLogRow{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&queuedTaskRow{}, "id = ?", id).Error; err != nil {
			return err
		}
		return nil
	})
}

func (s *Store) AppendExecutionLogs(ctx context.Context, logs []models.TaskExecutionLog) error {
	if len(logs) == 0 {
		return nil
	}
	rows := make([]executionLogRow, len(logs))
	for i, l := range logs {
		id := l.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		rows[i] = executionLogRow{
			ID:               id,
			TaskID:           l.TaskID,
			TimestampUtc:     l.TimestampUtc,
			Level:            l.Level,
			Message:          l.Message,
			ExceptionDetails: l.ExceptionDetails,
			SequenceNumber:   l.SequenceNumber,
		}
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("relational: append execution logs: %w", err)
	}
	return nil
}

func (s *Store) GetExecutionLogs(ctx context.Context, taskID uuid.UUID) ([]models.TaskExecutionLog, error) {
	var rows []executionLogRow
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("sequence_number ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("relational: get execution logs: %w", err)
	}
	out := make([]models.TaskExecutionLog, len(rows))
	for i, r := range rows {
		out[i] = models.TaskExecutionLog{
			ID:               r.ID,
			TaskID:           r.TaskID,
			TimestampUtc:     r.TimestampUtc,
			Level:            r.Level,
			Message:          r.Message,
			ExceptionDetails: r.ExceptionDetails,
			SequenceNumber:   r.SequenceNumber,
		}
	}
	return out, nil
}

func (s *Store) GetStatusAudits(ctx context.Context, taskID uuid.UUID) ([]models.StatusAudit, error) {
	var rows []statusAuditRow
	err := s.db.WithContext(ctx).
		Where("queued_task_id = ?", taskID).
		Order("updated_at_utc ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("relational: get status audits: %w", err)
	}
	out := make([]models.StatusAudit, len(rows))
	for i, r := range rows {
		out[i] = models.StatusAudit{
			ID:           r.ID,
			QueuedTaskID: r.QueuedTaskID,
			UpdatedAtUtc: r.UpdatedAtUtc,
			NewStatus:    r.NewStatus,
			Exception:    r.Exception,
		}
	}
	return out, nil
}

func (s *Store) GetRunsAudits(ctx context.Context, taskID uuid.UUID) ([]models.RunsAudit, error) {
	var rows []runsAuditRow
	err := s.db.WithContext(ctx).
		Where("queued_task_id = ?", taskID).
		Order("executed_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("relational: get runs audits: %w", err)
	}
	out := make([]models.RunsAudit, len(rows))
	for i, r := range rows {
		out[i] = models.RunsAudit{
			ID:              r.ID,
			QueuedTaskID:    r.QueuedTaskID,
			ExecutedAt:      r.ExecutedAt,
			Status:          r.Status,
			Exception:       r.Exception,
			RunUntil:        r.RunUntil,
			ExecutionTimeMs: r.ExecutionTimeMs,
		}
	}
	return out, nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), without importing the pgx error type
// directly so this file doesn't need to know which postgres driver is
// in play underneath gorm.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}

var _ storage.Store = (*Store)(nil)
