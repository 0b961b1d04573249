// Package memstore is the reference in-memory Store implementation
// (spec.md §4.1): every durable operation the relational backend offers,
// backed by maps instead of tables, with one mutex per row so setStatus
// and updateCurrentRun stay serializable per id without a global lock
// serializing unrelated tasks.
package memstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GiampaoloGabba/taskengine/internal/models"
	"github.com/GiampaoloGabba/taskengine/internal/storage"
)

type row struct {
	mu   sync.Mutex
	task models.QueuedTask

	statusAudits []models.StatusAudit
	runsAudits   []models.RunsAudit
	logs         []models.TaskExecutionLog
}

// Store is the in-memory reference implementation of storage.Store.
type Store struct {
	mapMu sync.RWMutex // guards the maps themselves, not row contents
	rows  map[uuid.UUID]*row
	keys  map[string]uuid.UUID

	maxLogsPerTask int
	nextAuditID    int64
	auditIDMu      sync.Mutex
}

// New returns an empty Store. maxLogsPerTask bounds AppendExecutionLogs
// retention per task; 0 means unbounded.
func New(maxLogsPerTask int) *Store {
	return &Store{
		rows:           make(map[uuid.UUID]*row),
		keys:           make(map[string]uuid.UUID),
		maxLogsPerTask: maxLogsPerTask,
	}
}

func (s *Store) allocAuditID() int64 {
	s.auditIDMu.Lock()
	defer s.auditIDMu.Unlock()
	s.nextAuditID++
	return s.nextAuditID
}

func (s *Store) getRow(id uuid.UUID) (*row, bool) {
	s.mapMu.RLock()
	defer s.mapMu.RUnlock()
	r, ok := s.rows[id]
	return r, ok
}

func (s *Store) Persist(_ context.Context, task *models.QueuedTask) (uuid.UUID, error) {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	task.CreatedAtUtc = task.CreatedAtUtc.UTC()

	s.mapMu.Lock()
	defer s.mapMu.Unlock()

	if task.TaskKey != "" {
		if _, exists := s.keys[task.TaskKey]; exists {
			return uuid.Nil, storage.ErrDuplicateTaskKey
		}
	}

	cp := *task
	s.rows[task.ID] = &row{task: cp}
	if task.TaskKey != "" {
		s.keys[task.TaskKey] = task.ID
	}
	return task.ID, nil
}

func (s *Store) UpdateTask(_ context.Context, task *models.QueuedTask) error {
	r, ok := s.getRow(task.ID)
	if !ok {
		return storage.ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	oldKey := r.task.TaskKey
	cp := *task
	r.task = cp

	if oldKey != task.TaskKey {
		s.mapMu.Lock()
		if oldKey != "" {
			delete(s.keys, oldKey)
		}
		if task.TaskKey != "" {
			s.keys[task.TaskKey] = task.ID
		}
		s.mapMu.Unlock()
	}
	return nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (*models.QueuedTask, error) {
	r, ok := s.getRow(id)
	if !ok {
		return nil, storage.ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := r.task
	return &cp, nil
}

func (s *Store) GetByTaskKey(_ context.Context, taskKey string) (*models.QueuedTask, error) {
	s.mapMu.RLock()
	id, ok := s.keys[taskKey]
	s.mapMu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	r, ok := s.getRow(id)
	if !ok {
		return nil, storage.ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := r.task
	return &cp, nil
}

func (s *Store) GetAll(_ context.Context) ([]models.QueuedTask, error) {
	s.mapMu.RLock()
	rows := make([]*row, 0, len(s.rows))
	for _, r := range s.rows {
		rows = append(rows, r)
	}
	s.mapMu.RUnlock()

	out := make([]models.QueuedTask, 0, len(rows))
	for _, r := range rows {
		r.mu.Lock()
		out = append(out, r.task)
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtUtc.Before(out[j].CreatedAtUtc) })
	return out, nil
}

func (s *Store) RetrievePending(_ context.Context, queueName string, limit int) ([]models.QueuedTask, error) {
	s.mapMu.RLock()
	rows := make([]*row, 0, len(s.rows))
	for _, r := range s.rows {
		rows = append(rows, r)
	}
	s.mapMu.RUnlock()

	out := make([]models.QueuedTask, 0)
	for _, r := range rows {
		r.mu.Lock()
		t := r.task
		r.mu.Unlock()

		if !t.Status.NonTerminal() {
			continue
		}
		if queueName != "" && t.QueueName != queueName {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtUtc.Before(out[j].CreatedAtUtc) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SetStatus(_ context.Context, id uuid.UUID, newStatus models.Status, exception string, auditLevel models.AuditLevel) error {
	r, ok := s.getRow(id)
	if !ok {
		// spec.md §4.1: missing row is a no-op that logs a warning;
		// logging is the caller's concern (it holds the logger), this
		// layer just reports "nothing happened" via a typed sentinel
		// the caller can choose to swallow.
		return storage.ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	r.task.Status = newStatus
	r.task.Exception = exception
	if newStatus.SetsLastExecution() {
		r.task.LastExecutionUtc = &now
	}

	if auditLevel.ShouldAuditStatus(newStatus, exception) {
		r.statusAudits = append(r.statusAudits, models.StatusAudit{
			ID:           s.allocAuditID(),
			QueuedTaskID: id,
			UpdatedAtUtc: now,
			NewStatus:    newStatus,
			Exception:    exception,
		})
	}
	return nil
}

func (s *Store) UpdateCurrentRun(_ context.Context, id uuid.UUID, params storage.UpdateCurrentRunParams) error {
	r, ok := s.getRow(id)
	if !ok {
		return storage.ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	r.task.CurrentRunCount++
	r.task.NextRunUtc = params.NextRunUtc
	r.task.ExecutionTimeMs = params.ExecutionTimeMs

	failed := params.RunStatus == models.StatusFailed
	if params.AuditLevel.ShouldAuditRun(failed) {
		execMs := params.ExecutionTimeMs
		r.runsAudits = append(r.runsAudits, models.RunsAudit{
			ID:              s.allocAuditID(),
			QueuedTaskID:    id,
			ExecutedAt:      now,
			Status:          params.RunStatus,
			Exception:       params.RunException,
			RunUntil:        r.task.RunUntil,
			ExecutionTimeMs: &execMs,
		})
	}

	if params.AuditLevel.ShouldAuditStatus(params.RunStatus, params.RunException) {
		r.statusAudits = append(r.statusAudits, models.StatusAudit{
			ID:           s.allocAuditID(),
			QueuedTaskID: id,
			UpdatedAtUtc: now,
			NewStatus:    params.RunStatus,
			Exception:    params.RunException,
		})
	}
	return nil
}

func (s *Store) RecordSkippedOccurrences(_ context.Context, id uuid.UUID, occurrences []time.Time) error {
	if len(occurrences) == 0 {
		return nil
	}
	r, ok := s.getRow(id)
	if !ok {
		return storage.ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.runsAudits = append(r.runsAudits, models.RunsAudit{
		ID:           s.allocAuditID(),
		QueuedTaskID: id,
		ExecutedAt:   time.Now().UTC(),
		Status:       models.StatusCompleted,
		Exception:    skippedMessage(len(occurrences)),
	})
	return nil
}

func skippedMessage(n int) string {
	if n == 1 {
		return "Skipped 1 missed occurrence: catch-up after downtime"
	}
	return "Skipped " + strconv.Itoa(n) + " missed occurrences: catch-up after downtime"
}

func (s *Store) Remove(_ context.Context, id uuid.UUID) error {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()

	r, ok := s.rows[id]
	if !ok {
		return nil
	}
	if r.task.TaskKey != "" {
		delete(s.keys, r.task.TaskKey)
	}
	delete(s.rows, id)
	return nil
}

func (s *Store) AppendExecutionLogs(_ context.Context, logs []models.TaskExecutionLog) error {
	for _, l := range logs {
		r, ok := s.getRow(l.TaskID)
		if !ok {
			continue
		}
		r.mu.Lock()
		r.logs = append(r.logs, l)
		if s.maxLogsPerTask > 0 && len(r.logs) > s.maxLogsPerTask {
			r.logs = r.logs[len(r.logs)-s.maxLogsPerTask:]
		}
		r.mu.Unlock()
	}
	return nil
}

func (s *Store) GetExecutionLogs(_ context.Context, taskID uuid.UUID) ([]models.TaskExecutionLog, error) {
	r, ok := s.getRow(taskID)
	if !ok {
		return nil, storage.ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]models.TaskExecutionLog(nil), r.logs...)
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func (s *Store) GetStatusAudits(_ context.Context, taskID uuid.UUID) ([]models.StatusAudit, error) {
	r, ok := s.getRow(taskID)
	if !ok {
		return nil, storage.ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.StatusAudit(nil), r.statusAudits...), nil
}

func (s *Store) GetRunsAudits(_ context.Context, taskID uuid.UUID) ([]models.RunsAudit, error) {
	r, ok := s.getRow(taskID)
	if !ok {
		return nil, storage.ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.RunsAudit(nil), r.runsAudits...), nil
}

var _ storage.Store = (*Store)(nil)
