package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GiampaoloGabba/taskengine/internal/models"
	"github.com/GiampaoloGabba/taskengine/internal/storage"
)

func newTask(taskKey string) *models.QueuedTask {
	return &models.QueuedTask{
		TaskKey:      taskKey,
		Type:         "orders.ShipOrder",
		Handler:      "orders.ShipOrderHandler",
		Status:       models.StatusWaitingQueue,
		QueueName:    "default",
		AuditLevel:   models.AuditFull,
		CreatedAtUtc: time.Now().UTC(),
	}
}

func TestPersist_DuplicateTaskKeyRejected(t *testing.T) {
	ctx := context.Background()
	s := New(0)

	_, err := s.Persist(ctx, newTask("invoice-42"))
	require.NoError(t, err)

	_, err = s.Persist(ctx, newTask("invoice-42"))
	assert.ErrorIs(t, err, storage.ErrDuplicateTaskKey)
}

func TestPersist_EmptyTaskKeyNeverCollides(t *testing.T) {
	ctx := context.Background()
	s := New(0)

	_, err := s.Persist(ctx, newTask(""))
	require.NoError(t, err)
	_, err = s.Persist(ctx, newTask(""))
	require.NoError(t, err)
}

func TestGetByTaskKey_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(0)

	task := newTask("nightly-report")
	id, err := s.Persist(ctx, task)
	require.NoError(t, err)

	got, err := s.GetByTaskKey(ctx, "nightly-report")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
}

func TestRemove_FreesTaskKeyForReuse(t *testing.T) {
	ctx := context.Background()
	s := New(0)

	id, err := s.Persist(ctx, newTask("daily-sync"))
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, id))

	_, err = s.Persist(ctx, newTask("daily-sync"))
	assert.NoError(t, err)
}

func TestSetStatus_AuditFullRecordsEveryTransition(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	id, err := s.Persist(ctx, newTask(""))
	require.NoError(t, err)

	require.NoError(t, s.SetStatus(ctx, id, models.StatusQueued, "", models.AuditFull))
	require.NoError(t, s.SetStatus(ctx, id, models.StatusInProgress, "", models.AuditFull))
	require.NoError(t, s.SetStatus(ctx, id, models.StatusCompleted, "", models.AuditFull))

	audits, err := s.GetStatusAudits(ctx, id)
	require.NoError(t, err)
	require.Len(t, audits, 3)
	assert.Equal(t, models.StatusCompleted, audits[2].NewStatus)
}

func TestSetStatus_ErrorsOnlySkipsCleanTransitions(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	id, err := s.Persist(ctx, newTask(""))
	require.NoError(t, err)

	require.NoError(t, s.SetStatus(ctx, id, models.StatusQueued, "", models.AuditErrorsOnly))
	require.NoError(t, s.SetStatus(ctx, id, models.StatusCompleted, "", models.AuditErrorsOnly))
	require.NoError(t, s.SetStatus(ctx, id, models.StatusFailed, "boom", models.AuditErrorsOnly))

	audits, err := s.GetStatusAudits(ctx, id)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, models.StatusFailed, audits[0].NewStatus)
}

func TestSetStatus_SetsLastExecutionExceptNonTerminalOnes(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	id, err := s.Persist(ctx, newTask(""))
	require.NoError(t, err)

	require.NoError(t, s.SetStatus(ctx, id, models.StatusInProgress, "", models.AuditNone))
	task, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, task.LastExecutionUtc)

	require.NoError(t, s.SetStatus(ctx, id, models.StatusCompleted, "", models.AuditNone))
	task, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, task.LastExecutionUtc)
}

func TestSetStatus_MissingRowReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	err := s.SetStatus(ctx, uuid.New(), models.StatusCompleted, "", models.AuditFull)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateCurrentRun_IncrementsAndAudits(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	id, err := s.Persist(ctx, newTask(""))
	require.NoError(t, err)

	next := time.Now().UTC().Add(time.Hour)
	err = s.UpdateCurrentRun(ctx, id, storage.UpdateCurrentRunParams{
		ExecutionTimeMs: 12.5,
		NextRunUtc:      &next,
		AuditLevel:      models.AuditFull,
		RunStatus:       models.StatusCompleted,
	})
	require.NoError(t, err)

	task, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, task.CurrentRunCount)
	assert.Equal(t, next, *task.NextRunUtc)
	assert.Equal(t, 12.5, task.ExecutionTimeMs)

	runs, err := s.GetRunsAudits(ctx, id)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.StatusCompleted, runs[0].Status)
}

func TestAppendExecutionLogs_BoundedRetention(t *testing.T) {
	ctx := context.Background()
	s := New(2)
	id, err := s.Persist(ctx, newTask(""))
	require.NoError(t, err)

	require.NoError(t, s.AppendExecutionLogs(ctx, []models.TaskExecutionLog{
		{ID: uuid.New(), TaskID: id, Message: "one", SequenceNumber: 1},
		{ID: uuid.New(), TaskID: id, Message: "two", SequenceNumber: 2},
		{ID: uuid.New(), TaskID: id, Message: "three", SequenceNumber: 3},
	}))

	logs, err := s.GetExecutionLogs(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "two", logs[0].Message)
	assert.Equal(t, "three", logs[1].Message)
}

func TestRetrievePending_FiltersTerminalAndQueue(t *testing.T) {
	ctx := context.Background()
	s := New(0)

	waiting := newTask("")
	waiting.QueueName = "default"
	waiting.Status = models.StatusWaitingQueue
	_, err := s.Persist(ctx, waiting)
	require.NoError(t, err)

	done := newTask("")
	done.Status = models.StatusCompleted
	_, err = s.Persist(ctx, done)
	require.NoError(t, err)

	otherQueue := newTask("")
	otherQueue.QueueName = "reports"
	otherQueue.Status = models.StatusQueued
	_, err = s.Persist(ctx, otherQueue)
	require.NoError(t, err)

	pending, err := s.RetrievePending(ctx, "default", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "default", pending[0].QueueName)
}

func TestConcurrentSetStatus_SameRowSerializes(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	id, err := s.Persist(ctx, newTask(""))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.SetStatus(ctx, id, models.StatusCompleted, "", models.AuditFull)
		}()
	}
	wg.Wait()

	audits, err := s.GetStatusAudits(ctx, id)
	require.NoError(t, err)
	assert.Len(t, audits, 50)
}
