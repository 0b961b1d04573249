package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GiampaoloGabba/taskengine/internal/cancelreg"
	"github.com/GiampaoloGabba/taskengine/internal/clock"
	"github.com/GiampaoloGabba/taskengine/internal/models"
	"github.com/GiampaoloGabba/taskengine/internal/recurring"
	"github.com/GiampaoloGabba/taskengine/internal/storage"
	"github.com/GiampaoloGabba/taskengine/internal/storage/memstore"
)

type fnHandler struct {
	fn func(ctx context.Context, req []byte) error
}

func (h fnHandler) Handle(ctx context.Context, req []byte) error { return h.fn(ctx, req) }

func newTaskRow(t *testing.T, store storage.Store, isRecurring bool) uuid.UUID {
	task := &models.QueuedTask{
		Type: "t", Handler: "h", Status: models.StatusWaitingQueue,
		AuditLevel: models.AuditFull, CreatedAtUtc: time.Now().UTC(),
		IsRecurring: isRecurring,
	}
	id, err := store.Persist(context.Background(), task)
	require.NoError(t, err)
	return id
}

func TestExecutor_Success_SetsCompleted(t *testing.T) {
	store := memstore.New(0)
	id := newTaskRow(t, store, false)

	spec := Spec{
		TaskID:     id,
		Handler:    fnHandler{fn: func(ctx context.Context, req []byte) error { return nil }},
		Retry:      DefaultRetryPolicy(),
		AuditLevel: models.AuditFull,
	}
	var started, completed bool
	spec.Callbacks = Callbacks{
		OnStarted:   func(uuid.UUID) { started = true },
		OnCompleted: func(uuid.UUID) { completed = true },
	}

	exec := NewExecutor(spec, store, cancelreg.New(), clock.New(), recurring.NewEngine(), nil)
	exec.Run(context.Background())

	task, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, task.Status)
	assert.True(t, started)
	assert.True(t, completed)
}

func TestExecutor_RetriesThenSucceeds(t *testing.T) {
	store := memstore.New(0)
	id := newTaskRow(t, store, false)

	attempts := 0
	spec := Spec{
		TaskID: id,
		Handler: fnHandler{fn: func(ctx context.Context, req []byte) error {
			attempts++
			if attempts < 3 {
				return errors.New("transient")
			}
			return nil
		}},
		Retry:      RetryPolicy{MaxRetries: 3, Spacing: time.Millisecond},
		AuditLevel: models.AuditFull,
	}
	var retries int
	spec.Callbacks.OnRetry = func(uuid.UUID, int, error) { retries++ }

	exec := NewExecutor(spec, store, cancelreg.New(), clock.New(), recurring.NewEngine(), nil)
	exec.Run(context.Background())

	task, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, task.Status)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, retries)
}

func TestExecutor_RetriesExhausted_SetsFailedWithAggregate(t *testing.T) {
	store := memstore.New(0)
	id := newTaskRow(t, store, false)

	spec := Spec{
		TaskID: id,
		Handler: fnHandler{fn: func(ctx context.Context, req []byte) error {
			return errors.New("permanent")
		}},
		Retry:      RetryPolicy{MaxRetries: 2, Spacing: time.Millisecond},
		AuditLevel: models.AuditFull,
	}
	var onErrorCalled bool
	spec.Callbacks.OnError = func(uuid.UUID, error, string) { onErrorCalled = true }

	exec := NewExecutor(spec, store, cancelreg.New(), clock.New(), recurring.NewEngine(), nil)
	exec.Run(context.Background())

	task, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, task.Status)
	assert.Contains(t, task.Exception, "permanent")
	assert.True(t, onErrorCalled)
}

func TestExecutor_Timeout_SetsFailedWithTimeoutException(t *testing.T) {
	store := memstore.New(0)
	id := newTaskRow(t, store, false)

	spec := Spec{
		TaskID: id,
		Handler: fnHandler{fn: func(ctx context.Context, req []byte) error {
			<-ctx.Done()
			return ctx.Err()
		}},
		Retry:      RetryPolicy{MaxRetries: 0, Spacing: time.Millisecond},
		Timeout:    10 * time.Millisecond,
		AuditLevel: models.AuditFull,
	}

	exec := NewExecutor(spec, store, cancelreg.New(), clock.New(), recurring.NewEngine(), nil)
	exec.Run(context.Background())

	task, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, task.Status)
	assert.Contains(t, task.Exception, "TimeoutException")
}

func TestExecutor_BlacklistedBeforePickup_SetsCancelled(t *testing.T) {
	store := memstore.New(0)
	id := newTaskRow(t, store, false)
	reg := cancelreg.New()
	reg.Cancel(id) // not in flight yet -> blacklist entry

	spec := Spec{
		TaskID:  id,
		Handler: fnHandler{fn: func(ctx context.Context, req []byte) error { return nil }},
		Retry:   DefaultRetryPolicy(),
		AuditLevel: models.AuditFull,
	}

	exec := NewExecutor(spec, store, reg, clock.New(), recurring.NewEngine(), nil)
	exec.Run(context.Background())

	task, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, task.Status)
	assert.False(t, reg.IsBlacklisted(id))
}

func TestExecutor_CancelMidRun_SetsCancelled(t *testing.T) {
	store := memstore.New(0)
	id := newTaskRow(t, store, false)
	reg := cancelreg.New()

	started := make(chan struct{})
	spec := Spec{
		TaskID: id,
		Handler: fnHandler{fn: func(ctx context.Context, req []byte) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}},
		Retry:      RetryPolicy{MaxRetries: 0},
		AuditLevel: models.AuditFull,
	}

	exec := NewExecutor(spec, store, reg, clock.New(), recurring.NewEngine(), nil)
	done := make(chan struct{})
	go func() {
		exec.Run(context.Background())
		close(done)
	}()

	<-started
	reg.Cancel(id)
	<-done

	task, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, task.Status)
}

func TestExecutor_Recurring_SuccessSchedulesNextRun(t *testing.T) {
	store := memstore.New(0)
	id := newTaskRow(t, store, true)

	scheduled := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var rescheduledAt *time.Time
	spec := Spec{
		TaskID:        id,
		Handler:       fnHandler{fn: func(ctx context.Context, req []byte) error { return nil }},
		Retry:         DefaultRetryPolicy(),
		AuditLevel:    models.AuditFull,
		IsRecurring:   true,
		RecurringSpec: &models.RecurringTask{SecondInterval: &models.IntervalN{N: 10}},
		ScheduledTime: scheduled,
		Reschedule: func(taskID uuid.UUID, nextRun time.Time) {
			rescheduledAt = &nextRun
		},
	}

	exec := NewExecutor(spec, store, cancelreg.New(), clock.New(), recurring.NewEngine(), nil)
	exec.Run(context.Background())

	task, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaitingQueue, task.Status)
	assert.Equal(t, 1, task.CurrentRunCount)
	require.NotNil(t, rescheduledAt)
	assert.Equal(t, scheduled.Add(10*time.Second), *rescheduledAt)
}

func TestExecutor_Recurring_MaxRunsReachedGoesTerminal(t *testing.T) {
	store := memstore.New(0)
	id := newTaskRow(t, store, true)

	maxRuns := 1
	spec := Spec{
		TaskID:        id,
		Handler:       fnHandler{fn: func(ctx context.Context, req []byte) error { return nil }},
		Retry:         DefaultRetryPolicy(),
		AuditLevel:    models.AuditFull,
		IsRecurring:   true,
		RecurringSpec: &models.RecurringTask{SecondInterval: &models.IntervalN{N: 10}, MaxRuns: &maxRuns},
		ScheduledTime: time.Now().UTC(),
		CurrentRun:    0,
	}

	exec := NewExecutor(spec, store, cancelreg.New(), clock.New(), recurring.NewEngine(), nil)
	exec.Run(context.Background())

	task, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, task.Status)
}
