package recovery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GiampaoloGabba/taskengine/internal/cancelreg"
	"github.com/GiampaoloGabba/taskengine/internal/clock"
	"github.com/GiampaoloGabba/taskengine/internal/dispatcher"
	"github.com/GiampaoloGabba/taskengine/internal/models"
	"github.com/GiampaoloGabba/taskengine/internal/queue"
	"github.com/GiampaoloGabba/taskengine/internal/recurring"
	"github.com/GiampaoloGabba/taskengine/internal/scheduler"
	"github.com/GiampaoloGabba/taskengine/internal/storage/memstore"
	"github.com/GiampaoloGabba/taskengine/internal/worker"
)

type recordingHandler struct{ runs chan struct{} }

func (h recordingHandler) Handle(ctx context.Context, req []byte) error {
	if h.runs != nil {
		select {
		case h.runs <- struct{}{}:
		default:
		}
	}
	return nil
}

func newHarness(t *testing.T) (*memstore.Store, *dispatcher.Dispatcher, *Recoverer, chan struct{}) {
	store := memstore.New(0)
	qm := queue.NewManager(16, 2, 16, 2)
	reg := cancelreg.New()
	clk := clock.New()
	sched := scheduler.NewDefault(clk, reg, 10*time.Millisecond)
	recEngine := recurring.NewEngine()

	ctx := context.Background()
	qm.Start(ctx)
	sched.Start(ctx)
	t.Cleanup(func() {
		qm.Stop()
		sched.Stop()
	})

	d := dispatcher.New(store, qm, sched, reg, clk, recEngine, dispatcher.DefaultLazyPolicy(), nil)
	runs := make(chan struct{}, 8)
	d.Register(dispatcher.Registration{
		Type:    "job",
		Factory: func() (worker.Handler, error) { return recordingHandler{runs: runs}, nil },
		Retry:   worker.DefaultRetryPolicy(),
	})

	rec := New(store, d, recEngine, clk, nil)
	return store, d, rec, runs
}

func TestRecover_InProgressRowIsRequeuedAndRun(t *testing.T) {
	store, _, rec, runs := newHarness(t)

	task := &models.QueuedTask{
		Type: "job", Handler: "job", Status: models.StatusInProgress,
		AuditLevel: models.AuditFull, CreatedAtUtc: time.Now().UTC(),
	}
	_, err := store.Persist(context.Background(), task)
	require.NoError(t, err)

	report, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)

	select {
	case <-runs:
	case <-time.After(2 * time.Second):
		t.Fatal("recovered in-progress task never ran")
	}
}

func TestRecover_QueuedRowIsEnqueuedDirectly(t *testing.T) {
	store, _, rec, runs := newHarness(t)

	task := &models.QueuedTask{
		Type: "job", Handler: "job", Status: models.StatusQueued,
		AuditLevel: models.AuditFull, CreatedAtUtc: time.Now().UTC(),
	}
	_, err := store.Persist(context.Background(), task)
	require.NoError(t, err)

	report, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Enqueued)

	select {
	case <-runs:
	case <-time.After(2 * time.Second):
		t.Fatal("recovered queued task never ran")
	}
}

func TestRecover_WaitingFutureRowIsRescheduledVerbatim(t *testing.T) {
	store, _, rec, runs := newHarness(t)

	next := time.Now().UTC().Add(20 * time.Millisecond)
	task := &models.QueuedTask{
		Type: "job", Handler: "job", Status: models.StatusWaitingQueue,
		AuditLevel: models.AuditFull, CreatedAtUtc: time.Now().UTC(),
		NextRunUtc: &next,
	}
	_, err := store.Persist(context.Background(), task)
	require.NoError(t, err)

	report, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rescheduled)

	select {
	case <-runs:
	case <-time.After(2 * time.Second):
		t.Fatal("recovered waiting task never ran")
	}
}

func TestRecover_WaitingPastRecurringRowCatchesUpAndRecordsSkips(t *testing.T) {
	store, _, rec, _ := newHarness(t)

	past := time.Now().UTC().Add(-95 * time.Second)
	rt := models.RecurringTask{SecondInterval: &models.IntervalN{N: 30}}
	rtJSON, err := json.Marshal(rt)
	require.NoError(t, err)

	task := &models.QueuedTask{
		Type: "job", Handler: "job", Status: models.StatusWaitingQueue,
		AuditLevel: models.AuditFull, CreatedAtUtc: time.Now().UTC(),
		IsRecurring: true, RecurringTask: rtJSON, NextRunUtc: &past,
	}
	id, err := store.Persist(context.Background(), task)
	require.NoError(t, err)

	report, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rescheduled)

	runsAudits, err := store.GetRunsAudits(context.Background(), id)
	require.NoError(t, err)
	assert.NotEmpty(t, runsAudits)
}

func TestRecover_CancelledAndPendingRowsAreIgnored(t *testing.T) {
	store, _, rec, _ := newHarness(t)

	task := &models.QueuedTask{
		Type: "job", Handler: "job", Status: models.StatusCancelled,
		AuditLevel: models.AuditFull, CreatedAtUtc: time.Now().UTC(),
	}
	_, err := store.Persist(context.Background(), task)
	require.NoError(t, err)

	pending := &models.QueuedTask{
		Type: "job", Handler: "job", Status: models.StatusPending,
		AuditLevel: models.AuditFull, CreatedAtUtc: time.Now().UTC(),
	}
	_, err = store.Persist(context.Background(), pending)
	require.NoError(t, err)

	report, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Requeued)
	assert.Zero(t, report.Enqueued)
	assert.Zero(t, report.Rescheduled)
}

func TestRecover_UnregisteredHandlerIsSkippedNotFatal(t *testing.T) {
	store, _, rec, _ := newHarness(t)

	task := &models.QueuedTask{
		Type: "unknown-type", Handler: "unknown-type", Status: models.StatusQueued,
		AuditLevel: models.AuditFull, CreatedAtUtc: time.Now().UTC(),
	}
	_, err := store.Persist(context.Background(), task)
	require.NoError(t, err)

	report, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.SkippedTasks)
}
