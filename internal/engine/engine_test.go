package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GiampaoloGabba/taskengine/internal/dispatcher"
	"github.com/GiampaoloGabba/taskengine/internal/models"
	"github.com/GiampaoloGabba/taskengine/internal/worker"
)

type greeter struct{ done chan string }

func (g greeter) Handle(ctx context.Context, req []byte) error {
	g.done <- string(req)
	return nil
}

func TestEngine_Dispatch_ImmediateTaskCompletes(t *testing.T) {
	done := make(chan string, 1)
	e, err := New(
		WithSchedulerTick(5*time.Millisecond),
		WithHandler(dispatcher.Registration{
			Type:    "greet",
			Factory: func() (worker.Handler, error) { return greeter{done: done}, nil },
			Retry:   worker.DefaultRetryPolicy(),
		}),
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	t.Cleanup(e.Stop)

	id, err := e.Dispatch(ctx, "greet", map[string]string{"name": "Test"}, dispatcher.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case payload := <-done:
		assert.Contains(t, payload, "Test")
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestEngine_Dispatch_UnregisteredHandlerErrors(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	t.Cleanup(e.Stop)

	_, err = e.Dispatch(ctx, "missing", nil, dispatcher.Options{})
	require.Error(t, err)
}

func TestEngine_Cancel_NotStartedTaskNeverRuns(t *testing.T) {
	ran := make(chan string, 1)
	e, err := New(
		WithSchedulerTick(5*time.Millisecond),
		WithHandler(dispatcher.Registration{
			Type: "slow",
			Factory: func() (worker.Handler, error) {
				return greeter{done: ran}, nil
			},
			Retry: worker.DefaultRetryPolicy(),
		}),
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	t.Cleanup(e.Stop)

	when := time.Now().Add(time.Hour)
	id, err := e.Dispatch(ctx, "slow", nil, dispatcher.Options{ScheduledExecutionUtc: &when})
	require.NoError(t, err)

	require.NoError(t, e.Cancel(ctx, id))

	select {
	case <-ran:
		t.Fatal("cancelled task must never run")
	case <-time.After(50 * time.Millisecond):
	}

	parsedID, err := parseUUID(id)
	require.NoError(t, err)

	task, err := e.Store().Get(ctx, parsedID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, task.Status)
}
