package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_AlwaysHasDefaultAndRecurring(t *testing.T) {
	m := NewManager(8, 1, 8, 1)
	names := m.Names()
	assert.Contains(t, names, DefaultQueueName)
	assert.Contains(t, names, RecurringQueueName)
}

func TestManager_Resolve_FallsBackToDefaultAndLogs(t *testing.T) {
	var fellBackTo string
	m := NewManager(8, 1, 8, 1, WithFallbackLogger(func(requested string) { fellBackTo = requested }))

	q := m.Resolve("nonexistent")
	assert.Equal(t, DefaultQueueName, q.Name())
	assert.Equal(t, "nonexistent", fellBackTo)
}

func TestManager_Resolve_EmptyNameIsDefault(t *testing.T) {
	m := NewManager(8, 1, 8, 1)
	q := m.Resolve("")
	assert.Equal(t, DefaultQueueName, q.Name())
}

func TestWorkerQueue_SequentialWithOneWorker(t *testing.T) {
	q := NewWorkerQueue("seq", 10, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		n := i
		require.NoError(t, q.Enqueue(ctx, runFunc(func(context.Context) {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			wg.Done()
		})))
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestWorkerQueue_EnqueueBlocksWhenFull(t *testing.T) {
	q := NewWorkerQueue("tiny", 1, 1)
	ctx := context.Background()
	// Don't start workers: nothing drains, so a second enqueue blocks
	// until ctx is cancelled (spec.md §5 back-pressure).
	require.NoError(t, q.Enqueue(ctx, runFunc(func(context.Context) {})))

	blockedCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Enqueue(blockedCtx, runFunc(func(context.Context) {}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorkerQueue_Count(t *testing.T) {
	q := NewWorkerQueue("counted", 10, 1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, runFunc(func(context.Context) {})))
	require.NoError(t, q.Enqueue(ctx, runFunc(func(context.Context) {})))
	assert.Equal(t, 2, q.Count())
}

type runFunc func(context.Context)

func (f runFunc) Run(ctx context.Context) { f(ctx) }
