// Package queue implements the queue manager and per-queue worker pools
// described in spec.md §4.3: a fixed set of named queues, each backed by
// a bounded channel and a fixed number of workers. It is grounded on the
// teacher's WorkerPool (internal/scheduler/worker.go) generalized from a
// single global pool into one pool per named queue, and switched from
// "drop when full" Submit semantics to the spec's back-pressure
// semantics (enqueue blocks the caller when the channel is full).
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/GiampaoloGabba/taskengine/internal/metrics"
)

// Executor is anything a worker can run: the dispatcher hands these in,
// the worker package supplies the concrete TaskHandlerExecutor.
type Executor interface {
	// Run executes the unit of work. ctx carries the task's composite
	// cancellation token (shutdown + per-task + timeout, spec.md §5).
	Run(ctx context.Context)
}

// WorkerQueue is one named, bounded, worker-backed queue (spec.md §4.3).
type WorkerQueue struct {
	name                   string
	maxDegreeOfParallelism int

	items chan Executor

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorkerQueue builds a queue named name with capacity (bounded
// channel size) items buffered before enqueue() blocks, and
// maxDegreeOfParallelism workers draining it.
func NewWorkerQueue(name string, capacity, maxDegreeOfParallelism int) *WorkerQueue {
	if maxDegreeOfParallelism < 1 {
		maxDegreeOfParallelism = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	return &WorkerQueue{
		name:                   name,
		maxDegreeOfParallelism: maxDegreeOfParallelism,
		items:                  make(chan Executor, capacity),
	}
}

// Name returns the queue's name.
func (q *WorkerQueue) Name() string { return q.name }

// MaxDegreeOfParallelism returns the configured worker count.
func (q *WorkerQueue) MaxDegreeOfParallelism() int { return q.maxDegreeOfParallelism }

// Start launches maxDegreeOfParallelism worker goroutines. Safe to call
// once per queue lifetime; a second call is a no-op.
func (q *WorkerQueue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.running = true
	q.mu.Unlock()

	for i := 0; i < q.maxDegreeOfParallelism; i++ {
		q.wg.Add(1)
		go q.worker(runCtx)
	}
}

// Stop cancels the run context and waits for in-flight workers to
// observe it and return. It does not drain queued-but-unstarted items;
// the host is responsible for recovering those on the next boot
// (spec.md §4.8).
func (q *WorkerQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

func (q *WorkerQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case exec, ok := <-q.items:
			if !ok {
				return
			}
			metrics.SetQueueDepth(q.name, float64(q.Count()))
			exec.Run(ctx)
		}
	}
}

// Enqueue blocks when the queue is at capacity (spec.md §5
// back-pressure), returning early if ctx is cancelled first.
func (q *WorkerQueue) Enqueue(ctx context.Context, exec Executor) error {
	select {
	case q.items <- exec:
		metrics.SetQueueDepth(q.name, float64(q.Count()))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Count reports how many items are currently buffered (informational
// per spec.md §4.3; workers actively running an item are not counted).
func (q *WorkerQueue) Count() int { return len(q.items) }

const (
	// DefaultQueueName is always present (spec.md §4.3).
	DefaultQueueName = "default"
	// RecurringQueueName is always present (spec.md §4.3).
	RecurringQueueName = "recurring"
)

// Manager holds the ordered set of named queues and implements §4.3's
// queue-selection fallback: an unknown queue name falls back to
// default, logged rather than treated as an error.
type Manager struct {
	mu     sync.RWMutex
	queues map[string]*WorkerQueue
	order  []string
	onFallback func(requested string)
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithFallbackLogger registers a callback invoked whenever queue
// selection falls back to default because the requested queue name
// does not exist (spec.md §4.3: "records this, not an error").
func WithFallbackLogger(fn func(requested string)) Option {
	return func(m *Manager) { m.onFallback = fn }
}

// NewManager builds a Manager with the always-present default and
// recurring queues; further named queues are added with AddQueue.
func NewManager(defaultCapacity, defaultParallelism, recurringCapacity, recurringParallelism int, opts ...Option) *Manager {
	m := &Manager{queues: make(map[string]*WorkerQueue)}
	for _, opt := range opts {
		opt(m)
	}
	m.addLocked(NewWorkerQueue(DefaultQueueName, defaultCapacity, defaultParallelism))
	m.addLocked(NewWorkerQueue(RecurringQueueName, recurringCapacity, recurringParallelism))
	return m
}

// AddQueue registers an additional named queue. It must be called
// before Start to take effect for that queue's worker goroutines.
func (m *Manager) AddQueue(name string, capacity, maxDegreeOfParallelism int) *WorkerQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := NewWorkerQueue(name, capacity, maxDegreeOfParallelism)
	m.addLocked(q)
	return q
}

func (m *Manager) addLocked(q *WorkerQueue) {
	m.queues[q.Name()] = q
	m.order = append(m.order, q.Name())
}

// Start launches every registered queue's workers.
func (m *Manager) Start(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range m.order {
		m.queues[name].Start(ctx)
	}
}

// Stop stops every registered queue's workers and waits for them.
func (m *Manager) Stop() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range m.order {
		m.queues[name].Stop()
	}
}

// Resolve returns the queue named requested, or default with the
// fallback logger invoked if requested doesn't exist. An empty
// requested string also resolves to default.
func (m *Manager) Resolve(requested string) *WorkerQueue {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if requested == "" {
		return m.queues[DefaultQueueName]
	}
	if q, ok := m.queues[requested]; ok {
		return q
	}
	if m.onFallback != nil {
		m.onFallback(requested)
	}
	return m.queues[DefaultQueueName]
}

// Get returns the queue named name and whether it exists, without the
// fallback behavior — useful for admin introspection (spec.md §6.2).
func (m *Manager) Get(name string) (*WorkerQueue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	return q, ok
}

// Names returns every registered queue name in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Stats is a point-in-time snapshot of one queue's depth and workers,
// used by the admin surface (spec.md §6.2).
type Stats struct {
	Name                   string
	Count                  int
	MaxDegreeOfParallelism int
}

// Snapshot returns Stats for every registered queue.
func (m *Manager) Snapshot() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0, len(m.order))
	for _, name := range m.order {
		q := m.queues[name]
		out = append(out, Stats{Name: q.Name(), Count: q.Count(), MaxDegreeOfParallelism: q.MaxDegreeOfParallelism()})
	}
	return out
}

// errUnknownQueue builds the error returned by operations that require
// an existing queue name and refuse to fall back (e.g. MustGet).
func errUnknownQueue(name string) error {
	return fmt.Errorf("queue: %q does not exist", name)
}

// MustGet returns the named queue or an error, without falling back.
func (m *Manager) MustGet(name string) (*WorkerQueue, error) {
	q, ok := m.Get(name)
	if !ok {
		return nil, errUnknownQueue(name)
	}
	return q, nil
}
