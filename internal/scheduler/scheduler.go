// Package scheduler maintains the set of tasks waiting for a future
// fire time and hands them to the queue manager when due (spec.md
// §4.4). It replaces the teacher's HTTP-webhook scheduler loop
// (internal/scheduler/scheduler.go in the original tree) with a
// min-heap "periodic-timer" implementation, plus an opt-in sharded
// variant for high-throughput schedule() spikes — same contract,
// chosen so tests see no externally observable difference between the
// two (spec.md §4.4).
package scheduler

import (
	"container/heap"
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GiampaoloGabba/taskengine/internal/cancelreg"
	"github.com/GiampaoloGabba/taskengine/internal/clock"
	"github.com/GiampaoloGabba/taskengine/internal/metrics"
)

// Executor is the unit of work a scheduled item eventually hands to a
// queue (mirrors queue.Executor so this package doesn't need to import
// it — the dispatcher wires the two together).
type Executor interface {
	Run(ctx context.Context)
}

// EnqueueFunc hands a due item off to its target queue. It is supplied
// by the caller of Schedule so the scheduler itself never needs to know
// about queue names or the queue manager (spec.md §4.3 queue selection
// already happened by the time a task reaches Schedule).
type EnqueueFunc func(ctx context.Context) error

// Scheduler is the contract both variants satisfy (spec.md §4.4: "two
// variants with the same contract").
type Scheduler interface {
	Start(ctx context.Context)
	Stop()
	// Schedule inserts a due-at-executionTime item. taskID is used only
	// by Cancel to find and blacklist it.
	Schedule(taskID uuid.UUID, executionTime time.Time, enqueue EnqueueFunc)
	// Cancel performs the lazy cancel described in spec.md §4.4: mark
	// taskID blacklisted in the shared cancellation registry. The item
	// may still be drained and enqueued; the worker is responsible for
	// discarding it once dequeued (spec.md §4.5 pickup step).
	Cancel(taskID uuid.UUID) bool
}

// clock, registry and tick period are common to both variants.
type base struct {
	clk      clock.Clock
	registry *cancelreg.Registry
	tick     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newBase(clk clock.Clock, registry *cancelreg.Registry, tick time.Duration) base {
	if tick <= 0 {
		tick = 500 * time.Millisecond
	}
	return base{clk: clk, registry: registry, tick: tick}
}

// Default is the single-heap periodic-timer scheduler (spec.md §4.4
// default variant).
type Default struct {
	base

	mu   sync.Mutex
	heap itemHeap
	seq  int64
}

// NewDefault builds the default scheduler. registry may be nil if the
// caller performs blacklist checks elsewhere (tests commonly do).
func NewDefault(clk clock.Clock, registry *cancelreg.Registry, tickInterval time.Duration) *Default {
	return &Default{base: newBase(clk, registry, tickInterval)}
}

func (s *Default) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	ticker := s.clk.NewTicker(s.tick)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C():
				s.drainDue()
			}
		}
	}()
}

func (s *Default) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Default) Schedule(taskID uuid.UUID, executionTime time.Time, enqueue EnqueueFunc) {
	s.mu.Lock()
	s.seq++
	item := &scheduledItem{taskID: taskID, executionTime: executionTime, seq: s.seq, enqueue: enqueue}
	heap.Push(&s.heap, item)
	pending := s.heap.Len()
	s.mu.Unlock()
	metrics.SetSchedulerPending("default", float64(pending))
}

func (s *Default) Cancel(taskID uuid.UUID) bool {
	if s.registry == nil {
		return false
	}
	return s.registry.Cancel(taskID)
}

// drainDue pops every item whose executionTime has passed and hands it
// to its enqueue func, outside the heap lock so a blocked/slow enqueue
// (bounded-queue back-pressure, spec.md §5) cannot stall future
// Schedule()/Cancel() calls.
func (s *Default) drainDue() {
	now := s.clk.Now()
	var due []*scheduledItem

	s.mu.Lock()
	for s.heap.Len() > 0 && !s.heap[0].executionTime.After(now) {
		item := heap.Pop(&s.heap).(*scheduledItem)
		due = append(due, item)
	}
	pending := s.heap.Len()
	s.mu.Unlock()
	metrics.SetSchedulerPending("default", float64(pending))

	for _, item := range due {
		if item.enqueue == nil {
			continue
		}
		_ = item.enqueue(s.ctx)
	}
}

// Sharded is the opt-in high-throughput variant: k independent heaps,
// each with its own tick goroutine and lock, assigned by hash of
// taskID (spec.md §4.4). It satisfies the same Scheduler contract as
// Default.
type Sharded struct {
	base
	shards []*shard
	k      int
}

type shard struct {
	mu   sync.Mutex
	heap itemHeap
	seq  int64
}

// NewSharded builds a k-shard scheduler. k < 1 is clamped to 1 (which
// degenerates to single-heap behavior, still contract-identical to
// Default).
func NewSharded(clk clock.Clock, registry *cancelreg.Registry, tickInterval time.Duration, k int) *Sharded {
	if k < 1 {
		k = 1
	}
	shards := make([]*shard, k)
	for i := range shards {
		shards[i] = &shard{}
	}
	return &Sharded{base: newBase(clk, registry, tickInterval), shards: shards, k: k}
}

func (s *Sharded) shardFor(taskID uuid.UUID) *shard {
	h := fnv.New32a()
	_, _ = h.Write(taskID[:])
	return s.shards[int(h.Sum32())%s.k]
}

func (s *Sharded) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, sh := range s.shards {
		sh := sh
		ticker := s.clk.NewTicker(s.tick)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer ticker.Stop()
			for {
				select {
				case <-s.ctx.Done():
					return
				case <-ticker.C():
					s.drainShardDue(sh)
				}
			}
		}()
	}
}

func (s *Sharded) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sharded) Schedule(taskID uuid.UUID, executionTime time.Time, enqueue EnqueueFunc) {
	sh := s.shardFor(taskID)
	sh.mu.Lock()
	sh.seq++
	item := &scheduledItem{taskID: taskID, executionTime: executionTime, seq: sh.seq, enqueue: enqueue}
	heap.Push(&sh.heap, item)
	sh.mu.Unlock()
	metrics.SetSchedulerPending("sharded", float64(s.totalPending()))
}

// totalPending sums every shard's heap length for the
// taskengine_scheduler_pending{variant="sharded"} gauge.
func (s *Sharded) totalPending() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += sh.heap.Len()
		sh.mu.Unlock()
	}
	return total
}

func (s *Sharded) Cancel(taskID uuid.UUID) bool {
	if s.registry == nil {
		return false
	}
	return s.registry.Cancel(taskID)
}

func (s *Sharded) drainShardDue(sh *shard) {
	now := s.clk.Now()
	var due []*scheduledItem

	sh.mu.Lock()
	for sh.heap.Len() > 0 && !sh.heap[0].executionTime.After(now) {
		item := heap.Pop(&sh.heap).(*scheduledItem)
		due = append(due, item)
	}
	sh.mu.Unlock()
	metrics.SetSchedulerPending("sharded", float64(s.totalPending()))

	for _, item := range due {
		if item.enqueue == nil {
			continue
		}
		_ = item.enqueue(s.ctx)
	}
}
