package scheduler

import (
	"container/heap"
	"time"

	"github.com/google/uuid"
)

// scheduledItem is one entry in a time-ordered heap (spec.md §4.4): a
// task waiting for executionTime, holding the executor to hand to the
// queue manager once due.
type scheduledItem struct {
	taskID        uuid.UUID
	executionTime time.Time
	enqueue       EnqueueFunc
	seq           int64 // insertion order, breaks FIFO ties at equal executionTime
	index         int   // maintained by container/heap
}

// itemHeap is a min-heap ordered by executionTime, then by insertion
// order (spec.md §5: "Scheduler fire order for the same executionTime:
// FIFO by insertion order").
type itemHeap []*scheduledItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].executionTime.Equal(h[j].executionTime) {
		return h[i].seq < h[j].seq
	}
	return h[i].executionTime.Before(h[j].executionTime)
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	item := x.(*scheduledItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

var _ heap.Interface = (*itemHeap)(nil)
