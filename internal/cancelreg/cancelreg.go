// Package cancelreg implements the L0 cancellation registry and
// dequeue blacklist described in spec.md §2 and §4.5.4: a thread-safe
// map from task id to a cancellation handle, plus a set of task ids to
// skip on dequeue when cancellation raced ahead of pickup.
package cancelreg

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Registry tracks in-flight cancellation handles and not-yet-started
// cancellations (the blacklist).
type Registry struct {
	mu        sync.Mutex
	handles   map[uuid.UUID]context.CancelFunc
	blacklist map[uuid.UUID]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		handles:   make(map[uuid.UUID]context.CancelFunc),
		blacklist: make(map[uuid.UUID]struct{}),
	}
}

// Register associates a cancellation handle with a running task. The
// handle is cleared automatically when the returned release func runs.
func (r *Registry) Register(taskID uuid.UUID, cancel context.CancelFunc) (release func()) {
	r.mu.Lock()
	r.handles[taskID] = cancel
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.handles, taskID)
		r.mu.Unlock()
	}
}

// Cancel triggers the cancellation handle for taskID if it is currently
// in flight, and returns true if one was found. If no handle is
// registered (task has not started, or already finished), it records
// the id on the blacklist so a dequeue that is still in flight discards
// it instead of starting it — §4.5.4 "not-started" cancellation path.
func (r *Registry) Cancel(taskID uuid.UUID) (wasInFlight bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cancel, ok := r.handles[taskID]; ok {
		cancel()
		return true
	}
	r.blacklist[taskID] = struct{}{}
	return false
}

// IsBlacklisted reports whether taskID was cancelled before a worker
// picked it up. Workers consult this immediately after dequeue.
func (r *Registry) IsBlacklisted(taskID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blacklist[taskID]
	return ok
}

// ClearBlacklist removes taskID from the blacklist once it has been
// consumed (the worker observed it and short-circuited to Cancelled),
// so the id does not leak forever if it is ever reused.
func (r *Registry) ClearBlacklist(taskID uuid.UUID) {
	r.mu.Lock()
	delete(r.blacklist, taskID)
	r.mu.Unlock()
}
