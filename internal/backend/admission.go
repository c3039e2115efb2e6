// Package backend defines the wire protocol between the orchestrator and
// backend workers, and the admission-control primitive that bounds
// concurrent in-flight requests per backend.
package backend

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// Permit is RAII evidence that an admission slot is held. Release returns
// the slot to its backend's semaphore. Release is safe to call at most
// once; calling it twice panics, matching the single-owner contract of the
// underlying semaphore weight.
type Permit struct {
	sem      *semaphore.Weighted
	released bool
	mu       sync.Mutex
}

// Release returns the permit's slot to the backend's semaphore.
func (p *Permit) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return
	}
	p.released = true
	p.sem.Release(1)
}

// ResourceManager bounds concurrent in-flight requests per backend id using
// one counting semaphore per backend. Acquisition never blocks: callers
// either get a permit immediately or a Busy condition.
type ResourceManager struct {
	mu         sync.Mutex
	semaphores map[string]*semaphore.Weighted
}

// NewResourceManager returns an empty ResourceManager. Backends must be
// registered with Register before TryAcquire will succeed for their id.
func NewResourceManager() *ResourceManager {
	return &ResourceManager{semaphores: make(map[string]*semaphore.Weighted)}
}

// Register creates or replaces the counting semaphore for backendID with
// the given capacity.
func (r *ResourceManager) Register(backendID string, capacity int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.semaphores[backendID] = semaphore.NewWeighted(capacity)
}

// TryAcquire attempts a non-blocking acquisition of one slot for
// backendID. ok is false if the backend is unregistered or its semaphore
// is fully held; the caller should surface a BusyError in that case.
func (r *ResourceManager) TryAcquire(backendID string) (permit *Permit, ok bool) {
	r.mu.Lock()
	sem, known := r.semaphores[backendID]
	r.mu.Unlock()
	if !known {
		return nil, false
	}
	if !sem.TryAcquire(1) {
		return nil, false
	}
	return &Permit{sem: sem}, true
}
