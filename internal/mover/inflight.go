package mover

import "sync"

// InFlight is the per-object serialization set shared by the mover and the
// consistency manager. Whoever acquires an object id owns its backend copies
// until release; a second acquire fails instead of blocking.
type InFlight struct {
	mu      sync.Mutex
	objects map[string]struct{}
}

func NewInFlight() *InFlight {
	return &InFlight{objects: make(map[string]struct{})}
}

// TryAcquire claims the object id. It returns false when another operation
// already holds it.
func (f *InFlight) TryAcquire(objectID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.objects[objectID]; busy {
		return false
	}
	f.objects[objectID] = struct{}{}
	return true
}

// Release frees the object id. Releasing an unheld id is a no-op.
func (f *InFlight) Release(objectID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, objectID)
}

// Busy reports whether an operation currently holds the object id.
func (f *InFlight) Busy(objectID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, busy := f.objects[objectID]
	return busy
}
