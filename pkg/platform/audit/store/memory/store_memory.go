package memory

import (
	"context"
	"sync"

	audit "shuttle/pkg/platform/audit"
)

// InMemoryStore keeps audit events in process for tests and demo runs.
type InMemoryStore struct {
	mu     sync.RWMutex
	events map[string][]audit.Event
	all    []audit.Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{events: make(map[string][]audit.Event)}
}

func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all = append(s.all, event)
	if event.ObjectID != "" {
		s.events[event.ObjectID] = append(s.events[event.ObjectID], event)
	}
	return nil
}

func (s *InMemoryStore) ListByObject(_ context.Context, objectID string) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Event{}, s.events[objectID]...), nil
}

// All returns every appended event in order; test helper.
func (s *InMemoryStore) All() []audit.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Event{}, s.all...)
}
