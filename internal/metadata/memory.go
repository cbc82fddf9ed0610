package metadata

import (
	"context"
	"sort"
	"sync"

	"shuttle/pkg/platform/sentinel"
)

// InMemoryStore keeps all records in process. It backs unit tests and demo
// deployments; durability comes from the postgres store.
type InMemoryStore struct {
	mu           sync.RWMutex
	objects      map[string]ObjectRecord
	summaries    map[string][]TransferSummary
	observations map[string]map[string]ReplicaObservation // object id -> domain -> latest
	conflicts    map[string]ConflictRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		objects:      make(map[string]ObjectRecord),
		summaries:    make(map[string][]TransferSummary),
		observations: make(map[string]map[string]ReplicaObservation),
		conflicts:    make(map[string]ConflictRecord),
	}
}

func (s *InMemoryStore) SaveObject(_ context.Context, record ObjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.Replicas = append([]string(nil), record.Replicas...)
	s.objects[record.ObjectID] = record
	return nil
}

func (s *InMemoryStore) GetObject(_ context.Context, objectID string) (ObjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.objects[objectID]
	if !ok {
		return ObjectRecord{}, sentinel.ErrNotFound
	}
	return record, nil
}

func (s *InMemoryStore) ListObjects(_ context.Context) ([]ObjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]ObjectRecord, 0, len(s.objects))
	for _, r := range s.objects {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ObjectID < records[j].ObjectID })
	return records, nil
}

func (s *InMemoryStore) ListObjectsByDomain(_ context.Context, domain string) ([]ObjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var records []ObjectRecord
	for _, r := range s.objects {
		if r.Domain == domain || r.HasReplica(domain) {
			records = append(records, r)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ObjectID < records[j].ObjectID })
	return records, nil
}

func (s *InMemoryStore) SaveSummary(_ context.Context, summary TransferSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[summary.ObjectID] = append(s.summaries[summary.ObjectID], summary)
	return nil
}

func (s *InMemoryStore) ListSummaries(_ context.Context, objectID string) ([]TransferSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]TransferSummary{}, s.summaries[objectID]...), nil
}

func (s *InMemoryStore) SaveObservation(_ context.Context, obs ReplicaObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byDomain, ok := s.observations[obs.ObjectID]
	if !ok {
		byDomain = make(map[string]ReplicaObservation)
		s.observations[obs.ObjectID] = byDomain
	}
	byDomain[obs.Domain] = obs
	return nil
}

func (s *InMemoryStore) ListObservations(_ context.Context, objectID string) ([]ReplicaObservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byDomain := s.observations[objectID]
	observations := make([]ReplicaObservation, 0, len(byDomain))
	for _, obs := range byDomain {
		observations = append(observations, obs)
	}
	sort.Slice(observations, func(i, j int) bool { return observations[i].Domain < observations[j].Domain })
	return observations, nil
}

func (s *InMemoryStore) SaveConflict(_ context.Context, conflict ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[conflict.ObjectID] = conflict
	return nil
}

func (s *InMemoryStore) GetConflict(_ context.Context, objectID string) (ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conflict, ok := s.conflicts[objectID]
	if !ok {
		return ConflictRecord{}, sentinel.ErrNotFound
	}
	return conflict, nil
}

func (s *InMemoryStore) ListConflicts(_ context.Context, states ...ConflictState) ([]ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var conflicts []ConflictRecord
	for _, c := range s.conflicts {
		if len(states) == 0 {
			conflicts = append(conflicts, c)
			continue
		}
		for _, state := range states {
			if c.State == state {
				conflicts = append(conflicts, c)
				break
			}
		}
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].ObjectID < conflicts[j].ObjectID })
	return conflicts, nil
}
