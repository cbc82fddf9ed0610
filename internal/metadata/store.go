package metadata

import "context"

// Store is the durable persistence contract for the engine. Implementations
// must be safe for concurrent use; per-object write ordering is guaranteed by
// the callers (the mover serializes work per object id).
type Store interface {
	// SaveObject upserts an ObjectRecord. The mover calls it exactly once per
	// committed move, with domain, checksum, and policy snapshot together.
	SaveObject(ctx context.Context, record ObjectRecord) error
	// GetObject returns sentinel.ErrNotFound for unknown ids.
	GetObject(ctx context.Context, objectID string) (ObjectRecord, error)
	ListObjects(ctx context.Context) ([]ObjectRecord, error)
	ListObjectsByDomain(ctx context.Context, domain string) ([]ObjectRecord, error)

	SaveSummary(ctx context.Context, summary TransferSummary) error
	ListSummaries(ctx context.Context, objectID string) ([]TransferSummary, error)

	SaveObservation(ctx context.Context, obs ReplicaObservation) error
	ListObservations(ctx context.Context, objectID string) ([]ReplicaObservation, error)

	// SaveConflict upserts the conflict for an object id.
	SaveConflict(ctx context.Context, conflict ConflictRecord) error
	// GetConflict returns sentinel.ErrNotFound when no conflict exists.
	GetConflict(ctx context.Context, objectID string) (ConflictRecord, error)
	// ListConflicts filters by state; no states means all conflicts.
	ListConflicts(ctx context.Context, states ...ConflictState) ([]ConflictRecord, error)
}
