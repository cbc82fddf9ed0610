// Package audit defines the engine's audit event model. Events are emitted
// from domain logic to capture key actions; keep them transport-agnostic so
// stores and sinks can fan out.
package audit

import (
	"context"
	"time"
)

// Action names an auditable engine action.
type Action string

const (
	// Transfer actions.
	ActionObjectSeeded      Action = "object_seeded"
	ActionTransferCompleted Action = "transfer_completed"
	ActionTransferFailed    Action = "transfer_failed"
	ActionReplicaAdded      Action = "replica_added"

	// Consistency actions.
	ActionConflictOpened        Action = "conflict_opened"
	ActionConflictResolved      Action = "conflict_resolved"
	ActionConflictUnrecoverable Action = "conflict_unrecoverable"
	ActionResyncAttempted       Action = "resync_attempted"

	// Key management actions.
	ActionKeyRotated Action = "key_rotated"
)

// Event is one audit record. ObjectID is empty for domain-level actions such
// as key rotation.
type Event struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Action      Action    `json:"action"`
	ObjectID    string    `json:"object_id,omitempty"`
	Domain      string    `json:"domain,omitempty"`
	Source      string    `json:"source,omitempty"`
	Destination string    `json:"destination,omitempty"`
	Outcome     string    `json:"outcome,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Checksum    string    `json:"checksum,omitempty"`
	Roles       []string  `json:"roles,omitempty"`
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByObject(ctx context.Context, objectID string) ([]Event, error)
}

// Sink receives a best-effort copy of every event, e.g. a Kafka topic. Sinks
// must not block the emitting request path.
type Sink interface {
	Send(ctx context.Context, event Event)
	Close()
}
