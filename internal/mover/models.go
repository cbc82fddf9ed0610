// Package mover implements secure object transfers between storage domains:
// authorize, fetch, re-encrypt, upload, verify, then retire the source copy.
package mover

import "time"

// State is the position of a transfer in its lifecycle. A transfer advances
// strictly forward; StateFailed is reachable from every non-terminal state.
type State string

const (
	StatePending       State = "pending"
	StateAuthorized    State = "authorized"
	StateFetched       State = "fetched"
	StateReencrypted   State = "reencrypted"
	StateUploaded      State = "uploaded"
	StateVerified      State = "verified"
	StateSourceDeleted State = "source_deleted"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// WarningOrphanSourceCopy marks a completed transfer whose source copy could
// not be deleted. The destination is authoritative regardless; the consistency
// manager picks the orphan up later.
const WarningOrphanSourceCopy = "orphan_source_copy"

// MoveRequest asks for one object to be moved between domains. Roles are the
// caller's claimed roles, passed through from the transport untouched.
type MoveRequest struct {
	ObjectID    string   `json:"object_id"`
	Source      string   `json:"source"`
	Destination string   `json:"destination"`
	Roles       []string `json:"roles"`
}

// SeedRequest ingests a brand-new object into a domain.
type SeedRequest struct {
	ObjectID  string   `json:"object_id"`
	Domain    string   `json:"domain"`
	Plaintext []byte   `json:"plaintext"`
	Roles     []string `json:"roles"`
}

// ReplicateRequest copies an object into an additional domain without
// retiring the authoritative copy.
type ReplicateRequest struct {
	ObjectID    string   `json:"object_id"`
	Destination string   `json:"destination"`
	Roles       []string `json:"roles"`
}

// TransferResult reports the outcome of one transfer attempt. State is the
// furthest state the attempt reached.
type TransferResult struct {
	ID          string        `json:"id"`
	ObjectID    string        `json:"object_id"`
	Source      string        `json:"source"`
	Destination string        `json:"destination"`
	State       State         `json:"state"`
	Checksum    string        `json:"checksum,omitempty"`
	BytesMoved  int           `json:"bytes_moved,omitempty"`
	Warning     string        `json:"warning,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
}
