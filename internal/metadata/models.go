// Package metadata persists the engine's durable records: where each object
// lives, what the replicas looked like last time anyone checked, and the
// audit trail of transfer attempts.
package metadata

import "time"

// PolicySnapshot captures the encryption policy an object was written under.
// It is taken immediately before upload and committed with the move, so a
// later key rotation or role change never rewrites history.
type PolicySnapshot struct {
	Algorithm    string   `json:"algorithm"`
	KeyID        uint32   `json:"key_id"`
	KeySource    string   `json:"key_source"`
	AllowedRoles []string `json:"allowed_roles"`
	Checksum     string   `json:"checksum"` // plaintext sha256, hex
}

// ObjectRecord is the authoritative location record for one object. Domain
// always names the holder of the most recently committed ciphertext; it is
// only updated after upload and verification both succeed.
type ObjectRecord struct {
	ObjectID       string         `json:"object_id"`
	Domain         string         `json:"domain"`
	Checksum       string         `json:"checksum"` // plaintext sha256, hex
	CiphertextSize int64          `json:"ciphertext_size"`
	LastMovedAt    time.Time      `json:"last_moved_at"`
	Policy         PolicySnapshot `json:"policy"`
	// Replicas lists every domain expected to hold a copy, the authoritative
	// domain included. The consistency manager audits exactly this set.
	Replicas []string `json:"replicas"`
}

// HasReplica reports whether the record expects a copy in the given domain.
func (r ObjectRecord) HasReplica(domain string) bool {
	for _, d := range r.Replicas {
		if d == domain {
			return true
		}
	}
	return false
}

// TransferOutcome is the terminal state of a transfer attempt.
type TransferOutcome string

const (
	TransferCompleted TransferOutcome = "completed"
	TransferFailed    TransferOutcome = "failed"
)

// TransferSummary is the persisted audit record of one transfer attempt. The
// in-flight TransferAttempt state machine is ephemeral; this is what
// survives it.
type TransferSummary struct {
	ID          string          `json:"id"`
	ObjectID    string          `json:"object_id"`
	Source      string          `json:"source"`
	Destination string          `json:"destination"`
	Outcome     TransferOutcome `json:"outcome"`
	ErrorCode   string          `json:"error_code,omitempty"`
	Warning     string          `json:"warning,omitempty"`
	Checksum    string          `json:"checksum,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	Duration    time.Duration   `json:"duration"`
}

// ReplicaObservation records what one replica endpoint looked like during a
// consistency round.
type ReplicaObservation struct {
	ObjectID  string    `json:"object_id"`
	Domain    string    `json:"domain"`
	Checksum  string    `json:"checksum,omitempty"` // plaintext sha256; empty when absent/unreachable
	Present   bool      `json:"present"`
	Reachable bool      `json:"reachable"`
	CheckedAt time.Time `json:"checked_at"`
}

// ConflictState is the lifecycle state of a replica conflict.
type ConflictState string

const (
	ConflictOpen          ConflictState = "open"
	ConflictResolving     ConflictState = "resolving"
	ConflictResolved      ConflictState = "resolved"
	ConflictUnrecoverable ConflictState = "unrecoverable"
)

// Active reports whether the conflict still needs attention.
func (s ConflictState) Active() bool {
	return s == ConflictOpen || s == ConflictResolving
}

// ConflictRecord tracks one object whose replicas disagree. At most one
// conflict exists per object id; repeated detections increment RetryCount on
// the existing record.
type ConflictRecord struct {
	ObjectID      string            `json:"object_id"`
	Divergent     map[string]string `json:"divergent"` // domain -> observed plaintext checksum ("" = missing)
	State         ConflictState     `json:"state"`
	RetryCount    int               `json:"retry_count"`
	FirstDetected time.Time         `json:"first_detected"`
	UpdatedAt     time.Time         `json:"updated_at"`
}
