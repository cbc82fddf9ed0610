// Package consistency audits replica sets against the object record and
// repairs divergent copies with a bounded resync.
package consistency

import (
	"time"

	"shuttle/internal/metadata"
)

// Report is the outcome of one consistency check for one object.
type Report struct {
	ObjectID     string                        `json:"object_id"`
	CheckedAt    time.Time                     `json:"checked_at"`
	Observations []metadata.ReplicaObservation `json:"observations"`
	// Divergent maps each reachable replica whose content disagrees with the
	// record to its observed plaintext checksum; "" means missing or
	// unreadable.
	Divergent map[string]string        `json:"divergent,omitempty"`
	Conflict  *metadata.ConflictRecord `json:"conflict,omitempty"`
	Healthy   bool                     `json:"healthy"`
}

// SweepReport summarizes one CheckAll pass.
type SweepReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Checked   int           `json:"checked"`
	Skipped   int           `json:"skipped"`
	Divergent int           `json:"divergent"`
}

// ResyncOptions tunes one resync. SourceDomain overrides the authoritative
// source, which defaults to the record's current domain.
type ResyncOptions struct {
	SourceDomain string `json:"source_domain,omitempty"`
}

// ResyncResult reports which replicas a resync repaired and which still fail.
type ResyncResult struct {
	ObjectID string            `json:"object_id"`
	Source   string            `json:"source"`
	Repaired []string          `json:"repaired,omitempty"`
	Failed   map[string]string `json:"failed,omitempty"` // domain -> error code
	State    metadata.ConflictState
}

// ObjectStatus is the externally visible consistency view of one object.
type ObjectStatus struct {
	ObjectID     string                        `json:"object_id"`
	Domain       string                        `json:"domain"`
	Replicas     []string                      `json:"replicas"`
	LastChecked  time.Time                     `json:"last_checked,omitempty"`
	Observations []metadata.ReplicaObservation `json:"observations,omitempty"`
	Conflict     *metadata.ConflictRecord      `json:"conflict,omitempty"`
}
