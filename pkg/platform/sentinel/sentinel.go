package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Backends and metadata stores
// return these (optionally wrapped) so services can translate them into
// coded domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: object or record does not exist in the store/backend
// - ErrConflict: concurrent write lost, or record already exists
// - ErrInvalidState: entity in wrong state for the requested operation
// - ErrUnavailable: backend or store temporarily unreachable
//
// For validation errors (bad input, missing fields), use pkg/domain-errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
