// Package backend defines the narrow storage-backend capability the engine
// depends on, plus the implementations shipped with it. The engine never sees
// provider wire protocols; a Backend moves opaque ciphertext by object id.
package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	dErrors "shuttle/pkg/domain-errors"
)

// Backend is one storage domain's capability. Implementations must be safe
// for concurrent calls on distinct object ids.
type Backend interface {
	// Put writes ciphertext and returns the backend-computed ciphertext
	// checksum (hex sha256).
	Put(ctx context.Context, objectID string, ciphertext []byte) (string, error)
	// Get returns the stored ciphertext, or sentinel.ErrNotFound.
	Get(ctx context.Context, objectID string) ([]byte, error)
	// Delete removes the object; sentinel.ErrNotFound if absent.
	Delete(ctx context.Context, objectID string) error
	// Exists reports presence without transferring payload.
	Exists(ctx context.Context, objectID string) (bool, error)
}

// ChecksumHex is the ciphertext checksum used across backends.
func ChecksumHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Registry maps storage domains to their backends. It is populated once at
// startup and read-only afterwards; a read lock keeps Register usable from
// tests without racing.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

func (r *Registry) Register(domain string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[domain] = b
}

// Get returns the backend for a domain, or a CodeUnknownDomain error.
func (r *Registry) Get(domain string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[domain]
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeUnknownDomain, "no storage backend for domain %q", domain)
	}
	return b, nil
}

// Domains lists the registered domain names.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}
