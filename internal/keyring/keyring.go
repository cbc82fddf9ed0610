// Package keyring owns the per-domain authenticated-encryption keys. It is
// the only place key material is decoded, validated, or used; everything
// else handles opaque envelopes.
package keyring

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	dErrors "shuttle/pkg/domain-errors"
)

const (
	// envelopeVersion is the first byte of every ciphertext envelope.
	envelopeVersion = 0x01

	// Envelope layout: version (1) | key id (4, big endian) | nonce (24) | sealed payload.
	envelopeHeaderLen = 1 + 4 + chacha20poly1305.NonceSizeX
)

// Algorithm identifies the AEAD in policy snapshots.
const Algorithm = "xchacha20-poly1305"

// DomainKey is the startup key configuration for one storage domain.
type DomainKey struct {
	Domain   string
	Material string // base64-encoded 32-byte key
	Label    string
}

// Snapshot describes the encryption state of a domain at a point in time; the
// mover stores it on the ObjectRecord as the policy snapshot.
type Snapshot struct {
	Algorithm string `json:"algorithm"`
	KeyID     uint32 `json:"key_id"`
	KeySource string `json:"key_source"`
}

type domainKeys struct {
	label    string
	source   string
	activeID uint32
	// keys retains every key ever active for the domain so that envelopes
	// sealed before a rotation stay decryptable.
	keys map[uint32]cipher.AEAD
}

// Registry maps storage domains to their key history. Reads are lock-free of
// rotation in the sense that a committed rotation never blocks Seal/Open;
// both take the read lock only.
type Registry struct {
	mu      sync.RWMutex
	domains map[string]*domainKeys
}

// New validates and installs one key per domain. Malformed key material is an
// error here and the caller is expected to treat it as fatal: a process that
// starts with a bad key would write inconsistent ciphertext.
func New(keys []DomainKey) (*Registry, error) {
	r := &Registry{domains: make(map[string]*domainKeys, len(keys))}
	for _, dk := range keys {
		if _, exists := r.domains[dk.Domain]; exists {
			return nil, dErrors.Newf(dErrors.CodeInvalidKeyMaterial, "duplicate key for domain %q", dk.Domain)
		}
		aead, err := parseKey(dk.Domain, dk.Material)
		if err != nil {
			return nil, err
		}
		r.domains[dk.Domain] = &domainKeys{
			label:    dk.Label,
			source:   "config",
			activeID: 1,
			keys:     map[uint32]cipher.AEAD{1: aead},
		}
	}
	return r, nil
}

func parseKey(domain, material string) (cipher.AEAD, error) {
	raw, err := base64.StdEncoding.DecodeString(material)
	if err != nil {
		return nil, dErrors.Newf(dErrors.CodeInvalidKeyMaterial, "domain %q: key material is not valid base64", domain)
	}
	if len(raw) != chacha20poly1305.KeySize {
		return nil, dErrors.Newf(dErrors.CodeInvalidKeyMaterial,
			"domain %q: key material is %d bytes, want %d", domain, len(raw), chacha20poly1305.KeySize)
	}
	aead, err := chacha20poly1305.NewX(raw)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidKeyMaterial, "construct AEAD")
	}
	return aead, nil
}

// Seal encrypts plaintext under the domain's active key and returns a
// self-describing envelope.
func (r *Registry) Seal(domain string, plaintext []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dk, ok := r.domains[domain]
	if !ok {
		return nil, unknownDomain(domain)
	}
	aead := dk.keys[dk.activeID]

	envelope := make([]byte, envelopeHeaderLen, envelopeHeaderLen+len(plaintext)+aead.Overhead())
	envelope[0] = envelopeVersion
	binary.BigEndian.PutUint32(envelope[1:5], dk.activeID)
	nonce := envelope[5:envelopeHeaderLen]
	if _, err := rand.Read(nonce); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "generate nonce")
	}
	return aead.Seal(envelope, nonce, plaintext, envelope[:5]), nil
}

// Open decrypts an envelope using the key identified by its header. The key
// may be a superseded one; rotation never strands an object. Tag or key
// mismatch is a decryption error, which callers must not retry.
func (r *Registry) Open(domain string, envelope []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dk, ok := r.domains[domain]
	if !ok {
		return nil, unknownDomain(domain)
	}
	if len(envelope) < envelopeHeaderLen || envelope[0] != envelopeVersion {
		return nil, dErrors.New(dErrors.CodeDecryption, "malformed ciphertext envelope")
	}
	keyID := binary.BigEndian.Uint32(envelope[1:5])
	aead, ok := dk.keys[keyID]
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeDecryption, "domain %q has no key with id %d", domain, keyID)
	}
	nonce := envelope[5:envelopeHeaderLen]
	plaintext, err := aead.Open(nil, nonce, envelope[envelopeHeaderLen:], envelope[:5])
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDecryption, "authenticated decryption failed")
	}
	return plaintext, nil
}

// Rotate atomically replaces the active key for a domain. Superseded keys are
// retained for decryption. Returns the new active key id.
func (r *Registry) Rotate(domain, material string) (uint32, error) {
	aead, err := parseKey(domain, material)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dk, ok := r.domains[domain]
	if !ok {
		return 0, unknownDomain(domain)
	}
	dk.activeID++
	dk.keys[dk.activeID] = aead
	dk.source = "rotation"
	return dk.activeID, nil
}

// ActiveKeyID returns the id of the domain's current key.
func (r *Registry) ActiveKeyID(domain string) (uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dk, ok := r.domains[domain]
	if !ok {
		return 0, unknownDomain(domain)
	}
	return dk.activeID, nil
}

// Snapshot returns the encryption policy view of a domain's current state.
func (r *Registry) Snapshot(domain string) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dk, ok := r.domains[domain]
	if !ok {
		return Snapshot{}, unknownDomain(domain)
	}
	return Snapshot{Algorithm: Algorithm, KeyID: dk.activeID, KeySource: dk.source}, nil
}

// Domains lists the configured domain names.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.domains))
	for name := range r.domains {
		names = append(names, name)
	}
	return names
}

func unknownDomain(domain string) error {
	return dErrors.Newf(dErrors.CodeUnknownDomain, "storage domain %q is not configured", domain)
}
