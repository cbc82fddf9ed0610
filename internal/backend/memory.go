package backend

import (
	"context"
	"sync"
	"sync/atomic"

	"shuttle/pkg/platform/sentinel"
)

// Memory is the in-process backend used for tests and demos. It counts calls
// and supports fault injection so transfer edge cases (transient I/O errors,
// corrupted uploads) can be exercised deterministically.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte

	calls atomic.Int64

	failPutsRemaining atomic.Int32
	putErr            error
	getErr            error
	deleteErr         error
	corruptPuts       atomic.Bool
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, objectID string, ciphertext []byte) (string, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.failPutsRemaining.Load() > 0 {
		m.failPutsRemaining.Add(-1)
		return "", m.injectedPutErr()
	}
	stored := append([]byte(nil), ciphertext...)
	if m.corruptPuts.Load() && len(stored) > 0 {
		// Flip one bit so verification sees a byte-different destination. The
		// returned checksum is of the bytes as received, so the corruption is
		// silent until the copy is read back.
		stored[len(stored)-1] ^= 0x01
	}
	m.mu.Lock()
	m.objects[objectID] = stored
	m.mu.Unlock()
	return ChecksumHex(ciphertext), nil
}

func (m *Memory) Get(ctx context.Context, objectID string) ([]byte, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[objectID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Delete(ctx context.Context, objectID string) error {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if _, ok := m.objects[objectID]; !ok {
		return sentinel.ErrNotFound
	}
	delete(m.objects, objectID)
	return nil
}

func (m *Memory) Exists(ctx context.Context, objectID string) (bool, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[objectID]
	return ok, nil
}

// CallCount reports how many backend calls of any kind were made.
func (m *Memory) CallCount() int64 { return m.calls.Load() }

// FailNextPuts makes the next n Put calls fail with err (sentinel.ErrUnavailable
// when err is nil), simulating transient backend trouble.
func (m *Memory) FailNextPuts(n int, err error) {
	m.mu.Lock()
	m.putErr = err
	m.mu.Unlock()
	m.failPutsRemaining.Store(int32(n))
}

// CorruptPuts toggles silent corruption of stored ciphertext.
func (m *Memory) CorruptPuts(on bool) { m.corruptPuts.Store(on) }

// FailGets makes Get return err until cleared with nil.
func (m *Memory) FailGets(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getErr = err
}

// FailDeletes makes Delete return err until cleared with nil.
func (m *Memory) FailDeletes(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

// Raw returns a copy of the stored ciphertext without counting a call; tests
// use it to inspect backend state directly.
func (m *Memory) Raw(objectID string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[objectID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// SetRaw stores ciphertext directly without counting a call; tests use it to
// fabricate replica divergence.
func (m *Memory) SetRaw(objectID string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectID] = append([]byte(nil), data...)
}

func (m *Memory) injectedPutErr() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.putErr != nil {
		return m.putErr
	}
	return sentinel.ErrUnavailable
}
