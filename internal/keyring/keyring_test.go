package keyring

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "shuttle/pkg/domain-errors"
)

func testKeyMaterial(t *testing.T) string {
	t.Helper()
	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func newTestRegistry(t *testing.T, domains ...string) *Registry {
	t.Helper()
	keys := make([]DomainKey, 0, len(domains))
	for _, d := range domains {
		keys = append(keys, DomainKey{Domain: d, Material: testKeyMaterial(t)})
	}
	r, err := New(keys)
	require.NoError(t, err)
	return r
}

func TestNew_RejectsInvalidKeyMaterial(t *testing.T) {
	cases := []struct {
		name     string
		material string
	}{
		{"not base64", "%%% not base64 %%%"},
		{"too short", base64.StdEncoding.EncodeToString(make([]byte, 16))},
		{"too long", base64.StdEncoding.EncodeToString(make([]byte, 64))},
		{"empty", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New([]DomainKey{{Domain: "s3", Material: tc.material}})
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidKeyMaterial))
		})
	}
}

func TestNew_RejectsDuplicateDomain(t *testing.T) {
	material := testKeyMaterial(t)
	_, err := New([]DomainKey{
		{Domain: "s3", Material: material},
		{Domain: "s3", Material: material},
	})
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidKeyMaterial))
}

func TestSealOpen_RoundTrip(t *testing.T) {
	r := newTestRegistry(t, "s3")

	large := make([]byte, 4<<20)
	_, err := rand.Read(large)
	require.NoError(t, err)

	cases := []struct {
		name      string
		plaintext []byte
	}{
		{"empty", []byte{}},
		{"one byte", []byte{0x42}},
		{"multi megabyte", large},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			envelope, err := r.Seal("s3", tc.plaintext)
			require.NoError(t, err)
			require.NotEqual(t, tc.plaintext, envelope)

			got, err := r.Open("s3", envelope)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tc.plaintext, got))
		})
	}
}

func TestOpen_WrongDomainKeyFails(t *testing.T) {
	r := newTestRegistry(t, "s3", "azure")

	envelope, err := r.Seal("s3", []byte("payload"))
	require.NoError(t, err)

	_, err = r.Open("azure", envelope)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeDecryption))
}

func TestOpen_TamperedCiphertextFails(t *testing.T) {
	r := newTestRegistry(t, "s3")

	envelope, err := r.Seal("s3", []byte("payload"))
	require.NoError(t, err)
	envelope[len(envelope)-1] ^= 0xff

	_, err = r.Open("s3", envelope)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeDecryption))
}

func TestOpen_TruncatedEnvelopeFails(t *testing.T) {
	r := newTestRegistry(t, "s3")

	_, err := r.Open("s3", []byte{envelopeVersion, 0, 0})
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeDecryption))
}

func TestUnknownDomain(t *testing.T) {
	r := newTestRegistry(t, "s3")

	_, err := r.Seal("gcs", nil)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnknownDomain))

	_, err = r.Open("gcs", nil)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnknownDomain))

	_, err = r.Rotate("gcs", testKeyMaterial(t))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnknownDomain))
}

func TestRotate_OldEnvelopesStayDecryptable(t *testing.T) {
	r := newTestRegistry(t, "s3")

	before, err := r.Seal("s3", []byte("sealed before rotation"))
	require.NoError(t, err)

	newID, err := r.Rotate("s3", testKeyMaterial(t))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), newID)

	// Pre-rotation envelope still opens via key history.
	got, err := r.Open("s3", before)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed before rotation"), got)

	// New envelopes carry the new key id.
	after, err := r.Seal("s3", []byte("sealed after rotation"))
	require.NoError(t, err)
	id, err := r.ActiveKeyID("s3")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), id)

	got, err = r.Open("s3", after)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed after rotation"), got)
}

func TestRotate_RejectsBadMaterialWithoutStateChange(t *testing.T) {
	r := newTestRegistry(t, "s3")

	_, err := r.Rotate("s3", "garbage")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidKeyMaterial))

	id, err := r.ActiveKeyID("s3")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)
}

func TestSnapshot(t *testing.T) {
	r := newTestRegistry(t, "s3")

	snap, err := r.Snapshot("s3")
	require.NoError(t, err)
	assert.Equal(t, Algorithm, snap.Algorithm)
	assert.Equal(t, uint32(1), snap.KeyID)
	assert.Equal(t, "config", snap.KeySource)

	_, err = r.Rotate("s3", testKeyMaterial(t))
	require.NoError(t, err)

	snap, err = r.Snapshot("s3")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), snap.KeyID)
	assert.Equal(t, "rotation", snap.KeySource)
}

func TestConcurrentSealOpenDuringRotation(t *testing.T) {
	r := newTestRegistry(t, "s3")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 50 {
			_, err := r.Rotate("s3", testKeyMaterial(t))
			require.NoError(t, err)
		}
	}()

	for range 200 {
		envelope, err := r.Seal("s3", []byte("concurrent"))
		require.NoError(t, err)
		got, err := r.Open("s3", envelope)
		require.NoError(t, err)
		assert.Equal(t, []byte("concurrent"), got)
	}
	<-done
}
