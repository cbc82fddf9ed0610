package mover

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"shuttle/internal/access"
	"shuttle/internal/backend"
	"shuttle/internal/keyring"
	"shuttle/internal/metadata"
	dErrors "shuttle/pkg/domain-errors"
	audit "shuttle/pkg/platform/audit"
	auditmem "shuttle/pkg/platform/audit/store/memory"
	"shuttle/pkg/platform/audit/publisher"
	"shuttle/pkg/retry"
)

func testKeyMaterial(t *testing.T) string {
	t.Helper()
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

type MoverSuite struct {
	suite.Suite

	keys       *keyring.Registry
	policy     *access.Policy
	backends   *backend.Registry
	alpha      *backend.Memory
	beta       *backend.Memory
	gamma      *backend.Memory
	store      *metadata.InMemoryStore
	auditStore *auditmem.InMemoryStore
	svc        *Service
}

func TestMoverSuite(t *testing.T) {
	suite.Run(t, new(MoverSuite))
}

func (s *MoverSuite) SetupTest() {
	var err error
	s.keys, err = keyring.New([]keyring.DomainKey{
		{Domain: "alpha", Material: testKeyMaterial(s.T())},
		{Domain: "beta", Material: testKeyMaterial(s.T())},
		{Domain: "gamma", Material: testKeyMaterial(s.T())},
	})
	s.Require().NoError(err)

	s.policy = access.New([]access.DomainRoles{
		{Domain: "alpha", Roles: []string{"mover", "admin"}},
		{Domain: "beta", Roles: []string{"mover", "admin"}},
		{Domain: "gamma", Roles: []string{"admin"}},
	})

	s.alpha = backend.NewMemory()
	s.beta = backend.NewMemory()
	s.gamma = backend.NewMemory()
	s.backends = backend.NewRegistry()
	s.backends.Register("alpha", s.alpha)
	s.backends.Register("beta", s.beta)
	s.backends.Register("gamma", s.gamma)

	s.store = metadata.NewInMemoryStore()
	s.auditStore = auditmem.NewInMemoryStore()

	s.svc = NewService(
		s.keys, s.policy, s.backends, s.store,
		retry.New(retry.WithBaseDelay(time.Millisecond), retry.WithMaxDelay(2*time.Millisecond)),
		NewInFlight(),
		WithAudit(publisher.NewPublisher(s.auditStore)),
	)
}

func (s *MoverSuite) seed(objectID, domain string, plaintext []byte) metadata.ObjectRecord {
	s.T().Helper()
	record, err := s.svc.Seed(context.Background(), SeedRequest{
		ObjectID:  objectID,
		Domain:    domain,
		Plaintext: plaintext,
		Roles:     []string{"admin"},
	})
	s.Require().NoError(err)
	return *record
}

func plaintextSum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *MoverSuite) TestSeed() {
	ctx := context.Background()
	plaintext := []byte("the payload")
	record := s.seed("obj-1", "alpha", plaintext)

	s.Equal("alpha", record.Domain)
	s.Equal(plaintextSum(plaintext), record.Checksum)
	s.Equal([]string{"alpha"}, record.Replicas)
	s.Equal(keyring.Algorithm, record.Policy.Algorithm)
	s.Equal(uint32(1), record.Policy.KeyID)
	s.Equal([]string{"admin", "mover"}, record.Policy.AllowedRoles)

	// The stored bytes are an envelope, not the plaintext.
	raw, ok := s.alpha.Raw("obj-1")
	s.Require().True(ok)
	s.NotEqual(plaintext, raw)
	decrypted, err := s.keys.Open("alpha", raw)
	s.Require().NoError(err)
	s.Equal(plaintext, decrypted)

	events, err := s.auditStore.ListByObject(ctx, "obj-1")
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(audit.ActionObjectSeeded, events[0].Action)
}

func (s *MoverSuite) TestSeed_DuplicateObject() {
	s.seed("obj-1", "alpha", []byte("x"))
	_, err := s.svc.Seed(context.Background(), SeedRequest{
		ObjectID: "obj-1", Domain: "beta", Plaintext: []byte("y"), Roles: []string{"admin"},
	})
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *MoverSuite) TestMove_Success() {
	ctx := context.Background()
	plaintext := []byte("sensitive bytes")
	s.seed("obj-1", "alpha", plaintext)

	res, err := s.svc.Move(ctx, MoveRequest{
		ObjectID: "obj-1", Source: "alpha", Destination: "beta", Roles: []string{"mover"},
	})
	s.Require().NoError(err)
	s.Equal(StateCompleted, res.State)
	s.Equal(plaintextSum(plaintext), res.Checksum)
	s.Empty(res.Warning)
	s.Positive(res.BytesMoved)

	s.Run("source copy removed", func() {
		exists, err := s.alpha.Exists(ctx, "obj-1")
		s.Require().NoError(err)
		s.False(exists)
	})

	s.Run("destination decrypts to the same plaintext", func() {
		raw, ok := s.beta.Raw("obj-1")
		s.Require().True(ok)
		decrypted, err := s.keys.Open("beta", raw)
		s.Require().NoError(err)
		s.Equal(plaintext, decrypted)
	})

	s.Run("record committed as one unit", func() {
		record, err := s.store.GetObject(ctx, "obj-1")
		s.Require().NoError(err)
		s.Equal("beta", record.Domain)
		s.Equal(plaintextSum(plaintext), record.Checksum)
		s.Equal(plaintextSum(plaintext), record.Policy.Checksum)
		s.Equal([]string{"beta"}, record.Replicas)
	})

	s.Run("summary and audit recorded", func() {
		summaries, err := s.store.ListSummaries(ctx, "obj-1")
		s.Require().NoError(err)
		s.Require().Len(summaries, 1)
		s.Equal(metadata.TransferCompleted, summaries[0].Outcome)
		s.Empty(summaries[0].ErrorCode)

		events, err := s.auditStore.ListByObject(ctx, "obj-1")
		s.Require().NoError(err)
		s.Require().Len(events, 2)
		s.Equal(audit.ActionTransferCompleted, events[1].Action)
	})
}

func (s *MoverSuite) TestMove_DeniedBeforeAnyBackendCall() {
	ctx := context.Background()
	s.seed("obj-1", "alpha", []byte("x"))
	alphaCalls, gammaCalls := s.alpha.CallCount(), s.gamma.CallCount()

	// "mover" is not allowed on gamma.
	_, err := s.svc.Move(ctx, MoveRequest{
		ObjectID: "obj-1", Source: "alpha", Destination: "gamma", Roles: []string{"mover"},
	})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeAuthorizationDenied))

	s.Equal(alphaCalls, s.alpha.CallCount())
	s.Equal(gammaCalls, s.gamma.CallCount())

	summaries, err := s.store.ListSummaries(ctx, "obj-1")
	s.Require().NoError(err)
	s.Require().Len(summaries, 1)
	s.Equal(metadata.TransferFailed, summaries[0].Outcome)
	s.Equal(string(dErrors.CodeAuthorizationDenied), summaries[0].ErrorCode)
}

func (s *MoverSuite) TestMove_Validation() {
	ctx := context.Background()
	_, err := s.svc.Move(ctx, MoveRequest{ObjectID: "obj-1", Source: "alpha", Destination: "alpha", Roles: []string{"mover"}})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = s.svc.Move(ctx, MoveRequest{Source: "alpha", Destination: "beta"})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = s.svc.Move(ctx, MoveRequest{ObjectID: "obj-1", Source: "alpha", Destination: "nowhere", Roles: []string{"mover"}})
	s.True(dErrors.HasCode(err, dErrors.CodeUnknownDomain))
}

func (s *MoverSuite) TestMove_UnknownObject() {
	_, err := s.svc.Move(context.Background(), MoveRequest{
		ObjectID: "ghost", Source: "alpha", Destination: "beta", Roles: []string{"mover"},
	})
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *MoverSuite) TestMove_WrongSourceDomain() {
	s.seed("obj-1", "alpha", []byte("x"))
	_, err := s.svc.Move(context.Background(), MoveRequest{
		ObjectID: "obj-1", Source: "beta", Destination: "alpha", Roles: []string{"mover"},
	})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *MoverSuite) TestMove_TransientUploadFailureIsRetried() {
	ctx := context.Background()
	plaintext := []byte("retry me")
	s.seed("obj-1", "alpha", plaintext)

	s.beta.FailNextPuts(2, nil)
	res, err := s.svc.Move(ctx, MoveRequest{
		ObjectID: "obj-1", Source: "alpha", Destination: "beta", Roles: []string{"mover"},
	})
	s.Require().NoError(err)
	s.Equal(StateCompleted, res.State)

	raw, ok := s.beta.Raw("obj-1")
	s.Require().True(ok)
	decrypted, err := s.keys.Open("beta", raw)
	s.Require().NoError(err)
	s.Equal(plaintext, decrypted)
}

func (s *MoverSuite) TestMove_UploadFailureAfterExhaustion() {
	ctx := context.Background()
	s.seed("obj-1", "alpha", []byte("x"))

	s.beta.FailNextPuts(100, nil)
	res, err := s.svc.Move(ctx, MoveRequest{
		ObjectID: "obj-1", Source: "alpha", Destination: "beta", Roles: []string{"mover"},
	})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeTransferIO))
	s.Equal(StateFailed, res.State)

	record, err := s.store.GetObject(ctx, "obj-1")
	s.Require().NoError(err)
	s.Equal("alpha", record.Domain)
	exists, err := s.alpha.Exists(ctx, "obj-1")
	s.Require().NoError(err)
	s.True(exists)
}

func (s *MoverSuite) TestMove_CorruptedUploadFailsVerification() {
	ctx := context.Background()
	plaintext := []byte("must survive intact")
	s.seed("obj-1", "alpha", plaintext)

	s.beta.CorruptPuts(true)
	res, err := s.svc.Move(ctx, MoveRequest{
		ObjectID: "obj-1", Source: "alpha", Destination: "beta", Roles: []string{"mover"},
	})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeIntegrityMismatch))
	s.Equal(StateFailed, res.State)

	s.Run("source copy and record are untouched", func() {
		record, err := s.store.GetObject(ctx, "obj-1")
		s.Require().NoError(err)
		s.Equal("alpha", record.Domain)
		s.Equal([]string{"alpha"}, record.Replicas)

		raw, ok := s.alpha.Raw("obj-1")
		s.Require().True(ok)
		decrypted, err := s.keys.Open("alpha", raw)
		s.Require().NoError(err)
		s.Equal(plaintext, decrypted)
	})

	s.Run("unverified destination copy is discarded", func() {
		_, ok := s.beta.Raw("obj-1")
		s.False(ok)
	})

	s.Run("failure is recorded", func() {
		summaries, err := s.store.ListSummaries(ctx, "obj-1")
		s.Require().NoError(err)
		s.Require().Len(summaries, 1)
		s.Equal(string(dErrors.CodeIntegrityMismatch), summaries[0].ErrorCode)
	})
}

func (s *MoverSuite) TestMove_TamperedSourceFailsDecryption() {
	ctx := context.Background()
	s.seed("obj-1", "alpha", []byte("x"))

	raw, ok := s.alpha.Raw("obj-1")
	s.Require().True(ok)
	raw[len(raw)-1] ^= 0x01
	s.alpha.SetRaw("obj-1", raw)

	_, err := s.svc.Move(ctx, MoveRequest{
		ObjectID: "obj-1", Source: "alpha", Destination: "beta", Roles: []string{"mover"},
	})
	s.True(dErrors.HasCode(err, dErrors.CodeDecryption))
}

func (s *MoverSuite) TestMove_SourceChecksumDrift() {
	ctx := context.Background()
	record := s.seed("obj-1", "alpha", []byte("x"))

	record.Checksum = plaintextSum([]byte("something else"))
	s.Require().NoError(s.store.SaveObject(ctx, record))

	_, err := s.svc.Move(ctx, MoveRequest{
		ObjectID: "obj-1", Source: "alpha", Destination: "beta", Roles: []string{"mover"},
	})
	s.True(dErrors.HasCode(err, dErrors.CodeIntegrityMismatch))
}

func (s *MoverSuite) TestMove_OrphanSourceCopyIsAWarning() {
	ctx := context.Background()
	plaintext := []byte("x")
	s.seed("obj-1", "alpha", plaintext)

	s.alpha.FailDeletes(errors.New("backend refused"))
	res, err := s.svc.Move(ctx, MoveRequest{
		ObjectID: "obj-1", Source: "alpha", Destination: "beta", Roles: []string{"mover"},
	})
	s.Require().NoError(err)
	s.Equal(StateCompleted, res.State)
	s.Equal(WarningOrphanSourceCopy, res.Warning)

	// Destination is authoritative despite the leftover source copy.
	record, err := s.store.GetObject(ctx, "obj-1")
	s.Require().NoError(err)
	s.Equal("beta", record.Domain)
	_, ok := s.alpha.Raw("obj-1")
	s.True(ok)

	summaries, err := s.store.ListSummaries(ctx, "obj-1")
	s.Require().NoError(err)
	s.Require().Len(summaries, 1)
	s.Equal(metadata.TransferCompleted, summaries[0].Outcome)
	s.Equal(WarningOrphanSourceCopy, summaries[0].Warning)
}

// gatedBackend parks Get until released so a second operation can race the
// first deterministically.
type gatedBackend struct {
	backend.Backend
	entered chan struct{}
	release chan struct{}
	once    bool
}

func (g *gatedBackend) Get(ctx context.Context, objectID string) ([]byte, error) {
	if !g.once {
		g.once = true
		close(g.entered)
		<-g.release
	}
	return g.Backend.Get(ctx, objectID)
}

func (s *MoverSuite) TestMove_ConcurrentMovesHaveOneWinner() {
	ctx := context.Background()
	s.seed("obj-1", "alpha", []byte("x"))

	gate := &gatedBackend{
		Backend: s.alpha,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	s.backends.Register("alpha", gate)

	winnerErr := make(chan error, 1)
	go func() {
		_, err := s.svc.Move(ctx, MoveRequest{
			ObjectID: "obj-1", Source: "alpha", Destination: "beta", Roles: []string{"mover"},
		})
		winnerErr <- err
	}()
	<-gate.entered

	// The first move holds the object; a concurrent attempt fails fast.
	_, err := s.svc.Move(ctx, MoveRequest{
		ObjectID: "obj-1", Source: "alpha", Destination: "gamma", Roles: []string{"mover", "admin"},
	})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeTransferInProgress))

	close(gate.release)
	s.Require().NoError(<-winnerErr)

	record, err := s.store.GetObject(ctx, "obj-1")
	s.Require().NoError(err)
	s.Equal("beta", record.Domain)
}

func (s *MoverSuite) TestMove_AfterRotationUsesNewKey() {
	ctx := context.Background()
	s.seed("obj-1", "alpha", []byte("x"))

	newID, err := s.keys.Rotate("beta", testKeyMaterial(s.T()))
	s.Require().NoError(err)
	s.Equal(uint32(2), newID)

	_, err = s.svc.Move(ctx, MoveRequest{
		ObjectID: "obj-1", Source: "alpha", Destination: "beta", Roles: []string{"mover"},
	})
	s.Require().NoError(err)

	record, err := s.store.GetObject(ctx, "obj-1")
	s.Require().NoError(err)
	s.Equal(uint32(2), record.Policy.KeyID)
	s.Equal("rotation", record.Policy.KeySource)
}

func (s *MoverSuite) TestReplicate() {
	ctx := context.Background()
	plaintext := []byte("copy me")
	s.seed("obj-1", "alpha", plaintext)

	record, err := s.svc.Replicate(ctx, ReplicateRequest{
		ObjectID: "obj-1", Destination: "beta", Roles: []string{"mover"},
	})
	s.Require().NoError(err)
	s.Equal("alpha", record.Domain)
	s.Equal([]string{"alpha", "beta"}, record.Replicas)

	alphaRaw, ok := s.alpha.Raw("obj-1")
	s.Require().True(ok)
	betaRaw, ok := s.beta.Raw("obj-1")
	s.Require().True(ok)
	s.NotEqual(alphaRaw, betaRaw)

	decrypted, err := s.keys.Open("beta", betaRaw)
	s.Require().NoError(err)
	s.Equal(plaintext, decrypted)

	_, err = s.svc.Replicate(ctx, ReplicateRequest{
		ObjectID: "obj-1", Destination: "beta", Roles: []string{"mover"},
	})
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *MoverSuite) TestDescribePolicy() {
	s.seed("obj-1", "alpha", []byte("x"))

	snapshot, err := s.svc.DescribePolicy(context.Background(), "obj-1")
	s.Require().NoError(err)
	s.Equal(keyring.Algorithm, snapshot.Algorithm)
	s.Equal([]string{"admin", "mover"}, snapshot.AllowedRoles)

	_, err = s.svc.DescribePolicy(context.Background(), "ghost")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}
