package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"shuttle/pkg/platform/sentinel"
)

type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	ctx   context.Context
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.ctx = context.Background()
}

func testRecord(objectID, domain string) ObjectRecord {
	return ObjectRecord{
		ObjectID:       objectID,
		Domain:         domain,
		Checksum:       "abc123",
		CiphertextSize: 64,
		LastMovedAt:    time.Now().UTC().Truncate(time.Microsecond),
		Policy: PolicySnapshot{
			Algorithm:    "xchacha20-poly1305",
			KeyID:        1,
			KeySource:    "config",
			AllowedRoles: []string{"admin"},
			Checksum:     "abc123",
		},
		Replicas: []string{domain},
	}
}

func (s *InMemoryStoreSuite) TestObjects() {
	s.Run("get missing returns not found", func() {
		_, err := s.store.GetObject(s.ctx, "nope")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("save and get", func() {
		record := testRecord("obj-1", "s3")
		s.Require().NoError(s.store.SaveObject(s.ctx, record))

		got, err := s.store.GetObject(s.ctx, "obj-1")
		s.Require().NoError(err)
		s.Equal(record, got)
	})

	s.Run("upsert replaces", func() {
		record := testRecord("obj-1", "s3")
		s.Require().NoError(s.store.SaveObject(s.ctx, record))
		record.Domain = "azure"
		record.Replicas = []string{"azure"}
		s.Require().NoError(s.store.SaveObject(s.ctx, record))

		got, err := s.store.GetObject(s.ctx, "obj-1")
		s.Require().NoError(err)
		s.Equal("azure", got.Domain)
	})

	s.Run("list by domain includes replicas", func() {
		s.SetupTest()
		rec := testRecord("obj-2", "s3")
		rec.Replicas = []string{"s3", "azure"}
		s.Require().NoError(s.store.SaveObject(s.ctx, rec))

		byAzure, err := s.store.ListObjectsByDomain(s.ctx, "azure")
		s.Require().NoError(err)
		s.Len(byAzure, 1)
		s.Equal("obj-2", byAzure[0].ObjectID)

		byGCS, err := s.store.ListObjectsByDomain(s.ctx, "gcs")
		s.Require().NoError(err)
		s.Empty(byGCS)
	})
}

func (s *InMemoryStoreSuite) TestSummaries() {
	summary := TransferSummary{
		ID:          "11111111-1111-1111-1111-111111111111",
		ObjectID:    "obj-1",
		Source:      "s3",
		Destination: "azure",
		Outcome:     TransferCompleted,
		Checksum:    "abc",
		StartedAt:   time.Now(),
		Duration:    42 * time.Millisecond,
	}
	s.Require().NoError(s.store.SaveSummary(s.ctx, summary))
	s.Require().NoError(s.store.SaveSummary(s.ctx, summary))

	got, err := s.store.ListSummaries(s.ctx, "obj-1")
	s.Require().NoError(err)
	s.Len(got, 2)

	none, err := s.store.ListSummaries(s.ctx, "other")
	s.Require().NoError(err)
	s.Empty(none)
}

func (s *InMemoryStoreSuite) TestObservations() {
	obs := ReplicaObservation{
		ObjectID: "obj-1", Domain: "s3", Checksum: "aaa",
		Present: true, Reachable: true, CheckedAt: time.Now(),
	}
	s.Require().NoError(s.store.SaveObservation(s.ctx, obs))

	// Latest observation per domain wins.
	obs.Checksum = "bbb"
	s.Require().NoError(s.store.SaveObservation(s.ctx, obs))
	s.Require().NoError(s.store.SaveObservation(s.ctx, ReplicaObservation{
		ObjectID: "obj-1", Domain: "azure", Reachable: false, CheckedAt: time.Now(),
	}))

	got, err := s.store.ListObservations(s.ctx, "obj-1")
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal("azure", got[0].Domain)
	s.Equal("s3", got[1].Domain)
	s.Equal("bbb", got[1].Checksum)
}

func (s *InMemoryStoreSuite) TestConflicts() {
	s.Run("get missing returns not found", func() {
		_, err := s.store.GetConflict(s.ctx, "obj-1")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("save, update, list by state", func() {
		conflict := ConflictRecord{
			ObjectID:      "obj-1",
			Divergent:     map[string]string{"s3": "aaa", "azure": "bbb"},
			State:         ConflictOpen,
			FirstDetected: time.Now(),
			UpdatedAt:     time.Now(),
		}
		s.Require().NoError(s.store.SaveConflict(s.ctx, conflict))

		conflict.State = ConflictUnrecoverable
		conflict.RetryCount = 5
		s.Require().NoError(s.store.SaveConflict(s.ctx, conflict))

		got, err := s.store.GetConflict(s.ctx, "obj-1")
		s.Require().NoError(err)
		s.Equal(ConflictUnrecoverable, got.State)
		s.Equal(5, got.RetryCount)

		open, err := s.store.ListConflicts(s.ctx, ConflictOpen, ConflictResolving)
		s.Require().NoError(err)
		s.Empty(open)

		all, err := s.store.ListConflicts(s.ctx)
		s.Require().NoError(err)
		s.Len(all, 1)
	})
}
