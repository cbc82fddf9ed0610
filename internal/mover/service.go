package mover

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"shuttle/internal/access"
	"shuttle/internal/backend"
	"shuttle/internal/keyring"
	"shuttle/internal/metadata"
	"shuttle/internal/platform/metrics"
	dErrors "shuttle/pkg/domain-errors"
	audit "shuttle/pkg/platform/audit"
	"shuttle/pkg/platform/sentinel"
	"shuttle/pkg/retry"
)

// auditor is the slice of the audit publisher the mover needs.
type auditor interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service moves objects between storage domains. All transfers for one object
// id are serialized through the shared InFlight set; callers racing an active
// transfer get CodeTransferInProgress instead of queueing.
type Service struct {
	keys     *keyring.Registry
	policy   *access.Policy
	backends *backend.Registry
	store    metadata.Store
	retry    *retry.Policy
	inflight *InFlight

	audit   auditor
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAudit(a auditor) Option {
	return func(s *Service) {
		s.audit = a
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func NewService(
	keys *keyring.Registry,
	policy *access.Policy,
	backends *backend.Registry,
	store metadata.Store,
	retryPolicy *retry.Policy,
	inflight *InFlight,
	opts ...Option,
) *Service {
	s := &Service{
		keys:     keys,
		policy:   policy,
		backends: backends,
		store:    store,
		retry:    retryPolicy,
		inflight: inflight,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Move transfers one object from its source domain to the destination. On
// error the returned result still reports the furthest state reached.
//
// The source copy is deleted only after the destination copy has been read
// back and verified, and the object record is committed before the delete so
// the destination is authoritative even when the delete fails.
func (s *Service) Move(ctx context.Context, req MoveRequest) (*TransferResult, error) {
	if err := validateMove(req); err != nil {
		return nil, err
	}
	if !s.inflight.TryAcquire(req.ObjectID) {
		return nil, dErrors.Newf(dErrors.CodeTransferInProgress, "object %q is already being operated on", req.ObjectID)
	}
	defer s.inflight.Release(req.ObjectID)

	res := &TransferResult{
		ID:          uuid.NewString(),
		ObjectID:    req.ObjectID,
		Source:      req.Source,
		Destination: req.Destination,
		State:       StatePending,
		StartedAt:   time.Now().UTC(),
	}

	// Both domains are authorized before any backend or key access.
	if err := s.policy.Authorize(req.Source, req.Roles); err != nil {
		return s.fail(ctx, res, req.Roles, err)
	}
	if err := s.policy.Authorize(req.Destination, req.Roles); err != nil {
		return s.fail(ctx, res, req.Roles, err)
	}
	res.State = StateAuthorized

	record, err := s.store.GetObject(ctx, req.ObjectID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return s.fail(ctx, res, req.Roles, dErrors.Newf(dErrors.CodeNotFound, "object %q is not registered", req.ObjectID))
		}
		return s.fail(ctx, res, req.Roles, dErrors.Wrap(err, dErrors.CodeInternal, "load object record"))
	}
	if record.Domain != req.Source {
		return s.fail(ctx, res, req.Roles,
			dErrors.Newf(dErrors.CodeValidation, "object %q is held by domain %q, not %q", req.ObjectID, record.Domain, req.Source))
	}

	plaintext, err := s.fetchPlaintext(ctx, req.Source, req.ObjectID)
	if err != nil {
		return s.fail(ctx, res, req.Roles, err)
	}
	res.State = StateFetched

	checksum := plaintextChecksum(plaintext)
	if record.Checksum != "" && checksum != record.Checksum {
		return s.fail(ctx, res, req.Roles,
			dErrors.Newf(dErrors.CodeIntegrityMismatch, "source copy in %q does not match the recorded checksum", req.Source))
	}
	res.Checksum = checksum

	snapshot, err := s.policySnapshot(req.Destination, checksum)
	if err != nil {
		return s.fail(ctx, res, req.Roles, err)
	}
	envelope, err := s.keys.Seal(req.Destination, plaintext)
	if err != nil {
		return s.fail(ctx, res, req.Roles, err)
	}
	res.State = StateReencrypted

	if err := s.upload(ctx, req.Destination, req.ObjectID, envelope); err != nil {
		return s.fail(ctx, res, req.Roles, err)
	}
	res.State = StateUploaded
	res.BytesMoved = len(envelope)

	if err := s.verify(ctx, req.Destination, req.ObjectID, checksum); err != nil {
		s.discard(ctx, req.Destination, req.ObjectID)
		return s.fail(ctx, res, req.Roles, err)
	}
	res.State = StateVerified

	record.Domain = req.Destination
	record.Checksum = checksum
	record.CiphertextSize = int64(len(envelope))
	record.LastMovedAt = time.Now().UTC()
	record.Policy = snapshot
	record.Replicas = replaceReplica(record.Replicas, req.Source, req.Destination)
	if err := s.store.SaveObject(ctx, record); err != nil {
		return s.fail(ctx, res, req.Roles, dErrors.Wrap(err, dErrors.CodeInternal, "commit object record"))
	}

	if err := s.deleteSource(ctx, req.Source, req.ObjectID); err != nil {
		res.Warning = WarningOrphanSourceCopy
		s.logger.Warn("source copy left behind after verified transfer",
			"object_id", req.ObjectID, "source", req.Source, "error", err)
	} else {
		res.State = StateSourceDeleted
	}

	res.State = StateCompleted
	res.Duration = time.Since(res.StartedAt)
	s.saveSummary(ctx, res, metadata.TransferCompleted, "")
	s.emit(ctx, audit.Event{
		Action:      audit.ActionTransferCompleted,
		ObjectID:    req.ObjectID,
		Source:      req.Source,
		Destination: req.Destination,
		Outcome:     string(metadata.TransferCompleted),
		Reason:      res.Warning,
		Checksum:    checksum,
		Roles:       req.Roles,
	})
	s.metrics.ObserveTransfer(string(metadata.TransferCompleted), res.Duration, res.BytesMoved)
	s.logger.Info("object moved",
		"object_id", req.ObjectID, "source", req.Source, "destination", req.Destination,
		"bytes", res.BytesMoved, "warning", res.Warning)
	return res, nil
}

// Seed ingests a new object: seal under the domain's active key, upload,
// verify, and create the object record.
func (s *Service) Seed(ctx context.Context, req SeedRequest) (*metadata.ObjectRecord, error) {
	if req.ObjectID == "" || req.Domain == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "object id and domain are required")
	}
	if !s.inflight.TryAcquire(req.ObjectID) {
		return nil, dErrors.Newf(dErrors.CodeTransferInProgress, "object %q is already being operated on", req.ObjectID)
	}
	defer s.inflight.Release(req.ObjectID)

	if err := s.policy.Authorize(req.Domain, req.Roles); err != nil {
		return nil, err
	}
	if _, err := s.store.GetObject(ctx, req.ObjectID); err == nil {
		return nil, dErrors.Newf(dErrors.CodeConflict, "object %q already exists", req.ObjectID)
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load object record")
	}

	checksum := plaintextChecksum(req.Plaintext)
	snapshot, err := s.policySnapshot(req.Domain, checksum)
	if err != nil {
		return nil, err
	}
	envelope, err := s.keys.Seal(req.Domain, req.Plaintext)
	if err != nil {
		return nil, err
	}
	if err := s.upload(ctx, req.Domain, req.ObjectID, envelope); err != nil {
		return nil, err
	}
	if err := s.verify(ctx, req.Domain, req.ObjectID, checksum); err != nil {
		s.discard(ctx, req.Domain, req.ObjectID)
		return nil, err
	}

	record := metadata.ObjectRecord{
		ObjectID:       req.ObjectID,
		Domain:         req.Domain,
		Checksum:       checksum,
		CiphertextSize: int64(len(envelope)),
		LastMovedAt:    time.Now().UTC(),
		Policy:         snapshot,
		Replicas:       []string{req.Domain},
	}
	if err := s.store.SaveObject(ctx, record); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "commit object record")
	}
	s.emit(ctx, audit.Event{
		Action:   audit.ActionObjectSeeded,
		ObjectID: req.ObjectID,
		Domain:   req.Domain,
		Checksum: checksum,
		Roles:    req.Roles,
	})
	s.logger.Info("object seeded", "object_id", req.ObjectID, "domain", req.Domain, "bytes", len(envelope))
	return &record, nil
}

// Replicate copies an object into an additional domain without retiring the
// authoritative copy. The new replica joins the record's replica set.
func (s *Service) Replicate(ctx context.Context, req ReplicateRequest) (*metadata.ObjectRecord, error) {
	if req.ObjectID == "" || req.Destination == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "object id and destination are required")
	}
	if !s.inflight.TryAcquire(req.ObjectID) {
		return nil, dErrors.Newf(dErrors.CodeTransferInProgress, "object %q is already being operated on", req.ObjectID)
	}
	defer s.inflight.Release(req.ObjectID)

	record, err := s.store.GetObject(ctx, req.ObjectID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "object %q is not registered", req.ObjectID)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load object record")
	}
	if err := s.policy.Authorize(record.Domain, req.Roles); err != nil {
		return nil, err
	}
	if err := s.policy.Authorize(req.Destination, req.Roles); err != nil {
		return nil, err
	}
	if record.HasReplica(req.Destination) {
		return nil, dErrors.Newf(dErrors.CodeConflict, "object %q already has a replica in %q", req.ObjectID, req.Destination)
	}

	if _, err := s.CopyTo(ctx, record, record.Domain, req.Destination); err != nil {
		return nil, err
	}

	record.Replicas = append(record.Replicas, req.Destination)
	if err := s.store.SaveObject(ctx, record); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "commit object record")
	}
	s.emit(ctx, audit.Event{
		Action:      audit.ActionReplicaAdded,
		ObjectID:    req.ObjectID,
		Source:      record.Domain,
		Destination: req.Destination,
		Checksum:    record.Checksum,
		Roles:       req.Roles,
	})
	s.logger.Info("replica added", "object_id", req.ObjectID, "domain", req.Destination)
	return &record, nil
}

// DescribePolicy returns the policy snapshot committed with the object's most
// recent transfer.
func (s *Service) DescribePolicy(ctx context.Context, objectID string) (metadata.PolicySnapshot, error) {
	record, err := s.store.GetObject(ctx, objectID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return metadata.PolicySnapshot{}, dErrors.Newf(dErrors.CodeNotFound, "object %q is not registered", objectID)
		}
		return metadata.PolicySnapshot{}, dErrors.Wrap(err, dErrors.CodeInternal, "load object record")
	}
	return record.Policy, nil
}

// CopyTo copies the object's plaintext from the source domain into the
// destination, sealed under the destination's active key, and verifies the
// written copy. It never deletes anything and never touches the object
// record; the consistency manager uses it to repair divergent replicas.
func (s *Service) CopyTo(ctx context.Context, record metadata.ObjectRecord, source, destination string) (int, error) {
	plaintext, err := s.fetchPlaintext(ctx, source, record.ObjectID)
	if err != nil {
		return 0, err
	}
	checksum := plaintextChecksum(plaintext)
	if record.Checksum != "" && checksum != record.Checksum {
		return 0, dErrors.Newf(dErrors.CodeIntegrityMismatch, "copy source %q does not match the recorded checksum", source)
	}
	envelope, err := s.keys.Seal(destination, plaintext)
	if err != nil {
		return 0, err
	}
	if err := s.upload(ctx, destination, record.ObjectID, envelope); err != nil {
		return 0, err
	}
	if err := s.verify(ctx, destination, record.ObjectID, checksum); err != nil {
		return 0, err
	}
	return len(envelope), nil
}

// InFlightSet exposes the per-object serialization set so the consistency
// manager shares it.
func (s *Service) InFlightSet() *InFlight {
	return s.inflight
}

func (s *Service) fetchPlaintext(ctx context.Context, domain, objectID string) ([]byte, error) {
	b, err := s.backends.Get(domain)
	if err != nil {
		return nil, err
	}
	var envelope []byte
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		envelope, err = b.Get(ctx, objectID)
		return err
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "object %q has no copy in domain %q", objectID, domain)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeTransferIO, "fetch source ciphertext")
	}
	return s.keys.Open(domain, envelope)
}

func (s *Service) upload(ctx context.Context, domain, objectID string, envelope []byte) error {
	b, err := s.backends.Get(domain)
	if err != nil {
		return err
	}
	want := backend.ChecksumHex(envelope)
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		got, err := b.Put(ctx, objectID, envelope)
		if err != nil {
			return err
		}
		if got != want {
			return errors.New("backend reported a different ciphertext checksum")
		}
		return nil
	})
	return dErrors.Wrap(err, dErrors.CodeTransferIO, "upload to destination")
}

// verify reads the written copy back and checks the full path: fetch,
// decrypt, recompute the plaintext checksum. A copy that fails decryption is
// treated as an integrity failure of the destination, not a decryption error
// of the caller's input.
func (s *Service) verify(ctx context.Context, domain, objectID, wantChecksum string) error {
	b, err := s.backends.Get(domain)
	if err != nil {
		return err
	}
	var envelope []byte
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		envelope, err = b.Get(ctx, objectID)
		return err
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransferIO, "read back destination copy")
	}
	plaintext, err := s.keys.Open(domain, envelope)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeIntegrityMismatch, "destination copy failed authenticated decryption")
	}
	if plaintextChecksum(plaintext) != wantChecksum {
		return dErrors.New(dErrors.CodeIntegrityMismatch, "destination checksum does not match the source")
	}
	return nil
}

func (s *Service) deleteSource(ctx context.Context, domain, objectID string) error {
	b, err := s.backends.Get(domain)
	if err != nil {
		return err
	}
	return s.retry.Do(ctx, func(ctx context.Context) error {
		return b.Delete(ctx, objectID)
	})
}

// discard removes a destination copy that failed verification. Best effort:
// the record was never updated, so a leftover bad copy is only garbage.
func (s *Service) discard(ctx context.Context, domain, objectID string) {
	b, err := s.backends.Get(domain)
	if err != nil {
		return
	}
	if err := b.Delete(ctx, objectID); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		s.logger.Warn("could not remove unverified destination copy",
			"object_id", objectID, "domain", domain, "error", err)
	}
}

func (s *Service) policySnapshot(domain, checksum string) (metadata.PolicySnapshot, error) {
	snap, err := s.keys.Snapshot(domain)
	if err != nil {
		return metadata.PolicySnapshot{}, err
	}
	roles, err := s.policy.AllowedRoles(domain)
	if err != nil {
		return metadata.PolicySnapshot{}, err
	}
	sort.Strings(roles)
	return metadata.PolicySnapshot{
		Algorithm:    snap.Algorithm,
		KeyID:        snap.KeyID,
		KeySource:    snap.KeySource,
		AllowedRoles: roles,
		Checksum:     checksum,
	}, nil
}

func (s *Service) fail(ctx context.Context, res *TransferResult, roles []string, err error) (*TransferResult, error) {
	res.State = StateFailed
	res.Duration = time.Since(res.StartedAt)
	code := string(dErrors.CodeOf(err))
	s.saveSummary(ctx, res, metadata.TransferFailed, code)
	s.emit(ctx, audit.Event{
		Action:      audit.ActionTransferFailed,
		ObjectID:    res.ObjectID,
		Source:      res.Source,
		Destination: res.Destination,
		Outcome:     string(metadata.TransferFailed),
		Reason:      code,
		Roles:       roles,
	})
	s.metrics.ObserveTransfer(string(metadata.TransferFailed), res.Duration, 0)
	s.logger.Error("transfer failed",
		"object_id", res.ObjectID, "source", res.Source, "destination", res.Destination,
		"code", code, "error", err)
	return res, err
}

func (s *Service) saveSummary(ctx context.Context, res *TransferResult, outcome metadata.TransferOutcome, errorCode string) {
	summary := metadata.TransferSummary{
		ID:          res.ID,
		ObjectID:    res.ObjectID,
		Source:      res.Source,
		Destination: res.Destination,
		Outcome:     outcome,
		ErrorCode:   errorCode,
		Warning:     res.Warning,
		Checksum:    res.Checksum,
		StartedAt:   res.StartedAt,
		Duration:    res.Duration,
	}
	if err := s.store.SaveSummary(ctx, summary); err != nil {
		s.logger.Error("save transfer summary", "object_id", res.ObjectID, "error", err)
	}
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Emit(ctx, event); err != nil {
		s.logger.Error("emit audit event", "action", event.Action, "object_id", event.ObjectID, "error", err)
	}
}

func validateMove(req MoveRequest) error {
	if req.ObjectID == "" || req.Source == "" || req.Destination == "" {
		return dErrors.New(dErrors.CodeValidation, "object id, source, and destination are required")
	}
	if req.Source == req.Destination {
		return dErrors.New(dErrors.CodeValidation, "source and destination are the same domain")
	}
	return nil
}

func plaintextChecksum(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:])
}

func replaceReplica(replicas []string, retired, added string) []string {
	out := make([]string, 0, len(replicas))
	for _, r := range replicas {
		if r == retired || r == added {
			continue
		}
		out = append(out, r)
	}
	return append(out, added)
}
