package consistency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"shuttle/internal/backend"
	"shuttle/internal/keyring"
	"shuttle/internal/metadata"
	"shuttle/internal/mover"
	"shuttle/internal/platform/metrics"
	dErrors "shuttle/pkg/domain-errors"
	audit "shuttle/pkg/platform/audit"
	"shuttle/pkg/platform/circuit"
	"shuttle/pkg/platform/sentinel"
	"shuttle/pkg/retry"
)

type auditor interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Manager audits every replica in each object's replica set against the
// object record and drives the conflict lifecycle. It shares the mover's
// in-flight set so checks and repairs never race an active transfer.
type Manager struct {
	store    metadata.Store
	backends *backend.Registry
	keys     *keyring.Registry
	mover    *mover.Service
	inflight *mover.InFlight
	retry    *retry.Policy

	audit   auditor
	metrics *metrics.Metrics
	logger  *slog.Logger

	sweepInterval time.Duration
	concurrency   int
	retryBudget   int

	breakerMu sync.Mutex
	breakers  map[string]*circuit.Breaker
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithAudit(a auditor) Option {
	return func(m *Manager) { m.audit = a }
}

func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweepInterval = d }
}

// WithConcurrency bounds the parallelism of a full sweep.
func WithConcurrency(n int) Option {
	return func(m *Manager) { m.concurrency = n }
}

// WithRetryBudget sets how many failed resyncs a conflict survives before it
// is marked unrecoverable.
func WithRetryBudget(n int) Option {
	return func(m *Manager) { m.retryBudget = n }
}

func NewManager(
	store metadata.Store,
	backends *backend.Registry,
	keys *keyring.Registry,
	mv *mover.Service,
	retryPolicy *retry.Policy,
	opts ...Option,
) *Manager {
	m := &Manager{
		store:         store,
		backends:      backends,
		keys:          keys,
		mover:         mv,
		inflight:      mv.InFlightSet(),
		retry:         retryPolicy,
		logger:        slog.Default(),
		sweepInterval: time.Minute,
		concurrency:   8,
		retryBudget:   5,
		breakers:      make(map[string]*circuit.Breaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckObject audits one object's replica set on demand. An object with an
// active transfer is reported as busy rather than checked mid-move.
func (m *Manager) CheckObject(ctx context.Context, objectID string) (*Report, error) {
	record, err := m.store.GetObject(ctx, objectID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "object %q is not registered", objectID)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load object record")
	}
	if !m.inflight.TryAcquire(objectID) {
		return nil, dErrors.Newf(dErrors.CodeTransferInProgress, "object %q is already being operated on", objectID)
	}
	defer m.inflight.Release(objectID)
	return m.check(ctx, record)
}

// CheckAll sweeps every known object with bounded parallelism. Objects held
// by an active transfer or check are skipped, not delayed.
func (m *Manager) CheckAll(ctx context.Context) (*SweepReport, error) {
	start := time.Now()
	records, err := m.store.ListObjects(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list objects")
	}

	report := &SweepReport{StartedAt: start.UTC()}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, record := range records {
		g.Go(func() error {
			if !m.inflight.TryAcquire(record.ObjectID) {
				mu.Lock()
				report.Skipped++
				mu.Unlock()
				return nil
			}
			defer m.inflight.Release(record.ObjectID)

			r, err := m.check(gctx, record)
			if err != nil {
				return err
			}
			mu.Lock()
			report.Checked++
			if len(r.Divergent) > 0 {
				report.Divergent++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	report.Duration = time.Since(start)
	m.metrics.ObserveSweep(report.Duration)
	return report, nil
}

// Resync repairs an object's divergent replicas by copying from the
// authoritative source. The source copy is never deleted and the object
// record is never rewritten; only replicas are overwritten.
func (m *Manager) Resync(ctx context.Context, objectID string, opts ResyncOptions) (*ResyncResult, error) {
	record, err := m.store.GetObject(ctx, objectID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "object %q is not registered", objectID)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load object record")
	}
	source := record.Domain
	if opts.SourceDomain != "" {
		if !record.HasReplica(opts.SourceDomain) {
			return nil, dErrors.Newf(dErrors.CodeValidation,
				"source override %q is not a replica of object %q", opts.SourceDomain, objectID)
		}
		source = opts.SourceDomain
	}

	conflict, err := m.store.GetConflict(ctx, objectID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "object %q has no recorded conflict", objectID)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load conflict record")
	}
	switch conflict.State {
	case metadata.ConflictUnrecoverable:
		return nil, dErrors.Newf(dErrors.CodeConflictUnrecoverable,
			"conflict for object %q exhausted its retry budget", objectID)
	case metadata.ConflictResolved:
		return nil, dErrors.Newf(dErrors.CodeConflict, "conflict for object %q is already resolved", objectID)
	}

	if !m.inflight.TryAcquire(objectID) {
		return nil, dErrors.Newf(dErrors.CodeTransferInProgress, "object %q is already being operated on", objectID)
	}
	defer m.inflight.Release(objectID)

	now := time.Now().UTC()
	conflict.State = metadata.ConflictResolving
	conflict.UpdatedAt = now
	if err := m.store.SaveConflict(ctx, conflict); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "save conflict record")
	}

	result := &ResyncResult{ObjectID: objectID, Source: source, Failed: make(map[string]string)}
	for domain := range conflict.Divergent {
		if domain == source {
			// A divergent source cannot repair itself; the caller has to
			// supply a healthy source override.
			result.Failed[domain] = string(dErrors.CodeValidation)
			continue
		}
		if _, err := m.mover.CopyTo(ctx, record, source, domain); err != nil {
			result.Failed[domain] = string(dErrors.CodeOf(err))
			m.logger.Warn("replica resync failed",
				"object_id", objectID, "source", source, "domain", domain, "error", err)
			continue
		}
		result.Repaired = append(result.Repaired, domain)
	}
	sort.Strings(result.Repaired)
	m.emit(ctx, audit.Event{
		Action:   audit.ActionResyncAttempted,
		ObjectID: objectID,
		Source:   source,
		Outcome:  resyncOutcome(result),
	})

	now = time.Now().UTC()
	conflict.UpdatedAt = now
	if len(result.Failed) == 0 {
		conflict.State = metadata.ConflictResolved
		if err := m.store.SaveConflict(ctx, conflict); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "save conflict record")
		}
		result.State = metadata.ConflictResolved
		m.emit(ctx, audit.Event{Action: audit.ActionConflictResolved, ObjectID: objectID, Source: source})
		m.metrics.ObserveResync("resolved")
		m.refreshConflictGauge(ctx)
		m.logger.Info("conflict resolved", "object_id", objectID, "repaired", result.Repaired)
		return result, nil
	}

	conflict.RetryCount++
	if conflict.RetryCount >= m.retryBudget {
		conflict.State = metadata.ConflictUnrecoverable
		if err := m.store.SaveConflict(ctx, conflict); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "save conflict record")
		}
		result.State = metadata.ConflictUnrecoverable
		m.emit(ctx, audit.Event{Action: audit.ActionConflictUnrecoverable, ObjectID: objectID})
		m.metrics.ObserveResync("unrecoverable")
		m.refreshConflictGauge(ctx)
		m.logger.Error("conflict marked unrecoverable",
			"object_id", objectID, "retries", conflict.RetryCount)
		return result, dErrors.Newf(dErrors.CodeConflictUnrecoverable,
			"object %q replicas could not be repaired after %d attempts", objectID, conflict.RetryCount)
	}

	conflict.State = metadata.ConflictOpen
	if err := m.store.SaveConflict(ctx, conflict); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "save conflict record")
	}
	result.State = metadata.ConflictOpen
	m.metrics.ObserveResync("failed")
	m.refreshConflictGauge(ctx)
	return result, dErrors.Newf(dErrors.CodeTransferIO,
		"object %q: %d replicas still divergent", objectID, len(result.Failed))
}

// Status reports the consistency view of one object, or of every object when
// objectID is empty.
func (m *Manager) Status(ctx context.Context, objectID string) ([]ObjectStatus, error) {
	var records []metadata.ObjectRecord
	if objectID != "" {
		record, err := m.store.GetObject(ctx, objectID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil, dErrors.Newf(dErrors.CodeNotFound, "object %q is not registered", objectID)
			}
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load object record")
		}
		records = []metadata.ObjectRecord{record}
	} else {
		var err error
		records, err = m.store.ListObjects(ctx)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list objects")
		}
	}

	statuses := make([]ObjectStatus, 0, len(records))
	for _, record := range records {
		status := ObjectStatus{
			ObjectID: record.ObjectID,
			Domain:   record.Domain,
			Replicas: record.Replicas,
		}
		observations, err := m.store.ListObservations(ctx, record.ObjectID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list observations")
		}
		status.Observations = observations
		for _, obs := range observations {
			if obs.CheckedAt.After(status.LastChecked) {
				status.LastChecked = obs.CheckedAt
			}
		}
		conflict, err := m.store.GetConflict(ctx, record.ObjectID)
		if err == nil {
			status.Conflict = &conflict
		} else if !errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load conflict record")
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Run drives periodic sweeps until the context is cancelled. After each sweep
// it retries the open conflicts, which is where the resync retry budget gets
// consumed for unattended objects.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("consistency sweep loop started", "interval", m.sweepInterval)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("consistency sweep loop stopped")
			return
		case <-ticker.C:
			report, err := m.CheckAll(ctx)
			if err != nil {
				m.logger.Error("consistency sweep", "error", err)
				continue
			}
			m.logger.Info("consistency sweep finished",
				"checked", report.Checked, "skipped", report.Skipped,
				"divergent", report.Divergent, "duration", report.Duration)
			m.resyncOpenConflicts(ctx)
		}
	}
}

func (m *Manager) resyncOpenConflicts(ctx context.Context) {
	conflicts, err := m.store.ListConflicts(ctx, metadata.ConflictOpen)
	if err != nil {
		m.logger.Error("list open conflicts", "error", err)
		return
	}
	for _, conflict := range conflicts {
		if !m.sourceReachable(ctx, conflict.ObjectID) {
			// The retry budget is for failed repairs, not partitions; wait for
			// the source to answer before spending an attempt.
			m.logger.Warn("automatic resync deferred; source replica unreachable",
				"object_id", conflict.ObjectID)
			continue
		}
		if _, err := m.Resync(ctx, conflict.ObjectID, ResyncOptions{}); err != nil {
			m.logger.Warn("automatic resync failed", "object_id", conflict.ObjectID, "error", err)
		}
	}
}

// sourceReachable consults the latest sweep observation for the object's
// authoritative domain. An object with no observation yet is treated as
// reachable so a fresh conflict is not starved.
func (m *Manager) sourceReachable(ctx context.Context, objectID string) bool {
	record, err := m.store.GetObject(ctx, objectID)
	if err != nil {
		return false
	}
	observations, err := m.store.ListObservations(ctx, objectID)
	if err != nil {
		return false
	}
	for _, obs := range observations {
		if obs.Domain == record.Domain {
			return obs.Reachable
		}
	}
	return true
}

func (m *Manager) check(ctx context.Context, record metadata.ObjectRecord) (*Report, error) {
	report := &Report{
		ObjectID:  record.ObjectID,
		CheckedAt: time.Now().UTC(),
		Divergent: make(map[string]string),
	}
	reachable := 0
	missing := false
	for _, domain := range record.Replicas {
		obs := m.observe(ctx, domain, record.ObjectID)
		if err := m.store.SaveObservation(ctx, obs); err != nil {
			m.logger.Error("save replica observation", "object_id", record.ObjectID, "domain", domain, "error", err)
		}
		report.Observations = append(report.Observations, obs)
		if !obs.Reachable {
			// Unreachable is not divergence; the endpoint gets the benefit of
			// the doubt until it answers again.
			continue
		}
		reachable++
		if !obs.Present {
			missing = true
			report.Divergent[domain] = ""
			continue
		}
		if obs.Checksum != record.Checksum {
			report.Divergent[domain] = obs.Checksum
		}
	}

	switch {
	case len(report.Divergent) > 0 && (missing || reachable >= 2):
		// Checksum disagreement needs a second live observation before it
		// becomes a conflict; one answering replica during a partition is
		// inconclusive. A reachable endpoint that lost its copy is divergent
		// on its own say-so.
		report.Conflict = m.upsertConflict(ctx, record.ObjectID, report.Divergent)
	case len(report.Divergent) == 0 && reachable == len(record.Replicas):
		report.Healthy = true
		report.Conflict = m.resolveIfActive(ctx, record.ObjectID)
	}
	m.refreshConflictGauge(ctx)
	return report, nil
}

// observe queries one replica endpoint for the object and classifies the
// answer. An open breaker demotes the endpoint to a single unretried probe so
// a dead replica stops consuming the sweep budget but can still come back.
func (m *Manager) observe(ctx context.Context, domain, objectID string) metadata.ReplicaObservation {
	obs := metadata.ReplicaObservation{
		ObjectID:  objectID,
		Domain:    domain,
		CheckedAt: time.Now().UTC(),
	}
	b, err := m.backends.Get(domain)
	if err != nil {
		m.logger.Error("replica domain has no backend", "domain", domain, "error", err)
		return obs
	}
	br := m.breakerFor(domain)

	var envelope []byte
	fetch := func(ctx context.Context) error {
		var ferr error
		envelope, ferr = b.Get(ctx, objectID)
		return ferr
	}
	if br.IsOpen() {
		err = fetch(ctx)
	} else {
		err = m.retry.Do(ctx, fetch)
	}

	switch {
	case err == nil:
		if _, change := br.RecordSuccess(); change.Closed {
			m.logger.Info("replica endpoint recovered", "domain", domain)
		}
		obs.Reachable = true
		obs.Present = true
		plaintext, derr := m.keys.Open(domain, envelope)
		if derr != nil {
			// Present but unreadable counts as divergent content.
			m.logger.Warn("replica copy failed decryption", "object_id", objectID, "domain", domain)
			return obs
		}
		sum := sha256.Sum256(plaintext)
		obs.Checksum = hex.EncodeToString(sum[:])
	case errors.Is(err, sentinel.ErrNotFound):
		// The endpoint answered; the copy is gone.
		br.RecordSuccess()
		obs.Reachable = true
	default:
		if _, change := br.RecordFailure(); change.Opened {
			m.logger.Warn("replica endpoint breaker opened", "domain", domain, "error", err)
		}
	}
	return obs
}

func (m *Manager) upsertConflict(ctx context.Context, objectID string, divergent map[string]string) *metadata.ConflictRecord {
	now := time.Now().UTC()
	existing, err := m.store.GetConflict(ctx, objectID)
	if err == nil && existing.State != metadata.ConflictResolved {
		// One conflict per object: re-detection refreshes the divergence map
		// but keeps the retry history, including an unrecoverable verdict.
		existing.Divergent = divergent
		existing.UpdatedAt = now
		if serr := m.store.SaveConflict(ctx, existing); serr != nil {
			m.logger.Error("save conflict record", "object_id", objectID, "error", serr)
		}
		return &existing
	}
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		m.logger.Error("load conflict record", "object_id", objectID, "error", err)
		return nil
	}

	conflict := metadata.ConflictRecord{
		ObjectID:      objectID,
		Divergent:     divergent,
		State:         metadata.ConflictOpen,
		FirstDetected: now,
		UpdatedAt:     now,
	}
	if serr := m.store.SaveConflict(ctx, conflict); serr != nil {
		m.logger.Error("save conflict record", "object_id", objectID, "error", serr)
		return nil
	}
	m.emit(ctx, audit.Event{Action: audit.ActionConflictOpened, ObjectID: objectID})
	m.logger.Warn("replica conflict opened", "object_id", objectID, "divergent", len(divergent))
	return &conflict
}

func (m *Manager) resolveIfActive(ctx context.Context, objectID string) *metadata.ConflictRecord {
	conflict, err := m.store.GetConflict(ctx, objectID)
	if err != nil || !conflict.State.Active() {
		return nil
	}
	conflict.State = metadata.ConflictResolved
	conflict.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveConflict(ctx, conflict); err != nil {
		m.logger.Error("save conflict record", "object_id", objectID, "error", err)
		return nil
	}
	m.emit(ctx, audit.Event{Action: audit.ActionConflictResolved, ObjectID: objectID})
	m.logger.Info("conflict resolved by observation", "object_id", objectID)
	return &conflict
}

func (m *Manager) breakerFor(domain string) *circuit.Breaker {
	m.breakerMu.Lock()
	defer m.breakerMu.Unlock()
	br, ok := m.breakers[domain]
	if !ok {
		br = circuit.New(domain, circuit.WithFailureThreshold(3))
		m.breakers[domain] = br
	}
	return br
}

func (m *Manager) refreshConflictGauge(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	conflicts, err := m.store.ListConflicts(ctx, metadata.ConflictOpen, metadata.ConflictResolving)
	if err != nil {
		m.logger.Error("count open conflicts", "error", err)
		return
	}
	m.metrics.SetOpenConflicts(len(conflicts))
}

func (m *Manager) emit(ctx context.Context, event audit.Event) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Emit(ctx, event); err != nil {
		m.logger.Error("emit audit event", "action", event.Action, "object_id", event.ObjectID, "error", err)
	}
}

func resyncOutcome(result *ResyncResult) string {
	if len(result.Failed) == 0 {
		return "repaired"
	}
	return "partial"
}
