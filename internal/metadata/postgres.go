package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"shuttle/pkg/platform/sentinel"
)

// PostgresStore persists engine records in PostgreSQL. Policy snapshots and
// divergence maps are stored as jsonb; everything queried on gets a column.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) SaveObject(ctx context.Context, record ObjectRecord) error {
	policy, err := json.Marshal(record.Policy)
	if err != nil {
		return fmt.Errorf("marshal policy snapshot: %w", err)
	}
	query := `
		INSERT INTO objects (object_id, domain, checksum, ciphertext_size, last_moved_at, policy, replicas)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (object_id) DO UPDATE SET
			domain = EXCLUDED.domain,
			checksum = EXCLUDED.checksum,
			ciphertext_size = EXCLUDED.ciphertext_size,
			last_moved_at = EXCLUDED.last_moved_at,
			policy = EXCLUDED.policy,
			replicas = EXCLUDED.replicas
	`
	_, err = s.db.ExecContext(ctx, query,
		record.ObjectID, record.Domain, record.Checksum, record.CiphertextSize,
		record.LastMovedAt, policy, pq.Array(record.Replicas),
	)
	if err != nil {
		return fmt.Errorf("save object record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetObject(ctx context.Context, objectID string) (ObjectRecord, error) {
	query := `
		SELECT object_id, domain, checksum, ciphertext_size, last_moved_at, policy, replicas
		FROM objects WHERE object_id = $1
	`
	return scanObject(s.db.QueryRowContext(ctx, query, objectID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (ObjectRecord, error) {
	var record ObjectRecord
	var policy []byte
	err := row.Scan(&record.ObjectID, &record.Domain, &record.Checksum,
		&record.CiphertextSize, &record.LastMovedAt, &policy, pq.Array(&record.Replicas))
	if errors.Is(err, sql.ErrNoRows) {
		return ObjectRecord{}, sentinel.ErrNotFound
	}
	if err != nil {
		return ObjectRecord{}, fmt.Errorf("scan object record: %w", err)
	}
	if err := json.Unmarshal(policy, &record.Policy); err != nil {
		return ObjectRecord{}, fmt.Errorf("unmarshal policy snapshot: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) ListObjects(ctx context.Context) ([]ObjectRecord, error) {
	query := `
		SELECT object_id, domain, checksum, ciphertext_size, last_moved_at, policy, replicas
		FROM objects ORDER BY object_id
	`
	return s.queryObjects(ctx, query)
}

func (s *PostgresStore) ListObjectsByDomain(ctx context.Context, domain string) ([]ObjectRecord, error) {
	query := `
		SELECT object_id, domain, checksum, ciphertext_size, last_moved_at, policy, replicas
		FROM objects WHERE domain = $1 OR $1 = ANY(replicas) ORDER BY object_id
	`
	return s.queryObjects(ctx, query, domain)
}

func (s *PostgresStore) queryObjects(ctx context.Context, query string, args ...any) ([]ObjectRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query object records: %w", err)
	}
	defer rows.Close()

	var records []ObjectRecord
	for rows.Next() {
		record, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *PostgresStore) SaveSummary(ctx context.Context, summary TransferSummary) error {
	query := `
		INSERT INTO transfer_summaries
			(id, object_id, source, destination, outcome, error_code, warning, checksum, started_at, duration_us)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.ExecContext(ctx, query,
		summary.ID, summary.ObjectID, summary.Source, summary.Destination,
		string(summary.Outcome), summary.ErrorCode, summary.Warning, summary.Checksum,
		summary.StartedAt, summary.Duration.Microseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert transfer summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSummaries(ctx context.Context, objectID string) ([]TransferSummary, error) {
	query := `
		SELECT id, object_id, source, destination, outcome, error_code, warning, checksum, started_at, duration_us
		FROM transfer_summaries WHERE object_id = $1 ORDER BY started_at
	`
	rows, err := s.db.QueryContext(ctx, query, objectID)
	if err != nil {
		return nil, fmt.Errorf("query transfer summaries: %w", err)
	}
	defer rows.Close()

	var summaries []TransferSummary
	for rows.Next() {
		var summary TransferSummary
		var outcome string
		var durationUS int64
		if err := rows.Scan(&summary.ID, &summary.ObjectID, &summary.Source, &summary.Destination,
			&outcome, &summary.ErrorCode, &summary.Warning, &summary.Checksum,
			&summary.StartedAt, &durationUS); err != nil {
			return nil, fmt.Errorf("scan transfer summary: %w", err)
		}
		summary.Outcome = TransferOutcome(outcome)
		summary.Duration = time.Duration(durationUS) * time.Microsecond
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

func (s *PostgresStore) SaveObservation(ctx context.Context, obs ReplicaObservation) error {
	query := `
		INSERT INTO replica_observations (object_id, domain, checksum, present, reachable, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (object_id, domain) DO UPDATE SET
			checksum = EXCLUDED.checksum,
			present = EXCLUDED.present,
			reachable = EXCLUDED.reachable,
			checked_at = EXCLUDED.checked_at
	`
	_, err := s.db.ExecContext(ctx, query,
		obs.ObjectID, obs.Domain, obs.Checksum, obs.Present, obs.Reachable, obs.CheckedAt)
	if err != nil {
		return fmt.Errorf("save replica observation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListObservations(ctx context.Context, objectID string) ([]ReplicaObservation, error) {
	query := `
		SELECT object_id, domain, checksum, present, reachable, checked_at
		FROM replica_observations WHERE object_id = $1 ORDER BY domain
	`
	rows, err := s.db.QueryContext(ctx, query, objectID)
	if err != nil {
		return nil, fmt.Errorf("query replica observations: %w", err)
	}
	defer rows.Close()

	var observations []ReplicaObservation
	for rows.Next() {
		var obs ReplicaObservation
		if err := rows.Scan(&obs.ObjectID, &obs.Domain, &obs.Checksum,
			&obs.Present, &obs.Reachable, &obs.CheckedAt); err != nil {
			return nil, fmt.Errorf("scan replica observation: %w", err)
		}
		observations = append(observations, obs)
	}
	return observations, rows.Err()
}

func (s *PostgresStore) SaveConflict(ctx context.Context, conflict ConflictRecord) error {
	divergent, err := json.Marshal(conflict.Divergent)
	if err != nil {
		return fmt.Errorf("marshal divergence map: %w", err)
	}
	query := `
		INSERT INTO conflicts (object_id, divergent, state, retry_count, first_detected, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (object_id) DO UPDATE SET
			divergent = EXCLUDED.divergent,
			state = EXCLUDED.state,
			retry_count = EXCLUDED.retry_count,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		conflict.ObjectID, divergent, string(conflict.State), conflict.RetryCount,
		conflict.FirstDetected, conflict.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save conflict record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConflict(ctx context.Context, objectID string) (ConflictRecord, error) {
	query := `
		SELECT object_id, divergent, state, retry_count, first_detected, updated_at
		FROM conflicts WHERE object_id = $1
	`
	row := s.db.QueryRowContext(ctx, query, objectID)
	conflict, err := scanConflict(row)
	if err != nil {
		return ConflictRecord{}, err
	}
	return conflict, nil
}

func scanConflict(row rowScanner) (ConflictRecord, error) {
	var conflict ConflictRecord
	var divergent []byte
	var state string
	err := row.Scan(&conflict.ObjectID, &divergent, &state,
		&conflict.RetryCount, &conflict.FirstDetected, &conflict.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ConflictRecord{}, sentinel.ErrNotFound
	}
	if err != nil {
		return ConflictRecord{}, fmt.Errorf("scan conflict record: %w", err)
	}
	conflict.State = ConflictState(state)
	if err := json.Unmarshal(divergent, &conflict.Divergent); err != nil {
		return ConflictRecord{}, fmt.Errorf("unmarshal divergence map: %w", err)
	}
	return conflict, nil
}

func (s *PostgresStore) ListConflicts(ctx context.Context, states ...ConflictState) ([]ConflictRecord, error) {
	query := `
		SELECT object_id, divergent, state, retry_count, first_detected, updated_at
		FROM conflicts
	`
	var args []any
	if len(states) > 0 {
		stateStrings := make([]string, len(states))
		for i, s := range states {
			stateStrings[i] = string(s)
		}
		query += ` WHERE state = ANY($1)`
		args = append(args, pq.Array(stateStrings))
	}
	query += ` ORDER BY object_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conflict records: %w", err)
	}
	defer rows.Close()

	var conflicts []ConflictRecord
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, conflict)
	}
	return conflicts, rows.Err()
}
