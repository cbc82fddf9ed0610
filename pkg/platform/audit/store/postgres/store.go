package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	audit "shuttle/pkg/platform/audit"
)

// Store persists audit events in PostgreSQL. The full event is kept as a
// jsonb payload; the columns exist for querying.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Append(ctx context.Context, event audit.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	query := `
		INSERT INTO audit_events (id, object_id, action, created_at, payload)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = s.db.ExecContext(ctx, query,
		event.ID, event.ObjectID, string(event.Action), event.Timestamp, payload)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *Store) ListByObject(ctx context.Context, objectID string) ([]audit.Event, error) {
	query := `
		SELECT payload FROM audit_events WHERE object_id = $1 ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query, objectID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		var event audit.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("unmarshal audit event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
