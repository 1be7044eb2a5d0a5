package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// QueryService provides read-only access to the persisted event log.
// All responses include as_of_sequence for freshness semantics.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// EventRecord is one persisted event for API queries.
type EventRecord struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      int64           `json:"timestamp"`
}

// ListEvents returns events at or after a sequence, optionally filtered by
// event type, newest last.
func (qs *QueryService) ListEvents(ctx context.Context, fromSequence int64, eventType string, limit int) ([]EventRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if eventType == "" {
		rows, err = qs.db.QueryContext(ctx, `
			SELECT sequence, event_type, idempotency_key, payload, timestamp
			FROM vault_log.events
			WHERE sequence >= $1
			ORDER BY sequence ASC
			LIMIT $2
		`, fromSequence, limit)
	} else {
		rows, err = qs.db.QueryContext(ctx, `
			SELECT sequence, event_type, idempotency_key, payload, timestamp
			FROM vault_log.events
			WHERE sequence >= $1 AND event_type = $2
			ORDER BY sequence ASC
			LIMIT $3
		`, fromSequence, eventType, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListUserEvents returns a user's action history, newest first.
func (qs *QueryService) ListUserEvents(ctx context.Context, userID uuid.UUID, limit int) ([]EventRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, payload, timestamp
		FROM vault_log.events
		WHERE payload->>'user' = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, userID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetLatestSequence returns the highest persisted sequence, 0 when empty.
func (qs *QueryService) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := qs.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM vault_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

func scanEvents(rows *sql.Rows) ([]EventRecord, error) {
	var out []EventRecord
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Payload, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
