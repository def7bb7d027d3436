package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink persists audit records to the audit_events table.
type PostgresSink struct {
	db *pgxpool.Pool
}

// NewPostgresSink creates a PostgresSink over an existing pool.
func NewPostgresSink(db *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{db: db}
}

// Write inserts one record. Reasoning and responses are stored as JSONB so
// the schema survives changes to either shape.
func (s *PostgresSink) Write(ctx context.Context, rec Record) error {
	reasoning, err := json.Marshal(rec.Reasoning)
	if err != nil {
		return fmt.Errorf("marshal reasoning: %w", err)
	}
	responses, err := json.Marshal(rec.Responses)
	if err != nil {
		return fmt.Errorf("marshal responses: %w", err)
	}

	query := `INSERT INTO audit_events
	          (id, correlation_id, occurred_at, event_type, source_address, score, severity_band, recommended_action, reasoning, responses)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = s.db.Exec(ctx, query,
		rec.ID, rec.CorrelationID, rec.OccurredAt, rec.EventType, rec.SourceAddress,
		rec.Score, rec.Band, rec.Action, reasoning, responses,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// List returns the most recent audit records, newest first.
func (s *PostgresSink) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, correlation_id, occurred_at, event_type, source_address, score, severity_band, recommended_action, reasoning, responses
	          FROM audit_events ORDER BY occurred_at DESC LIMIT $1`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var reasoning, responses []byte
		if err := rows.Scan(&rec.ID, &rec.CorrelationID, &rec.OccurredAt, &rec.EventType,
			&rec.SourceAddress, &rec.Score, &rec.Band, &rec.Action, &reasoning, &responses); err != nil {
			return nil, err
		}
		json.Unmarshal(reasoning, &rec.Reasoning) //nolint:errcheck
		json.Unmarshal(responses, &rec.Responses) //nolint:errcheck
		out = append(out, rec)
	}
	return out, rows.Err()
}
