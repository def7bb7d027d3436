// Package audit delivers the immutable record of every assessment and every
// response action to external sinks: an HMAC-signed webhook, a Postgres
// table, or both. Sinks are best-effort; a delivery failure never blocks or
// reverses the response pipeline.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Response is one action taken (or skipped) while handling an event.
type Response struct {
	Kind    string `json:"kind"` // "tool", "defense" or "skipped"
	Name    string `json:"name"`
	Target  string `json:"target,omitempty"`
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

// Record is the audit entry for one processed event.
type Record struct {
	ID            string     `json:"id"`
	CorrelationID string     `json:"correlation_id"`
	OccurredAt    time.Time  `json:"occurred_at"`
	EventType     string     `json:"event_type"`
	SourceAddress string     `json:"source_address"`
	Score         int        `json:"score"`
	Band          string     `json:"severity_band"`
	Action        string     `json:"recommended_action"`
	Reasoning     []string   `json:"reasoning"`
	Responses     []Response `json:"responses,omitempty"`
}

// NewRecord stamps ID and timestamp on a fresh record.
func NewRecord() Record {
	return Record{ID: uuid.NewString(), OccurredAt: time.Now().UTC()}
}

// Sink receives completed audit records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// NopSink discards records. Used when auditing is disabled.
type NopSink struct{}

func (NopSink) Write(context.Context, Record) error { return nil }

// MultiSink fans a record out to every child sink. Failures are logged and
// swallowed so one broken sink cannot starve the others.
type MultiSink struct {
	sinks  []Sink
	logger *zap.Logger
}

// NewMultiSink creates a MultiSink over the given children.
func NewMultiSink(logger *zap.Logger, sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks, logger: logger}
}

func (m *MultiSink) Write(ctx context.Context, rec Record) error {
	for _, s := range m.sinks {
		if err := s.Write(ctx, rec); err != nil {
			m.logger.Error("audit sink write failed",
				zap.String("record_id", rec.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}
