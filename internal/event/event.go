// Package event defines the security event model accepted at the ingestion
// boundary. Events are immutable once constructed; validation happens before
// any scoring or response logic runs.
package event

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrInvalidEvent is returned when an event fails validation. Invalid events
// are rejected at the boundary with no scoring performed.
var ErrInvalidEvent = errors.New("invalid security event")

// Type identifies the class of a security event.
type Type string

const (
	TypeFailedLogin       Type = "failed_login_attempt"
	TypeSuspiciousLogin   Type = "suspicious_login"
	TypePortScan          Type = "suspicious_port_scan"
	TypeBruteForce        Type = "confirmed_brute_force"
	TypeConfirmedAttack   Type = "confirmed_attack"
	TypeHighCPU           Type = "high_cpu_usage"
	TypeHighMemory        Type = "high_memory_usage"
	TypeUnusualNetwork    Type = "unusual_network_activity"
	TypeMalwareDetected   Type = "malware_detected"
)

// IsLoginAbuse reports whether the type counts toward the brute-force
// signature (repeated login failures from one address).
func (t Type) IsLoginAbuse() bool {
	return t == TypeFailedLogin || t == TypeSuspiciousLogin
}

// Severity is the collector-reported severity of an event. It is carried for
// audit and reasoning but never influences the computed threat score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// SecurityEvent is a single observation delivered by a collector.
type SecurityEvent struct {
	Type          Type              `json:"event_type" binding:"required"`
	SourceAddress string            `json:"source_address" binding:"required"`
	ObservedAt    time.Time         `json:"observed_at"`
	Severity      Severity          `json:"severity"`
	Details       map[string]string `json:"details,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// Validate checks the event before scoring. Unknown event types are accepted
// (the analyzer scores them conservatively); malformed addresses and
// severities are not.
func (e *SecurityEvent) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("%w: event_type is required", ErrInvalidEvent)
	}
	if e.SourceAddress == "" {
		return fmt.Errorf("%w: source_address is required", ErrInvalidEvent)
	}
	if net.ParseIP(e.SourceAddress) == nil {
		return fmt.Errorf("%w: source_address %q is not a valid IP", ErrInvalidEvent, e.SourceAddress)
	}
	if e.Severity == "" {
		e.Severity = SeverityMedium
	}
	if !e.Severity.valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidEvent, e.Severity)
	}
	if e.ObservedAt.IsZero() {
		e.ObservedAt = time.Now().UTC()
	}
	return nil
}

// Username returns the username carried in the event details, if any.
// Collectors attach it for login-abuse events so the orchestrator can decide
// on account-level escalation.
func (e *SecurityEvent) Username() (string, bool) {
	if e.Details == nil {
		return "", false
	}
	u, ok := e.Details["username"]
	return u, ok && u != ""
}
