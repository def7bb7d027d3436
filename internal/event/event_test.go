package event

import (
	"errors"
	"testing"
	"time"
)

func TestValidate_acceptsWellFormedEvent(t *testing.T) {
	e := &SecurityEvent{
		Type:          TypeFailedLogin,
		SourceAddress: "203.0.113.7",
		Severity:      SeverityLow,
	}
	if err := e.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.ObservedAt.IsZero() {
		t.Error("expected ObservedAt to be stamped")
	}
}

func TestValidate_acceptsIPv6(t *testing.T) {
	e := &SecurityEvent{Type: TypePortScan, SourceAddress: "2001:db8::1"}
	if err := e.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Severity != SeverityMedium {
		t.Errorf("expected default severity medium, got %q", e.Severity)
	}
}

func TestValidate_rejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		ev   SecurityEvent
	}{
		{"missing type", SecurityEvent{SourceAddress: "203.0.113.7"}},
		{"missing address", SecurityEvent{Type: TypeFailedLogin}},
		{"bad address", SecurityEvent{Type: TypeFailedLogin, SourceAddress: "999.1.2.3"}},
		{"hostname not IP", SecurityEvent{Type: TypeFailedLogin, SourceAddress: "evil.example.com"}},
		{"bad severity", SecurityEvent{Type: TypeFailedLogin, SourceAddress: "203.0.113.7", Severity: "urgent"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ev.Validate()
			if !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestValidate_acceptsUnknownEventType(t *testing.T) {
	e := &SecurityEvent{
		Type:          "weird_new_signal",
		SourceAddress: "198.51.100.9",
		ObservedAt:    time.Now().UTC(),
	}
	if err := e.Validate(); err != nil {
		t.Fatalf("unknown event types must pass validation, got %v", err)
	}
}

func TestUsername(t *testing.T) {
	e := &SecurityEvent{Details: map[string]string{"username": "svc-backup"}}
	if u, ok := e.Username(); !ok || u != "svc-backup" {
		t.Errorf("got (%q, %v)", u, ok)
	}

	e = &SecurityEvent{Details: map[string]string{"username": ""}}
	if _, ok := e.Username(); ok {
		t.Error("empty username must not count")
	}

	e = &SecurityEvent{}
	if _, ok := e.Username(); ok {
		t.Error("nil details must not count")
	}
}

func TestIsLoginAbuse(t *testing.T) {
	if !TypeFailedLogin.IsLoginAbuse() || !TypeSuspiciousLogin.IsLoginAbuse() {
		t.Error("login types must count as login abuse")
	}
	if TypePortScan.IsLoginAbuse() {
		t.Error("port scan is not login abuse")
	}
}
