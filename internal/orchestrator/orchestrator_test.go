package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/autoshield/internal/analyzer"
	"github.com/jmerrifield20/autoshield/internal/audit"
	"github.com/jmerrifield20/autoshield/internal/defense"
	"github.com/jmerrifield20/autoshield/internal/event"
	"github.com/jmerrifield20/autoshield/internal/reputation"
	"github.com/jmerrifield20/autoshield/internal/toolconn"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type fakeTools struct {
	mu    sync.Mutex
	calls []toolconn.Call
}

func (f *fakeTools) Invoke(_ context.Context, call toolconn.Call) (*toolconn.InvocationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return &toolconn.InvocationResult{Tool: call.Tool, Success: true, Payload: "ok"}, nil
}

func (f *fakeTools) named(tool toolconn.Tool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Tool == tool {
			n++
		}
	}
	return n
}

type fakeResponder struct {
	mu      sync.Mutex
	actions []defense.Action
	fail    bool
}

func (f *fakeResponder) record(a defense.Action, target string) defense.ActionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, a)
	if f.fail {
		return defense.ActionResult{Action: a, Target: target, Err: "ssh unreachable"}
	}
	return defense.ActionResult{Action: a, Target: target, Success: true}
}

func (f *fakeResponder) BlockAddress(_ context.Context, addr string) defense.ActionResult {
	return f.record(defense.ActionBlockAddress, addr)
}
func (f *fakeResponder) UnblockAddress(_ context.Context, addr string) defense.ActionResult {
	return f.record(defense.ActionUnblockAddress, addr)
}
func (f *fakeResponder) KillSessions(_ context.Context, user string) defense.ActionResult {
	return f.record(defense.ActionKillSessions, user)
}
func (f *fakeResponder) DisableAccount(_ context.Context, user string) defense.ActionResult {
	return f.record(defense.ActionDisableAccount, user)
}
func (f *fakeResponder) EnableAccount(_ context.Context, user string) defense.ActionResult {
	return f.record(defense.ActionEnableAccount, user)
}
func (f *fakeResponder) RestartService(_ context.Context, name string) defense.ActionResult {
	return f.record(defense.ActionRestartService, name)
}
func (f *fakeResponder) StopService(_ context.Context, name string) defense.ActionResult {
	return f.record(defense.ActionStopService, name)
}

type captureSink struct {
	mu      sync.Mutex
	records []audit.Record
}

func (c *captureSink) Write(_ context.Context, rec audit.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	return nil
}

type fixture struct {
	orch      *Orchestrator
	store     *reputation.Store
	tools     *fakeTools
	responder *fakeResponder
	sink      *captureSink
}

func newFixture(t *testing.T, repCfg reputation.Config) *fixture {
	t.Helper()
	f := &fixture{
		store:     reputation.NewStore(repCfg),
		tools:     &fakeTools{},
		responder: &fakeResponder{},
		sink:      &captureSink{},
	}
	f.orch = New(Config{}, f.store, analyzer.New(analyzer.Config{}),
		f.tools, f.responder, f.sink, zap.NewNop())
	return f
}

func ev(typ event.Type, addr string) *event.SecurityEvent {
	return &event.SecurityEvent{Type: typ, SourceAddress: addr, ObservedAt: time.Now().UTC()}
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestProcessEvent_rejectsInvalid(t *testing.T) {
	f := newFixture(t, reputation.Config{})
	if _, err := f.orch.ProcessEvent(context.Background(), ev(event.TypePortScan, "not-an-ip")); err == nil {
		t.Fatal("expected validation error")
	}
	if len(f.tools.calls) != 0 {
		t.Error("invalid events must not reach the tool channel")
	}
}

func TestProcessEvent_logOnlyTakesNoAction(t *testing.T) {
	f := newFixture(t, reputation.Config{})
	res, err := f.orch.ProcessEvent(context.Background(), ev(event.TypeFailedLogin, "198.51.100.4"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Assessment.RecommendedAction != analyzer.ActionLogOnly {
		t.Fatalf("fresh failed login should be log_only, got %s", res.Assessment.RecommendedAction)
	}
	if len(f.tools.calls) != 0 || len(f.responder.actions) != 0 {
		t.Error("log_only must not trigger any action")
	}
	if res.CorrelationID == "" {
		t.Error("correlation ID must be assigned")
	}
}

func TestProcessEvent_quickScanGatedByCooldown(t *testing.T) {
	f := newFixture(t, reputation.Config{ScanCooldown: time.Hour})

	res, err := f.orch.ProcessEvent(context.Background(), ev(event.TypePortScan, "198.51.100.4"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Assessment.RecommendedAction != analyzer.ActionQuickScan {
		t.Fatalf("port scan should map to quick_scan, got %s", res.Assessment.RecommendedAction)
	}
	if n := f.tools.named(toolconn.ToolQuickScan); n != 1 {
		t.Fatalf("expected 1 quick scan, got %d", n)
	}

	// Second event inside the cooldown: assessed, but scan suppressed.
	res, err = f.orch.ProcessEvent(context.Background(), ev(event.TypePortScan, "198.51.100.4"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if n := f.tools.named(toolconn.ToolQuickScan); n != 1 {
		t.Fatalf("cooldown must suppress the second scan, got %d", n)
	}
	found := false
	for _, r := range res.Responses {
		if r.Kind == "skipped" {
			found = true
		}
	}
	if !found {
		t.Error("suppressed scan must appear as a skipped response")
	}
}

func TestProcessEvent_blockAndScanWithRedundantDefense(t *testing.T) {
	f := newFixture(t, reputation.Config{})
	e := ev(event.TypeMalwareDetected, "203.0.113.9")

	res, err := f.orch.ProcessEvent(context.Background(), e)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Assessment.RecommendedAction != analyzer.ActionBlockAndScan {
		t.Fatalf("malware should map to block_and_scan, got %s", res.Assessment.RecommendedAction)
	}
	if n := f.tools.named(toolconn.ToolBlockAddress); n != 1 {
		t.Errorf("expected 1 tool block, got %d", n)
	}
	if n := f.tools.named(toolconn.ToolVulnScan); n != 1 {
		t.Errorf("expected 1 vulnerability scan, got %d", n)
	}
	if len(f.responder.actions) != 1 || f.responder.actions[0] != defense.ActionBlockAddress {
		t.Errorf("score 100 must add the redundant defense block, got %v", f.responder.actions)
	}
	if !f.store.Snapshot("203.0.113.9").Blocked {
		t.Error("address must be marked blocked after a successful block")
	}
}

func TestProcessEvent_accountLockdown(t *testing.T) {
	f := newFixture(t, reputation.Config{})
	e := ev(event.TypeConfirmedAttack, "203.0.113.9")
	e.Details = map[string]string{"username": "mallory"}

	if _, err := f.orch.ProcessEvent(context.Background(), e); err != nil {
		t.Fatalf("process: %v", err)
	}

	var kills, disables int
	for _, a := range f.responder.actions {
		switch a {
		case defense.ActionKillSessions:
			kills++
		case defense.ActionDisableAccount:
			disables++
		}
	}
	if kills != 1 || disables != 1 {
		t.Errorf("confirmed account attack must kill sessions and disable the account, got %v", f.responder.actions)
	}
}

func TestProcessEvent_noLockdownWithoutUsername(t *testing.T) {
	f := newFixture(t, reputation.Config{})

	if _, err := f.orch.ProcessEvent(context.Background(), ev(event.TypeConfirmedAttack, "203.0.113.9")); err != nil {
		t.Fatalf("process: %v", err)
	}
	for _, a := range f.responder.actions {
		if a == defense.ActionKillSessions || a == defense.ActionDisableAccount {
			t.Fatalf("lockdown ran without a targeted account: %v", f.responder.actions)
		}
	}
}

func TestProcessEvent_whitelistBypassesEverything(t *testing.T) {
	f := newFixture(t, reputation.Config{Whitelist: []string{"10.0.0.2"}})

	res, err := f.orch.ProcessEvent(context.Background(), ev(event.TypeMalwareDetected, "10.0.0.2"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Assessment.Score != 0 || res.Assessment.RecommendedAction != analyzer.ActionLogOnly {
		t.Errorf("whitelisted source must score 0/log_only, got %+v", res.Assessment)
	}
	if len(f.tools.calls) != 0 || len(f.responder.actions) != 0 {
		t.Error("whitelisted source must never trigger actions")
	}
}

func TestProcessEvent_blockFailureDegradesToAlert(t *testing.T) {
	f := newFixture(t, reputation.Config{})
	f.responder.fail = true
	f.orch = New(Config{}, f.store, analyzer.New(analyzer.Config{}),
		failingTools{}, f.responder, f.sink, zap.NewNop())

	res, err := f.orch.ProcessEvent(context.Background(), ev(event.TypeMalwareDetected, "203.0.113.9"))
	if err != nil {
		t.Fatalf("action failures must not surface as pipeline errors: %v", err)
	}
	if f.store.Snapshot("203.0.113.9").Blocked {
		t.Error("failed block must not mark the address blocked")
	}
	if res.Assessment.Score != 100 {
		t.Errorf("assessment must still be produced, got score %d", res.Assessment.Score)
	}
}

func TestProcessEvent_writesAuditRecord(t *testing.T) {
	f := newFixture(t, reputation.Config{})

	res, err := f.orch.ProcessEvent(context.Background(), ev(event.TypePortScan, "198.51.100.4"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(f.sink.records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(f.sink.records))
	}
	rec := f.sink.records[0]
	if rec.CorrelationID != res.CorrelationID || rec.Score != res.Assessment.Score {
		t.Errorf("audit record mismatch: %+v vs %+v", rec, res)
	}
	if len(rec.Reasoning) == 0 {
		t.Error("audit record must carry the reasoning trail")
	}
}

type failingTools struct{}

func (failingTools) Invoke(_ context.Context, call toolconn.Call) (*toolconn.InvocationResult, error) {
	return &toolconn.InvocationResult{Tool: call.Tool, Err: "not connected"}, toolconn.ErrNotConnected
}
