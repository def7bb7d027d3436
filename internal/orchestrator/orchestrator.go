// Package orchestrator runs the response pipeline: validate an incoming
// event, fold it into the source's reputation, score it, then carry out the
// recommended action behind cooldown gates. Action failures degrade to
// alert-only; only an invalid event is an error to the caller.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/autoshield/internal/analyzer"
	"github.com/jmerrifield20/autoshield/internal/audit"
	"github.com/jmerrifield20/autoshield/internal/defense"
	"github.com/jmerrifield20/autoshield/internal/event"
	"github.com/jmerrifield20/autoshield/internal/reputation"
	"github.com/jmerrifield20/autoshield/internal/toolconn"
)

// ToolInvoker is the slice of the connection manager the pipeline needs.
type ToolInvoker interface {
	Invoke(ctx context.Context, call toolconn.Call) (*toolconn.InvocationResult, error)
}

// Config holds the escalation thresholds layered on top of the analyzer's
// recommendation.
type Config struct {
	// RedundantBlockAt adds a host-firewall block through the defense channel
	// alongside the tool-provider block, so either path alone suffices.
	RedundantBlockAt int // default 90

	// AccountLockdownAt kills sessions and disables the targeted account when
	// the assessment carries an account-compromise indicator.
	AccountLockdownAt int // default 95
}

// Result is the outcome of processing one event.
type Result struct {
	CorrelationID string              `json:"correlation_id"`
	Assessment    analyzer.Assessment `json:"assessment"`
	Responses     []audit.Response    `json:"responses,omitempty"`
}

// Orchestrator wires the stores, the analyzer and the two action channels.
type Orchestrator struct {
	cfg       Config
	store     *reputation.Store
	analyzer  *analyzer.Analyzer
	tools     ToolInvoker
	responder defense.Responder
	sink      audit.Sink
	logger    *zap.Logger
}

// New creates an Orchestrator. responder may be nil when no defense channel
// is configured; sink may be nil to disable auditing.
func New(cfg Config, store *reputation.Store, an *analyzer.Analyzer, tools ToolInvoker, responder defense.Responder, sink audit.Sink, logger *zap.Logger) *Orchestrator {
	if cfg.RedundantBlockAt == 0 {
		cfg.RedundantBlockAt = 90
	}
	if cfg.AccountLockdownAt == 0 {
		cfg.AccountLockdownAt = 95
	}
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		analyzer:  an,
		tools:     tools,
		responder: responder,
		sink:      sink,
		logger:    logger,
	}
}

// ProcessEvent runs the full pipeline for one event. The returned error is
// non-nil only for invalid input; action failures are reported inside the
// Result and the audit record.
func (o *Orchestrator) ProcessEvent(ctx context.Context, ev *event.SecurityEvent) (*Result, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = uuid.NewString()
	}

	snap := o.store.RecordEvent(ev.SourceAddress, ev.Type, ev.ObservedAt)
	as := o.analyzer.Assess(ev, snap)

	log := o.logger.With(
		zap.String("correlation_id", ev.CorrelationID),
		zap.String("event_type", string(ev.Type)),
		zap.String("source", ev.SourceAddress),
		zap.Int("score", as.Score),
	)
	log.Info("event assessed",
		zap.String("band", string(as.Band)),
		zap.String("recommended_action", string(as.RecommendedAction)),
	)

	res := &Result{CorrelationID: ev.CorrelationID, Assessment: as}

	switch as.RecommendedAction {
	case analyzer.ActionQuickScan:
		o.scan(ctx, res, toolconn.QuickScan(ev.SourceAddress))
	case analyzer.ActionVulnScan:
		o.scan(ctx, res, toolconn.VulnScan(ev.SourceAddress))
	case analyzer.ActionBlockAndScan:
		o.block(ctx, res, ev, as, log)
		o.scan(ctx, res, toolconn.VulnScan(ev.SourceAddress))
	}

	o.escalate(ctx, res, ev, as, log)
	o.audit(ctx, ev, as, res)
	return res, nil
}

// scan issues a scan through the tool provider if the scan cooldown can be
// reserved. The cooldown is reserved immediately before the call so that
// concurrent bursts for the same address produce exactly one scan.
func (o *Orchestrator) scan(ctx context.Context, res *Result, call toolconn.Call) {
	target, _ := call.Args["target_ip"].(string)
	if !o.store.ReserveCooldown(target, reputation.CooldownScan) {
		res.Responses = append(res.Responses, audit.Response{
			Kind: "skipped", Name: string(call.Tool), Target: target,
			Detail: "scan cooldown active",
		})
		return
	}
	res.Responses = append(res.Responses, o.invoke(ctx, call, target))
}

// block issues the tool-provider block behind the block cooldown, marks the
// address blocked on success, and adds the redundant defense-channel block
// at the configured threshold.
func (o *Orchestrator) block(ctx context.Context, res *Result, ev *event.SecurityEvent, as analyzer.Assessment, log *zap.Logger) {
	addr := ev.SourceAddress
	if !o.store.ReserveCooldown(addr, reputation.CooldownBlock) {
		res.Responses = append(res.Responses, audit.Response{
			Kind: "skipped", Name: string(toolconn.ToolBlockAddress), Target: addr,
			Detail: "block cooldown active",
		})
		return
	}

	reason := fmt.Sprintf("threat score %d (%s)", as.Score, ev.Type)
	toolResp := o.invoke(ctx, toolconn.BlockAddress(addr, reason), addr)
	res.Responses = append(res.Responses, toolResp)

	defenseOK := false
	if as.Score >= o.cfg.RedundantBlockAt && o.responder != nil {
		ar := o.responder.BlockAddress(ctx, addr)
		res.Responses = append(res.Responses, toResponse(ar))
		defenseOK = ar.Success
	}

	if toolResp.Success || defenseOK {
		o.store.MarkBlocked(addr)
	} else {
		log.Error("block failed on every channel, degrading to alert-only")
	}
}

// escalate applies the account-lockdown tier for confirmed account attacks.
func (o *Orchestrator) escalate(ctx context.Context, res *Result, ev *event.SecurityEvent, as analyzer.Assessment, log *zap.Logger) {
	if as.Score < o.cfg.AccountLockdownAt || !as.AccountCompromise || o.responder == nil {
		return
	}
	user, ok := ev.Username()
	if !ok {
		return
	}

	log.Warn("account lockdown triggered", zap.String("username", user))
	res.Responses = append(res.Responses,
		toResponse(o.responder.KillSessions(ctx, user)),
		toResponse(o.responder.DisableAccount(ctx, user)),
	)
}

// invoke runs one tool call and converts the outcome to an audit response.
func (o *Orchestrator) invoke(ctx context.Context, call toolconn.Call, target string) audit.Response {
	inv, err := o.tools.Invoke(ctx, call)
	resp := audit.Response{Kind: "tool", Name: string(call.Tool), Target: target}
	if inv != nil {
		resp.Success = inv.Success
		resp.Detail = inv.Payload
		if inv.Err != "" {
			resp.Detail = inv.Err
		}
	}
	if err != nil && resp.Detail == "" {
		resp.Detail = err.Error()
	}
	if err != nil {
		o.logger.Warn("tool invocation failed",
			zap.String("tool", string(call.Tool)),
			zap.String("target", target),
			zap.Error(err),
		)
	}
	return resp
}

func (o *Orchestrator) audit(ctx context.Context, ev *event.SecurityEvent, as analyzer.Assessment, res *Result) {
	rec := audit.NewRecord()
	rec.CorrelationID = ev.CorrelationID
	rec.OccurredAt = time.Now().UTC()
	rec.EventType = string(ev.Type)
	rec.SourceAddress = ev.SourceAddress
	rec.Score = as.Score
	rec.Band = string(as.Band)
	rec.Action = string(as.RecommendedAction)
	rec.Reasoning = as.Reasoning
	rec.Responses = res.Responses

	if err := o.sink.Write(ctx, rec); err != nil {
		o.logger.Error("audit write failed", zap.String("record_id", rec.ID), zap.Error(err))
	}
}

func toResponse(ar defense.ActionResult) audit.Response {
	resp := audit.Response{
		Kind:    "defense",
		Name:    string(ar.Action),
		Target:  ar.Target,
		Success: ar.Success,
		Detail:  ar.Output,
	}
	if ar.Err != "" {
		resp.Detail = ar.Err
	}
	return resp
}
