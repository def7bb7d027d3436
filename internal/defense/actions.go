package defense

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Action identifies a defensive operation for the audit trail.
type Action string

const (
	ActionBlockAddress   Action = "block_address"
	ActionUnblockAddress Action = "unblock_address"
	ActionKillSessions   Action = "kill_sessions"
	ActionDisableAccount Action = "disable_account"
	ActionEnableAccount  Action = "enable_account"
	ActionRestartService Action = "restart_service"
	ActionStopService    Action = "stop_service"
	ActionFlushFirewall  Action = "flush_firewall"
	ActionShutdown       Action = "schedule_shutdown"
	ActionReboot         Action = "schedule_reboot"
	ActionCancelPower    Action = "cancel_power_action"
)

// ActionResult is the auditable outcome of one defensive action. Failures
// are reported here, never raised: a failed action degrades to alert-only.
type ActionResult struct {
	Action  Action `json:"action"`
	Target  string `json:"target"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Err     string `json:"error,omitempty"`
	DryRun  bool   `json:"dry_run,omitempty"`
}

// Responder is the automatic response surface: the actions the orchestrator
// is allowed to trigger on its own when thresholds are met.
type Responder interface {
	BlockAddress(ctx context.Context, addr string) ActionResult
	UnblockAddress(ctx context.Context, addr string) ActionResult
	KillSessions(ctx context.Context, user string) ActionResult
	DisableAccount(ctx context.Context, user string) ActionResult
	EnableAccount(ctx context.Context, user string) ActionResult
	RestartService(ctx context.Context, name string) ActionResult
	StopService(ctx context.Context, name string) ActionResult
}

// PowerController is the operator-only surface. The orchestrator is never
// handed one of these: shutdown, reboot and firewall flush require an
// explicit human call path.
type PowerController interface {
	ScheduleShutdown(ctx context.Context, delayMinutes int) ActionResult
	ScheduleReboot(ctx context.Context, delayMinutes int) ActionResult
	CancelScheduledPowerAction(ctx context.Context) ActionResult
	FlushFirewall(ctx context.Context) ActionResult
}

// Executor implements both Responder and PowerController over a Runner.
type Executor struct {
	runner Runner
	dryRun bool
	logger *zap.Logger
}

var (
	_ Responder       = (*Executor)(nil)
	_ PowerController = (*Executor)(nil)
)

// NewExecutor creates an Executor. With dryRun set, every action logs its
// would-be commands and reports success without anything reaching the Runner.
func NewExecutor(runner Runner, dryRun bool, logger *zap.Logger) *Executor {
	return &Executor{runner: runner, dryRun: dryRun, logger: logger}
}

// run executes the command sequence for one action, stopping at the first
// failure. Dry-run short-circuits before the Runner is touched.
func (e *Executor) run(ctx context.Context, action Action, target string, commands ...string) ActionResult {
	res := ActionResult{Action: action, Target: target}

	if e.dryRun {
		res.Success = true
		res.DryRun = true
		res.Output = "dry-run: " + strings.Join(commands, " && ")
		e.logger.Info("defense dry-run",
			zap.String("action", string(action)),
			zap.String("target", target),
			zap.Strings("commands", commands),
		)
		return res
	}

	var outputs []string
	for _, cmd := range commands {
		out, err := e.runner.Run(ctx, cmd)
		if err != nil {
			res.Err = err.Error()
			e.logger.Error("defense action failed",
				zap.String("action", string(action)),
				zap.String("target", target),
				zap.String("command", cmd),
				zap.Error(err),
			)
			return res
		}
		if out.ExitCode != 0 {
			res.Err = fmt.Sprintf("%q exited %d: %s", cmd, out.ExitCode, strings.TrimSpace(out.Stderr))
			e.logger.Error("defense command exited non-zero",
				zap.String("action", string(action)),
				zap.String("command", cmd),
				zap.Int("exit_code", out.ExitCode),
			)
			return res
		}
		if s := strings.TrimSpace(out.Stdout); s != "" {
			outputs = append(outputs, s)
		}
	}

	res.Success = true
	res.Output = strings.Join(outputs, "\n")
	e.logger.Warn("defense action executed",
		zap.String("action", string(action)),
		zap.String("target", target),
	)
	return res
}

// ── Responder (auto-invocable) ───────────────────────────────────────────

// BlockAddress drops all traffic from addr at the host firewall and
// persists the rule set.
func (e *Executor) BlockAddress(ctx context.Context, addr string) ActionResult {
	return e.run(ctx, ActionBlockAddress, addr,
		fmt.Sprintf("iptables -A INPUT -s %s -j DROP", addr),
		fmt.Sprintf("ip6tables -A INPUT -s %s -j DROP", addr),
		"iptables-save > /etc/iptables/rules.v4",
	)
}

// UnblockAddress removes the drop rules for addr.
func (e *Executor) UnblockAddress(ctx context.Context, addr string) ActionResult {
	return e.run(ctx, ActionUnblockAddress, addr,
		fmt.Sprintf("iptables -D INPUT -s %s -j DROP", addr),
		fmt.Sprintf("ip6tables -D INPUT -s %s -j DROP", addr),
		"iptables-save > /etc/iptables/rules.v4",
	)
}

// KillSessions terminates every process owned by user.
func (e *Executor) KillSessions(ctx context.Context, user string) ActionResult {
	return e.run(ctx, ActionKillSessions, user,
		fmt.Sprintf("pkill -KILL -u %s", user))
}

// DisableAccount locks the account and kills its live sessions.
func (e *Executor) DisableAccount(ctx context.Context, user string) ActionResult {
	return e.run(ctx, ActionDisableAccount, user,
		fmt.Sprintf("usermod -L %s", user),
		fmt.Sprintf("pkill -KILL -u %s", user),
	)
}

// EnableAccount unlocks a previously disabled account.
func (e *Executor) EnableAccount(ctx context.Context, user string) ActionResult {
	return e.run(ctx, ActionEnableAccount, user,
		fmt.Sprintf("usermod -U %s", user))
}

// RestartService restarts a systemd unit.
func (e *Executor) RestartService(ctx context.Context, name string) ActionResult {
	return e.run(ctx, ActionRestartService, name,
		fmt.Sprintf("systemctl restart %s", name))
}

// StopService stops a systemd unit.
func (e *Executor) StopService(ctx context.Context, name string) ActionResult {
	return e.run(ctx, ActionStopService, name,
		fmt.Sprintf("systemctl stop %s", name))
}

// ── PowerController (operator-only) ──────────────────────────────────────

// ScheduleShutdown powers the host off after the given delay.
func (e *Executor) ScheduleShutdown(ctx context.Context, delayMinutes int) ActionResult {
	if delayMinutes < 1 {
		delayMinutes = 1
	}
	return e.run(ctx, ActionShutdown, fmt.Sprintf("+%dm", delayMinutes),
		fmt.Sprintf("shutdown -h +%d", delayMinutes))
}

// ScheduleReboot reboots the host after the given delay.
func (e *Executor) ScheduleReboot(ctx context.Context, delayMinutes int) ActionResult {
	if delayMinutes < 1 {
		delayMinutes = 1
	}
	return e.run(ctx, ActionReboot, fmt.Sprintf("+%dm", delayMinutes),
		fmt.Sprintf("shutdown -r +%d", delayMinutes))
}

// CancelScheduledPowerAction cancels a pending shutdown or reboot.
func (e *Executor) CancelScheduledPowerAction(ctx context.Context) ActionResult {
	return e.run(ctx, ActionCancelPower, "", "shutdown -c")
}

// FlushFirewall removes every firewall rule — the emergency unlock when an
// automated block has cut off legitimate access.
func (e *Executor) FlushFirewall(ctx context.Context) ActionResult {
	return e.run(ctx, ActionFlushFirewall, "",
		"iptables -F", "iptables -X", "ip6tables -F", "ip6tables -X")
}
