// Package analyzer converts a security event plus the source's reputation
// snapshot into a 0–100 threat score and a recommended response. Assess is
// pure: no I/O, no clock reads, no mutation of its inputs.
package analyzer

import (
	"fmt"
	"time"

	"github.com/jmerrifield20/autoshield/internal/event"
	"github.com/jmerrifield20/autoshield/internal/reputation"
)

// Action is the response class recommended by the analyzer.
type Action string

const (
	ActionLogOnly      Action = "log_only"
	ActionQuickScan    Action = "quick_scan"
	ActionVulnScan     Action = "vulnerability_scan"
	ActionBlockAndScan Action = "block_and_scan"
)

// Band is the severity band derived from the final score.
type Band string

const (
	BandLow      Band = "low"
	BandMedium   Band = "medium"
	BandHigh     Band = "high"
	BandCritical Band = "critical"
)

// Assessment is the output of a single Assess run.
type Assessment struct {
	Score             int      `json:"score"`
	Band              Band     `json:"severity_band"`
	RecommendedAction Action   `json:"recommended_action"`
	Reasoning         []string `json:"reasoning"`

	// AccountCompromise is set when the event pattern indicates a specific
	// account is under attack. The orchestrator uses it, together with the
	// score, to gate session-kill and account-disable escalation.
	AccountCompromise bool `json:"account_compromise"`
}

// Config holds the scoring weights. The defaults are documentation-derived
// and deliberately exposed as configuration rather than constants.
type Config struct {
	BaseScores       map[event.Type]int
	UnknownTypeScore int // base for event types not in BaseScores

	FrequencyStep float64       // per-event multiplier increment
	FrequencyCap  float64       // multiplier ceiling
	HistoryWindow time.Duration // trailing window counted for frequency

	BruteForceThreshold int           // login failures that trigger the bonus
	BruteForceWindow    time.Duration // sub-window for the signature
	BruteForceBonus     int

	// Band boundaries: score >= Critical → critical, >= High → high,
	// >= Medium → medium, else low.
	MediumAt   int
	HighAt     int
	CriticalAt int

	// ShutdownAdviceAt appends a shutdown recommendation to the reasoning.
	// Advice only — the engine never schedules a shutdown automatically.
	ShutdownAdviceAt int
}

// DefaultConfig returns the documented default weights.
func DefaultConfig() Config {
	return Config{
		BaseScores: map[event.Type]int{
			event.TypeFailedLogin:     10,
			event.TypeSuspiciousLogin: 10,
			event.TypePortScan:        40,
			event.TypeBruteForce:      80,
			event.TypeConfirmedAttack: 95,
			event.TypeHighCPU:         20,
			event.TypeHighMemory:      20,
			event.TypeUnusualNetwork:  50,
			event.TypeMalwareDetected: 100,
		},
		UnknownTypeScore:    20,
		FrequencyStep:       0.1,
		FrequencyCap:        2.0,
		HistoryWindow:       24 * time.Hour,
		BruteForceThreshold: 5,
		BruteForceWindow:    15 * time.Minute,
		BruteForceBonus:     30,
		MediumAt:            30,
		HighAt:              60,
		CriticalAt:          80,
		ShutdownAdviceAt:    98,
	}
}

// Analyzer scores events against a fixed Config.
type Analyzer struct {
	cfg Config
}

// New creates an Analyzer. Zero-valued config fields fall back to defaults.
func New(cfg Config) *Analyzer {
	def := DefaultConfig()
	if cfg.BaseScores == nil {
		cfg.BaseScores = def.BaseScores
	}
	if cfg.UnknownTypeScore == 0 {
		cfg.UnknownTypeScore = def.UnknownTypeScore
	}
	if cfg.FrequencyStep == 0 {
		cfg.FrequencyStep = def.FrequencyStep
	}
	if cfg.FrequencyCap == 0 {
		cfg.FrequencyCap = def.FrequencyCap
	}
	if cfg.HistoryWindow == 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.BruteForceThreshold == 0 {
		cfg.BruteForceThreshold = def.BruteForceThreshold
	}
	if cfg.BruteForceWindow == 0 {
		cfg.BruteForceWindow = def.BruteForceWindow
	}
	if cfg.BruteForceBonus == 0 {
		cfg.BruteForceBonus = def.BruteForceBonus
	}
	if cfg.MediumAt == 0 {
		cfg.MediumAt = def.MediumAt
	}
	if cfg.HighAt == 0 {
		cfg.HighAt = def.HighAt
	}
	if cfg.CriticalAt == 0 {
		cfg.CriticalAt = def.CriticalAt
	}
	if cfg.ShutdownAdviceAt == 0 {
		cfg.ShutdownAdviceAt = def.ShutdownAdviceAt
	}
	return &Analyzer{cfg: cfg}
}

// Assess computes the threat assessment for ev given the source's reputation
// snapshot. The snapshot's history is expected to already include ev (the
// store records before the analyzer runs).
func (a *Analyzer) Assess(ev *event.SecurityEvent, snap reputation.Snapshot) Assessment {
	cfg := a.cfg

	// Whitelist override short-circuits everything else.
	if snap.Whitelisted {
		return Assessment{
			Score:             0,
			Band:              BandLow,
			RecommendedAction: ActionLogOnly,
			Reasoning: []string{
				fmt.Sprintf("source %s is whitelisted: score forced to 0", ev.SourceAddress),
			},
		}
	}

	var reasoning []string

	base, known := cfg.BaseScores[ev.Type]
	if !known {
		base = cfg.UnknownTypeScore
		reasoning = append(reasoning,
			fmt.Sprintf("unknown event type %q: conservative base score %d", ev.Type, base))
	} else {
		reasoning = append(reasoning,
			fmt.Sprintf("base score for %s: %d", ev.Type, base))
	}

	// Collector severity is informational only; never scored.
	reasoning = append(reasoning,
		fmt.Sprintf("collector severity %q (not scored)", ev.Severity))

	// Frequency multiplier over the trailing window.
	windowStart := ev.ObservedAt.Add(-cfg.HistoryWindow)
	recent := 0
	loginFailures := 0
	bruteStart := ev.ObservedAt.Add(-cfg.BruteForceWindow)
	for _, h := range snap.History {
		if h.At.Before(windowStart) {
			continue
		}
		recent++
		if h.Type.IsLoginAbuse() && !h.At.Before(bruteStart) {
			loginFailures++
		}
	}

	score := float64(base)
	if recent > 1 {
		mult := 1 + cfg.FrequencyStep*float64(recent)
		if mult > cfg.FrequencyCap {
			mult = cfg.FrequencyCap
		}
		score *= mult
		reasoning = append(reasoning,
			fmt.Sprintf("%d events in trailing window: multiplier %.1fx", recent, mult))
	}

	// Brute-force signature: a burst of login failures in the sub-window.
	accountCompromise := false
	if ev.Type.IsLoginAbuse() && loginFailures >= cfg.BruteForceThreshold {
		score += float64(cfg.BruteForceBonus)
		reasoning = append(reasoning,
			fmt.Sprintf("brute-force signature: %d login failures within %s: +%d",
				loginFailures, cfg.BruteForceWindow, cfg.BruteForceBonus))
		accountCompromise = true
	}

	final := int(score)
	if final > 100 {
		final = 100
	}
	if final < 0 {
		final = 0
	}

	// Account-compromise indicator: confirmed attack classes carrying a
	// username, or the brute-force signature above.
	if _, hasUser := ev.Username(); hasUser &&
		(ev.Type == event.TypeBruteForce || ev.Type == event.TypeConfirmedAttack) {
		accountCompromise = true
		reasoning = append(reasoning, "account-compromise indicator: targeted account in confirmed attack")
	} else if accountCompromise {
		reasoning = append(reasoning, "account-compromise indicator: repeated login failures")
	}

	band, action := a.classify(final)
	reasoning = append(reasoning,
		fmt.Sprintf("final score %d: band %s, recommended action %s", final, band, action))

	if final >= cfg.ShutdownAdviceAt {
		reasoning = append(reasoning,
			"score at emergency level: operator shutdown of the target host is recommended")
	}

	return Assessment{
		Score:             final,
		Band:              band,
		RecommendedAction: action,
		Reasoning:         reasoning,
		AccountCompromise: accountCompromise,
	}
}

func (a *Analyzer) classify(score int) (Band, Action) {
	switch {
	case score >= a.cfg.CriticalAt:
		return BandCritical, ActionBlockAndScan
	case score >= a.cfg.HighAt:
		return BandHigh, ActionVulnScan
	case score >= a.cfg.MediumAt:
		return BandMedium, ActionQuickScan
	default:
		return BandLow, ActionLogOnly
	}
}
