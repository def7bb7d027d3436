package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/autoshield/internal/analyzer"
	"github.com/jmerrifield20/autoshield/internal/audit"
	"github.com/jmerrifield20/autoshield/internal/defense"
	"github.com/jmerrifield20/autoshield/internal/event"
	"github.com/jmerrifield20/autoshield/internal/opauth"
	"github.com/jmerrifield20/autoshield/internal/orchestrator"
	"github.com/jmerrifield20/autoshield/internal/reputation"
	"github.com/jmerrifield20/autoshield/internal/server"
	"github.com/jmerrifield20/autoshield/internal/toolconn"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("braind exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────
	viper.SetConfigName("braind")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("shield")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8600)
	viper.SetDefault("server.cors_origins", []string{})
	viper.SetDefault("server.rate_limit_rps", 50)

	viper.SetDefault("tools.addr", "127.0.0.1:8700")
	viper.SetDefault("tools.auth_token", "")
	viper.SetDefault("tools.probe_interval", "30s")

	viper.SetDefault("defense.enabled", false)
	viper.SetDefault("defense.host", "")
	viper.SetDefault("defense.port", 22)
	viper.SetDefault("defense.user", "root")
	viper.SetDefault("defense.password", "")
	viper.SetDefault("defense.key_file", "")
	viper.SetDefault("defense.dry_run", true)

	viper.SetDefault("auth.signing_key", "")
	viper.SetDefault("auth.operator_secret", "")
	viper.SetDefault("auth.admin_secret", "")
	viper.SetDefault("auth.token_ttl", "8h")

	viper.SetDefault("audit.webhook_url", "")
	viper.SetDefault("audit.webhook_secret", "")
	viper.SetDefault("audit.database_url", "")

	viper.SetDefault("reputation.scan_cooldown", "5m")
	viper.SetDefault("reputation.block_cooldown", "1h")
	viper.SetDefault("reputation.retention", "24h")
	viper.SetDefault("reputation.whitelist", []string{})

	viper.SetDefault("scoring.frequency_step", 0.1)
	viper.SetDefault("scoring.frequency_cap", 2.0)
	viper.SetDefault("scoring.history_window", "24h")
	viper.SetDefault("scoring.brute_force_threshold", 5)
	viper.SetDefault("scoring.brute_force_window", "15m")
	viper.SetDefault("scoring.brute_force_bonus", 30)
	viper.SetDefault("scoring.redundant_block_at", 90)
	viper.SetDefault("scoring.account_lockdown_at", 95)

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── Reputation store ─────────────────────────────────────────────────
	store := reputation.NewStore(reputation.Config{
		ScanCooldown:  viper.GetDuration("reputation.scan_cooldown"),
		BlockCooldown: viper.GetDuration("reputation.block_cooldown"),
		Retention:     viper.GetDuration("reputation.retention"),
		Whitelist:     viper.GetStringSlice("reputation.whitelist"),
	})

	// ── Analyzer ─────────────────────────────────────────────────────────
	an := analyzer.New(analyzer.Config{
		BaseScores:          baseScoreOverrides(logger),
		FrequencyStep:       viper.GetFloat64("scoring.frequency_step"),
		FrequencyCap:        viper.GetFloat64("scoring.frequency_cap"),
		HistoryWindow:       viper.GetDuration("scoring.history_window"),
		BruteForceThreshold: viper.GetInt("scoring.brute_force_threshold"),
		BruteForceWindow:    viper.GetDuration("scoring.brute_force_window"),
		BruteForceBonus:     viper.GetInt("scoring.brute_force_bonus"),
	})

	// ── Tool provider connection ─────────────────────────────────────────
	tools := toolconn.NewManager(toolconn.Config{
		Addr:          viper.GetString("tools.addr"),
		AuthToken:     viper.GetString("tools.auth_token"),
		ProbeInterval: viper.GetDuration("tools.probe_interval"),
	}, logger)

	// ── Defense channel ──────────────────────────────────────────────────
	var responder defense.Responder
	var power defense.PowerController
	if viper.GetBool("defense.enabled") {
		runner := defense.NewSSHRunner(defense.SSHConfig{
			Host:     viper.GetString("defense.host"),
			Port:     viper.GetInt("defense.port"),
			User:     viper.GetString("defense.user"),
			Password: viper.GetString("defense.password"),
			KeyFile:  viper.GetString("defense.key_file"),
		})
		defer runner.Close() //nolint:errcheck

		dryRun := viper.GetBool("defense.dry_run")
		executor := defense.NewExecutor(runner, dryRun, logger)
		responder = executor
		power = executor
		logger.Info("defense channel configured",
			zap.String("host", viper.GetString("defense.host")),
			zap.Bool("dry_run", dryRun),
		)
	} else {
		logger.Info("defense channel disabled; responses limited to the tool provider")
	}

	// ── Audit sinks ──────────────────────────────────────────────────────
	var sinks []audit.Sink
	if url := viper.GetString("audit.webhook_url"); url != "" {
		sinks = append(sinks, audit.NewHTTPSink(url, viper.GetString("audit.webhook_secret"), logger))
		logger.Info("audit webhook configured", zap.String("url", url))
	}
	if dbURL := viper.GetString("audit.database_url"); dbURL != "" {
		db, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()
		if err := db.Ping(context.Background()); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		sinks = append(sinks, audit.NewPostgresSink(db))
		logger.Info("audit database configured")
	}
	var sink audit.Sink = audit.NopSink{}
	if len(sinks) > 0 {
		sink = audit.NewMultiSink(logger, sinks...)
	}

	// ── Orchestrator ─────────────────────────────────────────────────────
	orch := orchestrator.New(orchestrator.Config{
		RedundantBlockAt:  viper.GetInt("scoring.redundant_block_at"),
		AccountLockdownAt: viper.GetInt("scoring.account_lockdown_at"),
	}, store, an, tools, responder, sink, logger)

	// ── Operator auth ────────────────────────────────────────────────────
	signingKey := viper.GetString("auth.signing_key")
	if signingKey == "" {
		return errors.New("auth.signing_key must be set")
	}
	tokens := opauth.NewIssuer(
		[]byte(signingKey),
		viper.GetString("auth.operator_secret"),
		viper.GetString("auth.admin_secret"),
		viper.GetDuration("auth.token_ttl"),
	)

	// ── HTTP server ──────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := server.NewHandler(orch, store, tools, responder, power, tokens, logger)
	router := server.NewRouter(server.Config{
		CORSOrigins:  viper.GetStringSlice("server.cors_origins"),
		RateLimitRPS: viper.GetInt("server.rate_limit_rps"),
	}, handler)

	httpPort := viper.GetInt("server.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// ── Background: tool provider supervisor ─────────────────────────────
	supCtx, supCancel := context.WithCancel(context.Background())
	defer supCancel()
	supDone := make(chan error, 1)
	go func() { supDone <- tools.Run(supCtx) }()

	// ── Background: publish connection state to metrics ──────────────────
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				server.RecordToolState(tools.Status().State == toolconn.StateConnected)
			case <-supCtx.Done():
				return
			}
		}
	}()

	go func() {
		logger.Info("braind HTTP listening", zap.Int("port", httpPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────
	select {
	case <-quit:
		logger.Info("shutting down braind...")
	case err := <-supDone:
		// Only a fatal supervisor error (auth rejection) lands here.
		logger.Error("tool provider supervisor stopped", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	supCancel()
	tools.Close()

	logger.Info("braind stopped")
	return nil
}

// baseScoreOverrides reads scoring.base_scores from config, mapping event
// type names to base scores. Missing or malformed entries keep the defaults.
func baseScoreOverrides(logger *zap.Logger) map[event.Type]int {
	raw := viper.GetStringMapString("scoring.base_scores")
	if len(raw) == 0 {
		return nil
	}
	scores := analyzer.DefaultConfig().BaseScores
	for name, val := range raw {
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 || n > 100 {
			logger.Warn("ignoring invalid base score override",
				zap.String("event_type", name),
				zap.String("value", val),
			)
			continue
		}
		scores[event.Type(name)] = n
	}
	return scores
}
