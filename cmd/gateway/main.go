// Tradegate — a safety gateway between an order-proposing agent and a
// brokerage account.
//
// Architecture:
//
//	main.go               — entry point: loads config, wires the pipeline, waits for SIGINT/SIGTERM
//	core/core.go          — orchestrator: validate → simulate → risk gate → approval → submit
//	audit/                — append-only event log (Postgres or in-memory) with backup + verification
//	killswitch/           — persisted trading halt; KILL_SWITCH_ENABLED env override always wins
//	broker/               — brokerage adapters (deterministic mock, REST) behind a TTL market-data cache
//	sim/                  — deterministic pre-trade cost simulation (slippage, fees, cash impact)
//	risk/                 — rule engine over the YAML policy, hot-reloaded on file change
//	approval/             — proposal lifecycle, single-use tokens, standing auto-approval policy
//	submit/               — token consumption, order submission, fill polling
//	cancel/               — two-step cancel/modify confirmation for working orders
//	gateway/              — allowlisted tool surface: schema checks, rate limits, denial breaker
//	scheduler/            — cron jobs: audit backups with retention, token sweeps, report exports
//	api/                  — HTTP surface under /api/v1 plus the WebSocket audit stream
//
// Why it exists:
//
//	An LLM trading agent is untrusted code with a brokerage credential.
//	Every order it proposes is simulated and risk-checked, then held for
//	approval; only a single-use token bound to the exact order unlocks
//	submission. The kill switch halts everything, and the audit log
//	records every step of every decision.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradegate/internal/api"
	"tradegate/internal/approval"
	"tradegate/internal/audit"
	"tradegate/internal/broker"
	"tradegate/internal/config"
	"tradegate/internal/core"
	"tradegate/internal/gateway"
	"tradegate/internal/killswitch"
	"tradegate/internal/risk"
	"tradegate/internal/scheduler"
	"tradegate/internal/tools"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TG_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Audit log: Postgres when DATABASE_URL is set, in-memory otherwise.
	// Every append is teed to WebSocket stream subscribers.
	var base audit.Store
	if cfg.Audit.DatabaseURL != "" {
		pg, err := audit.OpenPostgres(cfg.Audit.DatabaseURL)
		if err != nil {
			logger.Error("failed to open audit store", "error", err)
			os.Exit(1)
		}
		base = pg
	} else {
		logger.Warn("no DATABASE_URL set, audit log is in-memory and will not survive restarts")
		base = audit.NewMemoryStore()
	}
	hub := api.NewHub(logger)
	auditLog := hub.Tee(base)

	ks, err := killswitch.New(cfg.KillSwitchOptions(), auditLog, logger)
	if err != nil {
		logger.Error("failed to initialize kill switch", "error", err)
		os.Exit(1)
	}
	if ks.IsEnabled() {
		logger.Warn("kill switch is ACTIVE, trading operations will be refused",
			"reason", ks.Current().Reason)
	}

	// Risk engine, hot-reloading the policy file when one is configured.
	policy := risk.DefaultPolicy()
	if cfg.Risk.PolicyPath != "" {
		policy, err = risk.LoadPolicy(cfg.Risk.PolicyPath)
		if err != nil {
			logger.Error("failed to load risk policy", "error", err)
			os.Exit(1)
		}
	}
	riskEngine := risk.New(policy, logger)
	if cfg.Risk.PolicyPath != "" {
		if err := riskEngine.Watch(cfg.Risk.PolicyPath); err != nil {
			logger.Error("failed to watch risk policy", "error", err)
			os.Exit(1)
		}
		defer riskEngine.Close()
	}

	autoPolicy, err := cfg.LoadAutoPolicy()
	if err != nil {
		logger.Error("failed to load auto-approval policy", "error", err)
		os.Exit(1)
	}
	approvals := approval.NewService(approval.NewProposalStore(0), approval.NewTokenStore(), auditLog, logger)
	approvals.SetAutoPolicyFunc(func() approval.AutoPolicy { return autoPolicy })

	// Broker adapter behind the market-data cache.
	var inner broker.Adapter
	switch cfg.Broker.Mode {
	case "rest":
		inner = broker.NewREST(broker.RESTConfig{
			BaseURL:   cfg.Broker.BaseURL,
			APIKey:    cfg.Broker.APIKey,
			AccountID: cfg.Broker.AccountID,
			ReadOnly:  cfg.Broker.ReadOnly,
		}, logger)
	default:
		inner = broker.NewMock(broker.MockConfig{
			Seed:      cfg.Broker.Seed,
			ReadOnly:  cfg.Broker.ReadOnly,
			AccountID: cfg.Broker.AccountID,
		})
	}
	adapter := broker.NewCached(inner)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := adapter.Connect(ctx); err != nil {
		logger.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}

	simCfg, err := cfg.SimConfig()
	if err != nil {
		logger.Error("invalid simulator config", "error", err)
		os.Exit(1)
	}
	c := core.New(core.Options{AccountID: cfg.Broker.AccountID, SimConfig: simCfg},
		adapter, ks, riskEngine, approvals, auditLog, logger)

	gw := gateway.New(auditLog, logger)
	gw.SetLimits(cfg.Gateway.RateLimitPerTool, cfg.Gateway.RateLimitPerSession, cfg.Gateway.RateLimitGlobal)
	tools.Register(gw, c)

	sched := scheduler.New(cfg.SchedulerConfig(), adapter, auditLog, logger)
	sched.SetTokenSweep(func() int {
		return approvals.Tokens().Sweep(time.Hour)
	})
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	srv := api.NewServer(cfg.Server.Addr, c, gw, hub, logger)
	srv.SetFlags(api.FeatureFlags{
		AutoApproval:     autoPolicy.Enabled,
		ReadOnly:         cfg.Broker.ReadOnly,
		StrictValidation: cfg.StrictValidation,
	})
	srv.Start()

	if err := auditLog.Append(ctx, audit.NewEvent(audit.EventSystemStarted, "", map[string]any{
		"broker_mode": cfg.Broker.Mode,
		"read_only":   cfg.Broker.ReadOnly,
		"account_id":  cfg.Broker.AccountID,
	})); err != nil {
		logger.Error("failed to record startup", "error", err)
		os.Exit(1)
	}
	logger.Info("tradegate started",
		"env", cfg.Env,
		"addr", cfg.Server.Addr,
		"broker_mode", cfg.Broker.Mode,
		"read_only", cfg.Broker.ReadOnly,
		"kill_switch", ks.IsEnabled(),
	)

	<-ctx.Done()
	logger.Info("received shutdown signal")

	// Best-effort orderly shutdown: stop taking requests, then jobs, then
	// record the stop and close storage.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	sched.Stop(shutdownCtx)
	if err := auditLog.Append(shutdownCtx, audit.NewEvent(audit.EventSystemStopped, "", nil)); err != nil {
		logger.Error("failed to record shutdown", "error", err)
	}
	if err := adapter.Disconnect(shutdownCtx); err != nil {
		logger.Error("failed to disconnect broker", "error", err)
	}
	if err := auditLog.Close(); err != nil {
		logger.Error("failed to close audit store", "error", err)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
