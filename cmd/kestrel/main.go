// Kestrel - Card tokenization, risk scoring and contactless acceptance at the edge.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/contactless"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/vault"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const purgeInterval = time.Hour

func main() {
	cfg := domain.DefaultConfig()
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
	}
	if os.Getenv("KESTREL_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	if err := domain.ApplyEnv(cfg); err != nil {
		slog.Error("invalid environment configuration", "error", err)
		os.Exit(1)
	}
	if path := os.Getenv("KESTREL_RISK_RULES"); path != "" {
		rules, err := loadRiskRules(path)
		if err != nil {
			slog.Error("failed to load risk rules", "path", path, "error", err)
			os.Exit(1)
		}
		cfg.Risk.Rules = rules
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"vault_store", cfg.Vault.Store,
		"audit_sink", cfg.Audit.Sink,
		"reader", cfg.Contactless.Reader,
		"tracing", cfg.Tracing.Enabled,
		"service_name", cfg.Tracing.ServiceName,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Audit log; with the bus sink the worker persists entries to the repository
	auditLog, err := newAuditLogger(cfg.Audit, repo, busImpl, logger)
	if err != nil {
		slog.Error("failed to initialize audit log", "error", err)
		os.Exit(1)
	}

	// Token vault
	var store domain.VaultStore
	switch cfg.Vault.Store {
	case "repository", "":
		store = repo
	case "cache":
		store = vault.NewCacheStore(cacheImpl)
	default:
		slog.Error("unsupported vault store", "store", cfg.Vault.Store)
		os.Exit(1)
	}
	if len(cfg.Vault.MasterKey) < 32 {
		slog.Error("KESTREL_VAULT_MASTER_KEY must be set to at least 32 bytes")
		os.Exit(1)
	}
	tokenVault, err := vault.New(cfg.Vault, store, auditLog)
	if err != nil {
		slog.Error("failed to initialize vault", "error", err)
		os.Exit(1)
	}
	slog.Info("vault initialized",
		"store", cfg.Vault.Store,
		"cipher", cfg.Vault.Cipher,
		"key_id", cfg.Vault.KeyID,
	)

	// Risk engine; a shared remote cache lets device trust survive restarts
	riskOpts := []risk.Option{risk.WithAuditor(auditLog)}
	if cfg.Cache.Type == "redis" {
		riskOpts = append(riskOpts, risk.WithTrustCache(cacheImpl))
	}
	riskEngine, err := risk.New(cfg.Risk, riskOpts...)
	if err != nil {
		slog.Error("failed to initialize risk engine", "error", err)
		os.Exit(1)
	}
	defer riskEngine.Close()
	slog.Info("risk engine initialized", "rules_count", riskEngine.Rules().RulesCount())

	// Contactless terminal
	reader, err := contactless.NewReader(cfg.Contactless)
	if err != nil {
		slog.Error("failed to initialize NFC reader", "error", err)
		os.Exit(1)
	}
	terminal, err := contactless.NewTerminal(cfg.Contactless, reader, tokenVault,
		contactless.NewTokenSettler(tokenVault, contactless.SimulatedGateway{}),
		auditLog,
		contactless.WithRiskGate(riskEngine),
		contactless.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to initialize contactless terminal", "error", err)
		os.Exit(1)
	}
	if reader != nil {
		if err := terminal.InitializeNFC(ctx); err != nil {
			slog.Warn("nfc reader not ready, will retry on first payment", "error", err)
		}
	}

	// Audit worker and vault maintenance
	var purger worker.Purger
	if cfg.Vault.Store != "cache" {
		purger = repo
	}
	auditWorker := worker.NewWorker(busImpl, repo, purger)
	if err := auditWorker.Start(worker.Config{PurgeInterval: purgeInterval}); err != nil {
		slog.Error("failed to start audit worker", "error", err)
		os.Exit(1)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Dependencies{
		Tokenizer:  tokenVault,
		Compliance: tokenVault,
		Risk:       riskEngine,
		Terminal:   terminal,
		Checks: map[string]api.Pinger{
			"repository": repo,
			"cache":      cacheImpl,
			"eventbus":   busImpl,
		},
	}, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop the worker after the server so in-flight audit entries drain
	if err := auditWorker.Stop(); err != nil {
		slog.Error("failed to stop audit worker", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// newAuditLogger selects the audit sink. Critical entries are published as
// alerts whenever the bus carries the audit stream.
func newAuditLogger(cfg domain.AuditConfig, repo domain.AuditSink, eventBus domain.EventBus, logger *slog.Logger) (*audit.Logger, error) {
	opts := []audit.Option{
		audit.WithHashSalt(cfg.HashSalt),
		audit.WithHashLength(cfg.HashLength),
		audit.WithHighValueThreshold(cfg.HighValueThreshold),
		audit.WithFallback(logger),
	}

	var sink domain.AuditSink
	switch cfg.Sink {
	case "repository", "":
		sink = repo
	case "bus":
		sink = audit.NewBusSink(eventBus)
		opts = append(opts, audit.WithAlertSink(audit.NewBusAlerter(eventBus)))
	case "log":
		sink = audit.NewLogSink(logger)
	default:
		return nil, fmt.Errorf("unsupported audit sink: %s", cfg.Sink)
	}

	if cfg.HashSalt == "" {
		slog.Warn("KESTREL_AUDIT_SALT not set, audit digests will not correlate across restarts")
	}
	return audit.NewLogger(sink, opts...), nil
}

// loadRiskRules reads a JSON array of CEL risk rules.
func loadRiskRules(path string) ([]domain.RiskRule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rules []domain.RiskRule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return rules, nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                 KESTREL                   |")
	fmt.Println("  |   Tokenization, risk and tap-to-pay       |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /v1/tokens                - Tokenize a card")
	fmt.Println("    POST /v1/risk/transactions     - Score a transaction")
	fmt.Println("    POST /v1/risk/devices          - Attest a device")
	fmt.Println("    POST /v1/compliance/storage    - Check a payload before storage")
	fmt.Println("    GET  /v1/compliance/network    - Check transport security")
	fmt.Println("    POST /v1/compliance/access     - Check card-data access")
	fmt.Println("    POST /v1/contactless/payments  - Run a contactless payment")
	fmt.Println("    GET  /health                   - Health check")
	fmt.Println()
}
