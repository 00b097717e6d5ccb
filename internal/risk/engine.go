// Package risk scores transactions and attests devices. Scoring never
// rejects input: a missing field is itself a scored signal.
package risk

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// Auditor is the subset of the audit log the engine writes to.
type Auditor interface {
	LogSecurityEvent(ctx context.Context, ev audit.Event)
}

// Engine is the risk engine. Create one per process and share it; it is
// safe for concurrent use.
type Engine struct {
	cfg      domain.RiskConfig
	velocity *velocity.Tracker
	rules    *rules.Engine
	trust    domain.Cache
	ownTrust bool
	auditor  Auditor
	flight   singleflight.Group
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTrustCache stores device-trust records in c instead of a private LRU.
func WithTrustCache(c domain.Cache) Option {
	return func(e *Engine) { e.trust = c }
}

// WithAuditor records high and critical assessments.
func WithAuditor(a Auditor) Option {
	return func(e *Engine) { e.auditor = a }
}

// New creates a risk engine from cfg. Enabled rules in cfg.Rules are
// compiled up front.
func New(cfg domain.RiskConfig, opts ...Option) (*Engine, error) {
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = 5 * time.Minute
	}
	if cfg.VelocityThreshold <= 0 {
		cfg.VelocityThreshold = 5
	}
	if cfg.VelocityCapacity <= 0 {
		cfg.VelocityCapacity = 20
	}
	if cfg.MaxTrackedDevices <= 0 {
		cfg.MaxTrackedDevices = 100000
	}
	if cfg.TrustCacheSize <= 0 {
		cfg.TrustCacheSize = 50000
	}
	if cfg.TrustTTL <= 0 {
		cfg.TrustTTL = 30 * 24 * time.Hour
	}

	tracker, err := velocity.NewTracker(cfg.VelocityWindow, cfg.VelocityCapacity, cfg.MaxTrackedDevices)
	if err != nil {
		return nil, err
	}

	ruleEngine, err := rules.NewEngine(0)
	if err != nil {
		return nil, err
	}
	if err := ruleEngine.ReloadRules(cfg.Rules); err != nil {
		return nil, fmt.Errorf("failed to load risk rules: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		velocity: tracker,
		rules:    ruleEngine,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.trust == nil {
		e.trust = cache.NewLRUCache(cfg.TrustCacheSize)
		e.ownTrust = true
	}
	return e, nil
}

// Rules exposes the rule engine for hot reloads.
func (e *Engine) Rules() *rules.Engine {
	return e.rules
}

// Close releases the rule engine and, when the engine created it, the
// trust cache.
func (e *Engine) Close() error {
	e.rules.Close()
	if e.ownTrust {
		return e.trust.Close()
	}
	return nil
}
