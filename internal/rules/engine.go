// Package rules provides the CEL-Go based evaluation of operator-defined
// risk rules.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine is the CEL-based rule evaluation engine.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  domain.RiskRule
	Program cel.Program
}

// Input holds the transaction signals exposed to rule expressions.
type Input struct {
	Amount        float64
	Currency      string
	DeviceID      string
	IP            string
	UserAgent     string
	VelocityCount int
	IsBot         bool
}

// Hit is a rule whose expression evaluated to true.
type Hit struct {
	RuleID string
	Score  int
	Flag   string
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("device_id", cel.StringType),
		cel.Variable("ip", cel.StringType),
		cel.Variable("user_agent", cel.StringType),
		cel.Variable("velocity_count", cel.IntType),
		cel.Variable("is_bot", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg domain.RiskRule) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg domain.RiskRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}
	e.compiledRules[cfg.ID] = compiled
	return nil
}

// ReloadRules replaces all loaded rules. Disabled rules are skipped. On a
// compile error the previous rule set is kept.
func (e *Engine) ReloadRules(configs []domain.RiskRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.compiledRules = newRules
	return nil
}

// Evaluate runs every loaded rule against input and returns the hits
// ordered by rule ID. A rule that fails at evaluation time is logged and
// treated as not matching.
func (e *Engine) Evaluate(ctx context.Context, input Input) []Hit {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}

	activation := map[string]any{
		"amount":         input.Amount,
		"currency":       input.Currency,
		"device_id":      input.DeviceID,
		"ip":             input.IP,
		"user_agent":     input.UserAgent,
		"velocity_count": int64(input.VelocityCount),
		"is_bot":         input.IsBot,
	}

	matched := make([]bool, len(rules))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			out, _, err := r.Program.ContextEval(ctx, activation)
			if err != nil {
				slog.Warn("risk rule evaluation failed", "rule_id", r.Config.ID, "error", err)
				return
			}
			matched[idx] = out == types.True
		}(i, rule)
	}
	wg.Wait()

	var hits []Hit
	for i, r := range rules {
		if matched[i] {
			hits = append(hits, Hit{RuleID: r.Config.ID, Score: r.Config.Score, Flag: r.Config.Flag})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].RuleID < hits[j].RuleID })
	return hits
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the currently loaded rule configurations.
func (e *Engine) GetLoadedRules() []domain.RiskRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.RiskRule, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		out = append(out, compiled.Config)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg domain.RiskRule) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}
	if cfg.Flag == "" {
		return nil, fmt.Errorf("rule %s: flag is required", cfg.ID)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{Config: cfg, Program: program}, nil
}
