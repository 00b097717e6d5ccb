package rules

import (
	"context"
	"fmt"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(5)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestEngineCreation(t *testing.T) {
	engine := newTestEngine(t)

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
	if hits := engine.Evaluate(context.Background(), Input{Amount: 1}); hits != nil {
		t.Errorf("expected no hits from empty engine, got %v", hits)
	}
}

func TestLoadRule(t *testing.T) {
	engine := newTestEngine(t)

	err := engine.LoadRule(domain.RiskRule{
		ID:         "large-eur",
		Expression: `currency == "EUR" && amount > 500.0`,
		Score:      10,
		Flag:       "Large EUR payment",
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}
	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule, got %d", engine.RulesCount())
	}
}

func TestLoadInvalidRule(t *testing.T) {
	engine := newTestEngine(t)

	tests := []struct {
		name string
		rule domain.RiskRule
	}{
		{"syntax", domain.RiskRule{ID: "bad", Expression: "this is not valid CEL !!!", Flag: "x"}},
		{"non-bool", domain.RiskRule{ID: "num", Expression: "amount * 2.0", Flag: "x"}},
		{"unknown variable", domain.RiskRule{ID: "unk", Expression: "tenant_id == 'a'", Flag: "x"}},
		{"missing id", domain.RiskRule{Expression: "true", Flag: "x"}},
		{"missing flag", domain.RiskRule{ID: "noflag", Expression: "true"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := engine.ValidateRule(tt.rule); err == nil {
				t.Error("expected validation error")
			}
			if err := engine.LoadRule(tt.rule); err == nil {
				t.Error("expected load error")
			}
		})
	}
	if engine.RulesCount() != 0 {
		t.Errorf("invalid rules should not be loaded, got %d", engine.RulesCount())
	}
}

func TestEvaluate(t *testing.T) {
	engine := newTestEngine(t)

	err := engine.ReloadRules([]domain.RiskRule{
		{ID: "b-velocity", Expression: "velocity_count >= 3", Score: 5, Flag: "Repeat device", Enabled: true},
		{ID: "a-no-ip", Expression: `ip == "" && amount > 100.0`, Score: 7, Flag: "Anonymous spend", Enabled: true},
		{ID: "c-bot", Expression: "is_bot", Score: 9, Flag: "Bot", Enabled: true},
		{ID: "d-off", Expression: "true", Score: 99, Flag: "Disabled", Enabled: false},
	})
	if err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}
	if engine.RulesCount() != 3 {
		t.Fatalf("expected 3 enabled rules, got %d", engine.RulesCount())
	}

	hits := engine.Evaluate(context.Background(), Input{
		Amount:        250,
		DeviceID:      "terminal-001",
		VelocityCount: 4,
	})
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d: %v", len(hits), hits)
	}
	if hits[0].RuleID != "a-no-ip" || hits[1].RuleID != "b-velocity" {
		t.Errorf("expected hits ordered by id, got %v", hits)
	}
	if hits[0].Score != 7 || hits[0].Flag != "Anonymous spend" {
		t.Errorf("unexpected hit %+v", hits[0])
	}
}

func TestReloadKeepsPreviousOnError(t *testing.T) {
	engine := newTestEngine(t)

	good := domain.RiskRule{ID: "good", Expression: "amount > 1.0", Flag: "f", Enabled: true}
	if err := engine.ReloadRules([]domain.RiskRule{good}); err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	bad := domain.RiskRule{ID: "bad", Expression: "amount >", Flag: "f", Enabled: true}
	if err := engine.ReloadRules([]domain.RiskRule{good, bad}); err == nil {
		t.Fatal("expected reload error")
	}

	loaded := engine.GetLoadedRules()
	if len(loaded) != 1 || loaded[0].ID != "good" {
		t.Errorf("expected previous rule set to be kept, got %v", loaded)
	}
}

func TestParallelExecution(t *testing.T) {
	engine := newTestEngine(t)

	for i := 0; i < 20; i++ {
		err := engine.LoadRule(domain.RiskRule{
			ID:         fmt.Sprintf("rule-%02d", i),
			Expression: fmt.Sprintf("amount > %d.0", i*10),
			Score:      1,
			Flag:       fmt.Sprintf("over %d", i*10),
			Enabled:    true,
		})
		if err != nil {
			t.Fatalf("failed to load rule %d: %v", i, err)
		}
	}

	hits := engine.Evaluate(context.Background(), Input{Amount: 55})
	if len(hits) != 6 {
		t.Errorf("expected 6 hits for amount 55, got %d", len(hits))
	}
}

func TestEvaluationErrorIsNotAHit(t *testing.T) {
	engine := newTestEngine(t)

	err := engine.LoadRule(domain.RiskRule{
		ID:         "div",
		Expression: "velocity_count / 0 > 1",
		Flag:       "boom",
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	if hits := engine.Evaluate(context.Background(), Input{VelocityCount: 3}); len(hits) != 0 {
		t.Errorf("expected no hits when evaluation fails, got %v", hits)
	}
}
