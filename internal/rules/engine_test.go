package rules

import (
	"context"
	"testing"

	"github.com/opensource-finance/vigil/internal/domain"
)

func testVerdict(score float64) *domain.AnalysisVerdict {
	return &domain.AnalysisVerdict{Decision: domain.DecisionReview, RiskScore: score}
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(2)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
	if got := engine.Evaluate(context.Background(), Input{Verdict: testVerdict(0.9)}); got != nil {
		t.Errorf("expected no results without rules, got %v", got)
	}
}

func TestLoadRule(t *testing.T) {
	engine, _ := NewEngine(2)

	t.Run("valid", func(t *testing.T) {
		err := engine.LoadRule(domain.EscalationRule{ID: "r1", Expression: "score > 95.0"})
		if err != nil {
			t.Fatalf("failed to load rule: %v", err)
		}
		if engine.RulesCount() != 1 {
			t.Errorf("expected 1 rule, got %d", engine.RulesCount())
		}
	})

	t.Run("invalid CEL", func(t *testing.T) {
		if err := engine.LoadRule(domain.EscalationRule{ID: "bad", Expression: "this is not valid CEL !!!"}); err == nil {
			t.Error("expected error for invalid CEL expression")
		}
	})

	t.Run("wrong output type", func(t *testing.T) {
		if err := engine.LoadRule(domain.EscalationRule{ID: "str", Expression: "decision"}); err == nil {
			t.Error("expected error for string expression")
		}
	})

	t.Run("unknown variable", func(t *testing.T) {
		if err := engine.ValidateRule(domain.EscalationRule{ID: "tx", Expression: "velocity_count > 3"}); err == nil {
			t.Error("expected error for undeclared variable")
		}
	})

	t.Run("missing id", func(t *testing.T) {
		if err := engine.ValidateRule(domain.EscalationRule{Expression: "tampering"}); err == nil {
			t.Error("expected error for missing id")
		}
	})
}

func TestBuiltinRules(t *testing.T) {
	engine, _ := NewEngine(4)
	if err := engine.ReloadRules(BuiltinRules()); err != nil {
		t.Fatalf("builtin rules must compile: %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		name  string
		in    Input
		fired []string
	}{
		{
			name:  "plain verdict",
			in:    Input{Verdict: testVerdict(0.9)},
			fired: nil,
		},
		{
			name: "tampering overlay",
			in: Input{Verdict: &domain.AnalysisVerdict{
				Decision:  domain.DecisionReject,
				RiskScore: 0.9,
				Tampering: &domain.TamperingResult{OverlayURL: "http://x/3.png"},
			}},
			fired: []string{"tampering-overlay"},
		},
		{
			name: "findings and amount",
			in: Input{
				Event: &domain.Event{Type: domain.EventDeclarationSinistre, Data: map[string]any{domain.DataAmount: 25000.0}},
				Verdict: &domain.AnalysisVerdict{
					Decision:  domain.DecisionReview,
					RiskScore: 0.88,
					Findings:  []string{"font mismatch", "date edited", "missing stamp"},
				},
			},
			fired: []string{"high-value-claim", "multiple-findings"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.Fired(ctx, tt.in)
			if len(got) != len(tt.fired) {
				t.Fatalf("expected %v, got %v", tt.fired, got)
			}
			for i := range got {
				if got[i] != tt.fired[i] {
					t.Errorf("expected %v, got %v", tt.fired, got)
				}
			}
		})
	}
}

func TestEvaluateDocumentInfo(t *testing.T) {
	engine, _ := NewEngine(1)
	rule := domain.EscalationRule{
		ID:         "scanned-invoice",
		Expression: `has(document_info.kind) && document_info.kind == "invoice"`,
	}
	if err := engine.LoadRule(rule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	v := testVerdict(0.9)
	if fired := engine.Fired(context.Background(), Input{Verdict: v}); len(fired) != 0 {
		t.Errorf("expected no fire without document info, got %v", fired)
	}

	v.DocumentInfo = map[string]any{"kind": "invoice"}
	if fired := engine.Fired(context.Background(), Input{Verdict: v}); len(fired) != 1 {
		t.Errorf("expected rule to fire, got %v", fired)
	}
}

func TestEvaluationErrorDoesNotFire(t *testing.T) {
	engine, _ := NewEngine(1)
	if err := engine.LoadRule(domain.EscalationRule{ID: "div", Expression: "1 / int(risk_score) > 0"}); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	results := engine.Evaluate(context.Background(), Input{Verdict: testVerdict(0.5)})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Fired || results[0].Error == "" {
		t.Errorf("expected an unfired result with error, got %+v", results[0])
	}
}

func TestReloadRulesKeepsPreviousOnError(t *testing.T) {
	engine, _ := NewEngine(2)
	if err := engine.ReloadRules(BuiltinRules()); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	err := engine.ReloadRules([]domain.EscalationRule{{ID: "broken", Expression: "(("}})
	if err == nil {
		t.Fatal("expected reload error")
	}
	if engine.RulesCount() != len(BuiltinRules()) {
		t.Errorf("expected previous rules kept, got %d", engine.RulesCount())
	}
	loaded := engine.LoadedRules()
	if loaded[0].ID != "high-value-claim" {
		t.Errorf("expected rules ordered by id, got %v", loaded)
	}
}
