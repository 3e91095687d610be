// Package rules provides the CEL-Go based escalation rule engine.
package rules

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/vigil/internal/domain"
)

// Engine evaluates escalation rules over an analysis verdict.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  domain.EscalationRule
	Program cel.Program
}

// Input is the verdict and its owning event.
type Input struct {
	Event   *domain.Event
	Verdict *domain.AnalysisVerdict
}

// Result is the evaluation of one rule.
type Result struct {
	RuleID string
	Fired  bool
	Error  string
}

// NewEngine creates an engine with the verdict variables declared.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}

	env, err := cel.NewEnv(
		cel.Variable("risk_score", cel.DoubleType),
		cel.Variable("score", cel.DoubleType),
		cel.Variable("decision", cel.StringType),
		cel.Variable("tampering", cel.BoolType),
		cel.Variable("findings", cel.ListType(cel.StringType)),
		cel.Variable("document_info", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("event_type", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
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

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(cfg domain.EscalationRule) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule, replacing any rule with the same id.
func (e *Engine) LoadRule(cfg domain.EscalationRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}
	e.compiledRules[cfg.ID] = compiled
	return nil
}

// ReloadRules replaces every loaded rule. On error the previous set stays.
func (e *Engine) ReloadRules(configs []domain.EscalationRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*CompiledRule, len(configs))
	for _, cfg := range configs {
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		next[cfg.ID] = compiled
	}
	e.compiledRules = next
	return nil
}

// Evaluate runs every loaded rule in parallel. Results are ordered by rule id.
// A rule that fails to evaluate does not fire.
func (e *Engine) Evaluate(ctx context.Context, in Input) []Result {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	if len(rules) == 0 || in.Verdict == nil {
		return nil
	}
	slices.SortFunc(rules, func(a, b *CompiledRule) int {
		return cmp.Compare(a.Config.ID, b.Config.ID)
	})

	activation := buildActivation(in)
	results := make([]Result, len(rules))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxWorkers)
	for i, rule := range rules {
		g.Go(func() error {
			results[i] = evaluateRule(gctx, rule, activation)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Fired returns the ids of the rules that fired.
func (e *Engine) Fired(ctx context.Context, in Input) []string {
	var ids []string
	for _, r := range e.Evaluate(ctx, in) {
		if r.Fired {
			ids = append(ids, r.RuleID)
		}
	}
	return ids
}

func buildActivation(in Input) map[string]any {
	v := in.Verdict

	findings := v.Findings
	if findings == nil {
		findings = []string{}
	}
	info := v.DocumentInfo
	if info == nil {
		info = map[string]any{}
	}

	activation := map[string]any{
		"risk_score":    v.RiskScore,
		"score":         v.ScorePercent(),
		"decision":      string(v.Decision),
		"tampering":     v.Tampered(),
		"findings":      findings,
		"document_info": info,
		"event_type":    "",
		"source":        "",
		"amount":        0.0,
	}
	if ev := in.Event; ev != nil {
		activation["event_type"] = string(ev.Type)
		activation["source"] = string(ev.Source)
		activation["amount"] = eventAmount(ev)
	}
	return activation
}

func eventAmount(ev *domain.Event) float64 {
	switch a := ev.Data[domain.DataAmount].(type) {
	case float64:
		return a
	case int:
		return float64(a)
	case int64:
		return float64(a)
	}
	return 0
}

func evaluateRule(ctx context.Context, rule *CompiledRule, activation map[string]any) Result {
	result := Result{RuleID: rule.Config.ID}

	out, _, err := rule.Program.ContextEval(ctx, activation)
	if err != nil {
		result.Error = fmt.Sprintf("evaluation error: %v", err)
		slog.Warn("escalation rule failed",
			"rule_id", rule.Config.ID,
			"error", err,
		)
		return result
	}

	result.Fired = toScore(out) > 0
	return result
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// LoadedRules returns the loaded rule configurations ordered by id.
func (e *Engine) LoadedRules() []domain.EscalationRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]domain.EscalationRule, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	slices.SortFunc(rules, func(a, b domain.EscalationRule) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return rules
}

func (e *Engine) compileRule(cfg domain.EscalationRule) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
