// Package rules provides the CEL-Go based flag rule engine.
package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/splitguard/internal/domain"
)

// FlagEngine evaluates an ordered set of CEL flag rules over one scoring decision.
type FlagEngine struct {
	mu         sync.RWMutex
	env        *cel.Env
	rules      []*CompiledRule
	maxWorkers int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  domain.FlagRuleConfig
	Builtin bool
	Program cel.Program
}

// FlagInput is the activation for one decision.
type FlagInput struct {
	Anomaly   domain.ScoreResult
	Pattern   domain.ScoreResult
	Features  map[string]float64
	IsPayment bool
}

// NewFlagEngine compiles the built-in rules followed by the custom rules, in order.
func NewFlagEngine(custom []domain.FlagRuleConfig, maxWorkers int) (*FlagEngine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}

	env, err := cel.NewEnv(
		cel.Variable("anomaly", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("pattern", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("features", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("is_payment", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &FlagEngine{env: env, maxWorkers: maxWorkers}

	seen := make(map[string]bool)
	for _, cfg := range BuiltinRules() {
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return nil, err
		}
		compiled.Builtin = true
		e.rules = append(e.rules, compiled)
		seen[cfg.Name] = true
	}
	for _, cfg := range custom {
		if seen[cfg.Name] {
			return nil, fmt.Errorf("%w: flag rule %q is already defined", domain.ErrInvalidConfiguration, cfg.Name)
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return nil, err
		}
		e.rules = append(e.rules, compiled)
		seen[cfg.Name] = true
	}
	return e, nil
}

// ValidateRule compiles a rule without adding it to the engine.
func (e *FlagEngine) ValidateRule(cfg domain.FlagRuleConfig) error {
	_, err := e.compileRule(cfg)
	return err
}

// Evaluate returns the names of every rule that fired, in rule order.
// Rules are evaluated concurrently; a rule that errors at runtime does not fire.
// Every rule is always evaluated, so a cancelled context never yields a partial
// flag set.
func (e *FlagEngine) Evaluate(_ context.Context, in *FlagInput) []string {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	features := in.Features
	if features == nil {
		features = map[string]float64{}
	}
	activation := map[string]any{
		"anomaly":    scoreMap(in.Anomaly),
		"pattern":    scoreMap(in.Pattern),
		"features":   features,
		"is_payment": in.IsPayment,
	}

	fired := make([]bool, len(rules))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			out, _, err := r.Program.Eval(activation)
			if err != nil {
				return
			}
			fired[idx] = out == types.True
		}(i, rule)
	}
	wg.Wait()

	flags := make([]string, 0, len(rules))
	for i, r := range rules {
		if fired[i] {
			flags = append(flags, r.Config.Name)
		}
	}
	return flags
}

// Rules returns the configured rules in evaluation order.
func (e *FlagEngine) Rules() []domain.FlagRuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.FlagRuleConfig, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Config
	}
	return out
}

// RulesCount returns the number of loaded rules.
func (e *FlagEngine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

func (e *FlagEngine) compileRule(cfg domain.FlagRuleConfig) (*CompiledRule, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: flag rule name is required", domain.ErrInvalidConfiguration)
	}
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile flag rule %s: %v", domain.ErrInvalidConfiguration, cfg.Name, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: flag rule %s must return bool, got %s", domain.ErrInvalidConfiguration, cfg.Name, ast.OutputType())
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for flag rule %s: %w", cfg.Name, err)
	}
	return &CompiledRule{Config: cfg, Program: program}, nil
}

func scoreMap(r domain.ScoreResult) map[string]any {
	return map[string]any{
		"score":      r.Score,
		"raw_score":  r.RawScore,
		"confidence": r.Confidence,
		"label":      r.Label,
	}
}
