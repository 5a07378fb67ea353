// Package rules provides the CEL-Go based outreach rule engine.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine evaluates outreach rules against a customer's feature vector.
// Rules are boolean CEL expressions; a rule that evaluates true fires and
// yields its reason and suggested outreach.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
	logger        *slog.Logger
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a rule engine with the feature and score variables
// bound into the CEL environment.
func NewEngine(maxWorkers int, logger *slog.Logger) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("credit_limit", cel.DoubleType),
		cel.Variable("utilisation_pct", cel.DoubleType),
		cel.Variable("avg_payment_ratio", cel.DoubleType),
		cel.Variable("min_due_paid_freq", cel.DoubleType),
		cel.Variable("merchant_mix_index", cel.DoubleType),
		cel.Variable("cash_withdrawal_pct", cel.DoubleType),
		cel.Variable("recent_spend_change_pct", cel.DoubleType),
		cel.Variable("ml_probability", cel.DoubleType),
		cel.Variable("ensemble_probability", cel.DoubleType),
		cel.Variable("risk_band", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
		logger:        logger,
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiledRules[cfg.ID] = compiled
	return nil
}

// LoadRules compiles and loads multiple rules, skipping disabled ones.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules swaps the loaded rule set atomically, enabling hot reload
// from the database.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
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

// Input carries the scored state a rule set is checked against.
type Input struct {
	Features            domain.FeatureVector
	MLProbability       float64
	EnsembleProbability float64
	RiskBand            string
}

// EvaluateAll runs every loaded rule in parallel and returns the fired
// triggers. A rule whose evaluation errors is logged and skipped rather
// than failing the scoring path.
func (e *Engine) EvaluateAll(ctx context.Context, input *Input) []domain.RuleTrigger {
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
		"credit_limit":            input.Features[0],
		"utilisation_pct":         input.Features[1],
		"avg_payment_ratio":       input.Features[2],
		"min_due_paid_freq":       input.Features[3],
		"merchant_mix_index":      input.Features[4],
		"cash_withdrawal_pct":     input.Features[5],
		"recent_spend_change_pct": input.Features[6],
		"ml_probability":          input.MLProbability,
		"ensemble_probability":    input.EnsembleProbability,
		"risk_band":               input.RiskBand,
	}

	fired := make([]bool, len(rules))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			out, _, err := r.Program.Eval(activation)
			if err != nil {
				e.logger.Warn("rule evaluation error",
					"rule", r.Config.Name,
					"error", err,
				)
				return
			}
			if b, ok := out.(types.Bool); ok && bool(b) {
				fired[idx] = true
			}
		}(i, rule)
	}
	wg.Wait()

	var triggers []domain.RuleTrigger
	for i, rule := range rules {
		if fired[i] {
			triggers = append(triggers, domain.RuleTrigger{
				RuleName:          rule.Config.Name,
				Reason:            rule.Config.Reason,
				SuggestedOutreach: rule.Config.Outreach,
			})
		}
	}
	return triggers
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the currently loaded rule configurations.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	return rules
}

// Close clears the loaded rule set.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
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

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
