// Package rules provides the CEL-Go based supplementary rule engine.
//
// The four reconciliation passes are fixed; supplementary rules cover
// institution-specific checks (eligibility caps, cross-field relations)
// configured per tenant and hot-reloadable from the database. Each rule
// is a CEL expression of a violation condition over the populated
// template data; a triggered rule appends its message to the Verdict
// with the configured severity.
package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine is the CEL-based supplementary rule engine.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a new supplementary rule engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// CEL environment with populated-template variables. data maps field
	// code to its raw string value; an unreported code is an absent key.
	env, err := cel.NewEnv(
		cel.Variable("data", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("template", cel.StringType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("reporting_date", cel.StringType),
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

// LoadRules compiles and loads multiple rules.
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

// Evaluate runs all loaded rules against a populated template in
// parallel and returns the triggered findings in rule-ID order.
// A rule that fails to evaluate degrades to a warning finding; rule
// failures never abort validation.
func (e *Engine) Evaluate(ctx context.Context, tpl *domain.PopulatedTemplate) []domain.RuleFinding {
	e.mu.RLock()
	compiled := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		compiled = append(compiled, rule)
	}
	e.mu.RUnlock()

	if len(compiled) == 0 || tpl == nil {
		return nil
	}

	// Stable rule order keeps verdicts bit-identical across runs.
	sort.Slice(compiled, func(i, j int) bool {
		return compiled[i].Config.ID < compiled[j].Config.ID
	})

	data := make(map[string]string, len(tpl.Data))
	for code, field := range tpl.Data {
		data[code] = field.Value
	}

	activation := map[string]any{
		"data":           data,
		"template":       tpl.TemplateID,
		"currency":       tpl.Currency,
		"reporting_date": tpl.ReportingDate,
	}

	results := make([]*domain.RuleFinding, len(compiled))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range compiled {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = e.evaluateRule(r, activation)
		}(i, rule)
	}

	wg.Wait()

	findings := make([]domain.RuleFinding, 0, len(results))
	for _, f := range results {
		if f != nil {
			findings = append(findings, *f)
		}
	}
	return findings
}

// evaluateRule evaluates a single rule; nil means the rule did not trigger.
func (e *Engine) evaluateRule(rule *CompiledRule, activation map[string]any) *domain.RuleFinding {
	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		return &domain.RuleFinding{
			RuleID:    rule.Config.ID,
			Reference: rule.Config.Reference,
			Severity:  domain.SeverityWarning,
			Message:   fmt.Sprintf("Rule %s could not be evaluated: %v", rule.Config.ID, err),
		}
	}

	triggered, ok := out.(types.Bool)
	if !ok || !bool(triggered) {
		return nil
	}

	message := rule.Config.Message
	if message == "" {
		message = rule.Config.Name
	}

	return &domain.RuleFinding{
		RuleID:    rule.Config.ID,
		Reference: rule.Config.Reference,
		Severity:  rule.Config.Severity,
		Message:   message,
	}
}

// Merge appends findings to a verdict and re-establishes the
// IsValid invariant.
func Merge(verdict *domain.Verdict, findings []domain.RuleFinding) {
	for _, f := range findings {
		entry := f.Message
		if f.Reference != "" {
			entry = fmt.Sprintf("%s [%s]", f.Message, f.Reference)
		}
		if f.Severity == domain.SeverityError {
			verdict.Errors = append(verdict.Errors, entry)
		} else {
			verdict.Warnings = append(verdict.Warnings, entry)
		}
	}
	verdict.IsValid = len(verdict.Errors) == 0
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadRules clears all existing rules and loads new ones.
// This enables hot-reloading of rules from the database.
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

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg.Severity != domain.SeverityError && cfg.Severity != domain.SeverityWarning {
		return nil, fmt.Errorf("rule %s: severity must be %q or %q, got %q",
			cfg.ID, domain.SeverityError, domain.SeverityWarning, cfg.Severity)
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

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
