// Package rules provides the condition-based rule evaluation engine.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/spf13/cast"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// TriggerRecorder receives one call per rule that fires.
type TriggerRecorder interface {
	RecordTrigger(ctx context.Context, code string, at time.Time) error
}

// Engine evaluates the active rule set against evaluation contexts.
// Reads use an immutable snapshot swapped atomically on reload.
type Engine struct {
	writeMu    sync.Mutex
	snapshot   atomic.Pointer[ruleSet]
	env        *cel.Env
	conditions *ConditionEvaluator
	policy     domain.Policy
	recorder   TriggerRecorder
	maxWorkers int
	now        func() time.Time
}

// CompiledRule holds an active rule with its optional CEL program.
type CompiledRule struct {
	Rule    *domain.Rule
	Program cel.Program
}

type ruleSet struct {
	rules  []*CompiledRule // sorted by code
	fields []string
}

// NewEngine creates a rule engine. recorder may be nil.
func NewEngine(policy domain.Policy, recorder TriggerRecorder, maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// Expressions see the whole context as ctx, e.g. ctx.amount > 1000.0
	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{
		env:        env,
		conditions: NewConditionEvaluator(),
		policy:     policy,
		recorder:   recorder,
		maxWorkers: maxWorkers,
		now:        time.Now,
	}
	e.snapshot.Store(&ruleSet{})
	return e, nil
}

// ValidateRule checks a rule's shape, operands and expression without loading it.
func (e *Engine) ValidateRule(rule *domain.Rule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", domain.ErrInvalidInput)
	}
	_, err := e.compileRule(rule)
	return err
}

// LoadRule compiles one rule into the snapshot, replacing a rule with the
// same code. An inactive rule is removed from the snapshot.
func (e *Engine) LoadRule(rule *domain.Rule) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	var compiled *CompiledRule
	if rule.IsActive {
		var err error
		if compiled, err = e.compileRule(rule); err != nil {
			return err
		}
	}

	current := e.snapshot.Load()
	next := make([]*CompiledRule, 0, len(current.rules)+1)
	for _, cr := range current.rules {
		if cr.Rule.Code != rule.Code {
			next = append(next, cr)
		}
	}
	if compiled != nil {
		next = append(next, compiled)
	}
	e.snapshot.Store(newRuleSet(next))
	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(rules []*domain.Rule) error {
	for _, rule := range rules {
		if err := e.LoadRule(rule); err != nil {
			return err
		}
	}
	return nil
}

// ReloadRules replaces the whole snapshot with the active rules given.
// Nothing changes if any of them fails to compile.
func (e *Engine) ReloadRules(rules []*domain.Rule) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	next := make([]*CompiledRule, 0, len(rules))
	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		compiled, err := e.compileRule(rule)
		if err != nil {
			return err
		}
		next = append(next, compiled)
	}

	e.snapshot.Store(newRuleSet(next))
	return nil
}

// Evaluate runs every active rule against the context in parallel and
// returns the triggered ones ordered by code.
func (e *Engine) Evaluate(ctx context.Context, evalCtx domain.Context) ([]domain.TriggeredRule, error) {
	set := e.snapshot.Load()
	if len(set.rules) == 0 {
		return nil, nil
	}

	activation := map[string]any{"ctx": map[string]any(evalCtx)}
	now := e.now()

	// Parallel evaluation using worker pool pattern
	hits := make([]*domain.TriggeredRule, len(set.rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range set.rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			fired, err := e.evaluateRule(r, evalCtx, activation)
			if err != nil {
				slog.Warn("rule skipped", "rule_code", r.Rule.Code, "error", err)
				return
			}
			if !fired {
				return
			}

			hits[idx] = e.triggered(r.Rule)
			if e.recorder != nil {
				if err := e.recorder.RecordTrigger(ctx, r.Rule.Code, now); err != nil {
					slog.Error("failed to record rule trigger", "rule_code", r.Rule.Code, "error", err)
				}
			}
		}(i, rule)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	triggered := make([]domain.TriggeredRule, 0, len(hits))
	for _, hit := range hits {
		if hit != nil {
			triggered = append(triggered, *hit)
		}
	}
	return triggered, nil
}

// Test evaluates one rule against a context without loading it and without
// touching statistics. It returns nil when the rule does not fire.
func (e *Engine) Test(rule *domain.Rule, evalCtx domain.Context) (*domain.TriggeredRule, error) {
	compiled, err := e.compileRule(rule)
	if err != nil {
		return nil, err
	}
	fired, err := e.evaluateRule(compiled, evalCtx, map[string]any{"ctx": map[string]any(evalCtx)})
	if err != nil || !fired {
		return nil, err
	}
	return e.triggered(rule), nil
}

// evaluateRule reports whether the rule fires. Velocity rules also need the
// occurrence count for their window to be present and large enough.
func (e *Engine) evaluateRule(r *CompiledRule, evalCtx domain.Context, activation map[string]any) (bool, error) {
	rule := r.Rule

	if rule.IsVelocity() {
		v, ok := Lookup(evalCtx, rule.OccurrenceKey())
		if !ok {
			return false, nil
		}
		count, err := cast.ToInt64E(v)
		if err != nil || count < int64(rule.MinOccurrences) {
			return false, nil
		}
	}

	ok, err := e.conditions.Match(rule.Conditions, evalCtx)
	if err != nil || !ok {
		return false, err
	}

	if r.Program == nil {
		return true, nil
	}

	out, _, err := r.Program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("expression: %w", err)
	}
	fired, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("expression returned %s, not bool", out.Type().TypeName())
	}
	return fired, nil
}

func (e *Engine) triggered(rule *domain.Rule) *domain.TriggeredRule {
	contribution := float64(rule.BaseScore) * rule.Weight * e.policy.Multiplier(rule.Severity)
	return &domain.TriggeredRule{
		Code:         rule.Code,
		Name:         rule.Name,
		Category:     rule.Category,
		Severity:     rule.Severity,
		Contribution: contribution,
		Actions:      append([]domain.Action(nil), rule.Actions...),
		IsBlocking:   rule.IsBlocking,
		MLEnabled:    rule.ML.Enabled,
		MLThreshold:  rule.ML.ConfidenceThreshold,
	}
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	return len(e.snapshot.Load().rules)
}

// Rules returns copies of the loaded rules ordered by code.
func (e *Engine) Rules() []*domain.Rule {
	set := e.snapshot.Load()
	rules := make([]*domain.Rule, len(set.rules))
	for i, cr := range set.rules {
		rules[i] = cr.Rule.Clone()
	}
	return rules
}

// ReferencedFields returns the distinct condition fields of the loaded rules.
func (e *Engine) ReferencedFields() []string {
	return e.snapshot.Load().fields
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.snapshot.Store(&ruleSet{})
	return nil
}

func (e *Engine) compileRule(rule *domain.Rule) (*CompiledRule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	for _, c := range rule.Conditions {
		if err := e.conditions.Validate(c); err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.Code, err)
		}
	}

	compiled := &CompiledRule{Rule: rule.Clone()}
	if rule.Expression == "" {
		return compiled, nil
	}

	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile rule %s: %v", domain.ErrInvalidInput, rule.Code, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DynType {
		return nil, fmt.Errorf("%w: rule %s: expression must return bool, got %s", domain.ErrInvalidInput, rule.Code, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.Code, err)
	}
	compiled.Program = program

	return compiled, nil
}

func newRuleSet(rules []*CompiledRule) *ruleSet {
	sort.Slice(rules, func(i, j int) bool { return rules[i].Rule.Code < rules[j].Rule.Code })

	seen := make(map[string]struct{})
	var fields []string
	for _, cr := range rules {
		for _, f := range cr.Rule.Fields() {
			if _, ok := seen[f]; !ok {
				seen[f] = struct{}{}
				fields = append(fields, f)
			}
		}
	}
	sort.Strings(fields)

	return &ruleSet{rules: rules, fields: fields}
}
