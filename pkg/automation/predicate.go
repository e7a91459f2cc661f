package automation

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/vigil-grc/vigil/pkg/contracts"
)

// PredicateEvaluator compiles and caches CEL applicability predicates.
// Predicates see the entity attribute map as `entity` and the evaluation
// date as `today` (ISO date string, YYYY-MM-DD).
type PredicateEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewPredicateEvaluator creates an evaluator with the standard environment.
func NewPredicateEvaluator() (*PredicateEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("entity", cel.DynType),
		cel.Variable("today", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("automation: create CEL environment: %w", err)
	}
	return &PredicateEvaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Applicable evaluates a predicate against an entity. An empty predicate is
// always applicable. Compile and evaluation errors fail closed: the rule is
// treated as not applicable and the error surfaces for logging.
func (p *PredicateEvaluator) Applicable(expr string, entity map[string]any, ec contracts.EvaluationContext) (bool, error) {
	if expr == "" {
		return true, nil
	}

	prg, err := p.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"entity": entity,
		"today":  ec.Today.Format("2006-01-02"),
	})
	if err != nil {
		return false, fmt.Errorf("automation: predicate eval failed: %w", err)
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("automation: predicate %q did not evaluate to bool", expr)
	}
	return allowed, nil
}

func (p *PredicateEvaluator) program(expr string) (cel.Program, error) {
	p.mu.RLock()
	prg, ok := p.cache[expr]
	p.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := p.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("automation: predicate compile failed: %w", issues.Err())
	}
	prg, err := p.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("automation: predicate program failed: %w", err)
	}

	p.mu.Lock()
	p.cache[expr] = prg
	p.mu.Unlock()
	return prg, nil
}
