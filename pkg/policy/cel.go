package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// celEvaluator compiles and caches rule conditions. Conditions see the
// request triple as four string variables: action, agent, jurisdiction, path.
type celEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newCELEvaluator() (*celEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("agent", cel.StringType),
		cel.Variable("jurisdiction", cel.StringType),
		cel.Variable("path", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &celEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

func (e *celEvaluator) compile(expr string) error {
	e.mu.RLock()
	_, hit := e.cache[expr]
	e.mu.RUnlock()
	if hit {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, hit := e.cache[expr]; hit {
		return nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compile condition: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return fmt.Errorf("build condition program: %w", err)
	}
	e.cache[expr] = prg
	return nil
}

func (e *celEvaluator) eval(expr string, req Request) (bool, error) {
	if err := e.compile(expr); err != nil {
		return false, err
	}

	e.mu.RLock()
	prg := e.cache[expr]
	e.mu.RUnlock()

	out, _, err := prg.Eval(map[string]any{
		"action":       req.Action,
		"agent":        req.Agent,
		"jurisdiction": req.Jurisdiction,
		"path":         req.Path,
	})
	if err != nil {
		return false, fmt.Errorf("eval condition: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition result is not bool")
	}
	return val, nil
}
