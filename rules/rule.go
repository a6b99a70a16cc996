// Package rules evaluates the boolean requirements attached to workflow steps.
package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator defines the interface for evaluating rule expressions.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Compiled programs are cached per expression; unknown identifiers evaluate to
// nil so a payload may omit optional fields.
type ExprEvaluator struct {
	cache   map[string]*vm.Program
	mu      sync.RWMutex
	helpers map[string]interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:   make(map[string]*vm.Program),
		helpers: make(map[string]interface{}),
	}
}

// AddHelper exposes a named value or function to every expression. Helpers
// never overwrite keys present in the evaluated env.
func (e *ExprEvaluator) AddHelper(name string, fn interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.helpers[name] = fn
}

// Compile checks an expression without running it, warming the cache.
func (e *ExprEvaluator) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}

// Evaluate evaluates the given expression against env, which is not modified.
// The expression must evaluate to a boolean; otherwise, an error is returned.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	e.mu.RLock()
	scope := make(map[string]interface{}, len(env)+len(e.helpers))
	for k, v := range e.helpers {
		scope[k] = v
	}
	e.mu.RUnlock()
	for k, v := range env {
		scope[k] = v
	}

	result, err := expr.Run(program, scope)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}
