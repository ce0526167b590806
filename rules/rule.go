package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator decides step conditions against a workflow's merged inputs.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator is an Evaluator backed by expr-lang/expr.
//
// Programs are compiled without a typed environment so one compiled program
// can be reused for every workflow whatever the shape of its context.
type ExprEvaluator struct {
	cache     map[string]*vm.Program
	mu        sync.RWMutex
	functions map[string]func(params ...interface{}) (interface{}, error)
}

// NewExprEvaluator creates a new ExprEvaluator with an empty program cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:     make(map[string]*vm.Program),
		functions: make(map[string]func(params ...interface{}) (interface{}, error)),
	}
}

// AddFunc makes fn callable by name from condition expressions.
// Already compiled programs are dropped so they pick the function up.
func (e *ExprEvaluator) AddFunc(name string, fn func(params ...interface{}) (interface{}, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.functions[name] = fn
	e.cache = make(map[string]*vm.Program)
}

// Evaluate runs expression against env. The expression must produce a bool.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	program, err := e.compile(expression)
	if err != nil {
		return false, err
	}

	if env == nil {
		env = map[string]interface{}{}
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	if b, ok := result.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

func (e *ExprEvaluator) compile(expression string) (*vm.Program, error) {
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

	opts := make([]expr.Option, 0, len(e.functions))
	for name, fn := range e.functions {
		opts = append(opts, expr.Function(name, fn))
	}
	program, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}
