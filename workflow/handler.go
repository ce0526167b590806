package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// StepHandler performs the work of a step. Outputs are merged into the
// workflow context once the step completes.
type StepHandler interface {
	Invoke(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error)
}

// HandlerFunc is a function adapter for StepHandler.
type HandlerFunc func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error)

// Invoke implements the StepHandler interface.
func (f HandlerFunc) Invoke(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, inputs)
}

// MissingHandlerPolicy decides what happens when a step names a handler
// nobody registered.
type MissingHandlerPolicy string

const (
	// PolicySimulate completes the step with a stub output.
	PolicySimulate MissingHandlerPolicy = "simulate"
	// PolicyFail fails the step with ErrHandlerNotRegistered; normal retry rules apply.
	PolicyFail MissingHandlerPolicy = "fail"
)

// ParsePolicy converts a config string into a MissingHandlerPolicy.
func ParsePolicy(s string) (MissingHandlerPolicy, error) {
	switch MissingHandlerPolicy(s) {
	case "", PolicySimulate:
		return PolicySimulate, nil
	case PolicyFail:
		return PolicyFail, nil
	default:
		return "", fmt.Errorf("unknown missing handler policy %q", s)
	}
}

// HandlerRegistry maps handler names to implementations.
type HandlerRegistry struct {
	handlers map[string]StepHandler
	policy   MissingHandlerPolicy
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty registry using the given policy.
func NewHandlerRegistry(policy MissingHandlerPolicy) *HandlerRegistry {
	if policy == "" {
		policy = PolicySimulate
	}
	return &HandlerRegistry{
		handlers: make(map[string]StepHandler),
		policy:   policy,
	}
}

// Register adds or replaces the handler for name.
func (r *HandlerRegistry) Register(name string, h StepHandler) error {
	if name == "" || h == nil {
		return errors.New("name and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
	return nil
}

// Lookup returns the handler registered under name.
func (r *HandlerRegistry) Lookup(name string) (StepHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered handler names in sorted order.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke calls the handler registered under name, applying the missing
// handler policy when there is none.
func (r *HandlerRegistry) Invoke(ctx context.Context, name string, inputs map[string]interface{}) (map[string]interface{}, error) {
	h, ok := r.Lookup(name)
	if ok {
		return h.Invoke(ctx, inputs)
	}
	if r.policy == PolicyFail {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotRegistered, name)
	}
	return map[string]interface{}{
		"simulated": true,
		"handler":   name,
	}, nil
}
