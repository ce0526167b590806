// Package middleware provides composable wrappers around step handler calls.
// Middleware run synchronously around the handler and can change how a step
// executes (recover from panics, enforce deadlines, log, trace, measure).
package middleware

import (
	"context"
	"time"
)

// Invocation describes one handler call for one step attempt.
type Invocation struct {
	WorkflowID string
	StepID     string
	Handler    string
	Attempt    int // 1 for the first run, incremented on each retry
	Timeout    time.Duration
	Inputs     map[string]interface{}
}

// Next is the rest of the chain, ending in the handler itself.
type Next func(ctx context.Context) (map[string]interface{}, error)

// Middleware wraps a step invocation. It must call next to continue the
// chain unless it short-circuits with an error.
type Middleware func(ctx context.Context, inv *Invocation, next Next) (map[string]interface{}, error)

// Chain composes middleware into one. The first middleware in the list is
// the outermost wrapper, so Chain(logging, recover) executes as
//
//	logging → recover → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, inv *Invocation, next Next) (map[string]interface{}, error) {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) (map[string]interface{}, error) {
				return mw(ctx, inv, prev)
			}
		}
		return h(ctx)
	}
}
