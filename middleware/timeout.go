package middleware

import (
	"context"
	"fmt"
	"log/slog"
)

// Timeout returns middleware that enforces the invocation's deadline. The
// handler runs on its own goroutine so that a handler ignoring ctx still
// releases the caller when the deadline passes; its late result is dropped.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, inv *Invocation, next Next) (map[string]interface{}, error) {
		if inv.Timeout <= 0 {
			return next(ctx)
		}

		parent := ctx
		ctx, cancel := context.WithTimeout(parent, inv.Timeout)
		defer cancel()

		type result struct {
			out map[string]interface{}
			err error
		}
		done := make(chan result, 1)
		go func() {
			out, err := next(ctx)
			done <- result{out: out, err: err}
		}()

		select {
		case r := <-done:
			return r.out, r.err
		case <-ctx.Done():
			// The caller went away; that is not the step's deadline.
			if err := parent.Err(); err != nil {
				return nil, err
			}
			logger.Warn("step timed out",
				slog.String("workflow_id", inv.WorkflowID),
				slog.String("step_id", inv.StepID),
				slog.Duration("timeout", inv.Timeout),
			)
			return nil, fmt.Errorf("step %s timed out after %s: %w", inv.StepID, inv.Timeout, context.DeadlineExceeded)
		}
	}
}
