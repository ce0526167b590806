package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Recover returns middleware that turns a handler panic into an error,
// logged with its stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, inv *Invocation, next Next) (out map[string]interface{}, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("step handler panicked",
					slog.String("workflow_id", inv.WorkflowID),
					slog.String("step_id", inv.StepID),
					slog.String("handler", inv.Handler),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				out = nil
				retErr = fmt.Errorf("panic in handler %s: %v", inv.Handler, r)
			}
		}()
		return next(ctx)
	}
}
