package middleware

import (
	"context"
	"log/slog"
	"time"
)

// Logging returns middleware that logs step start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, inv *Invocation, next Next) (map[string]interface{}, error) {
		logger.Info("step started",
			slog.String("workflow_id", inv.WorkflowID),
			slog.String("step_id", inv.StepID),
			slog.String("handler", inv.Handler),
			slog.Int("attempt", inv.Attempt),
		)

		start := time.Now()
		out, err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("step failed",
				slog.String("workflow_id", inv.WorkflowID),
				slog.String("step_id", inv.StepID),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("step completed",
				slog.String("workflow_id", inv.WorkflowID),
				slog.String("step_id", inv.StepID),
				slog.Duration("elapsed", elapsed),
				slog.Int("outputs", len(out)),
			)
		}
		return out, err
	}
}
