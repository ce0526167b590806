package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/songzhibin97/stepflow"

// Tracing returns middleware that wraps each step in a span from the global
// TracerProvider. Without a configured provider it is a pass-through.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(instrumentationName))
}

// TracingWithTracer is Tracing with an explicit tracer.
//
// Span attributes: stepflow.workflow.id, stepflow.step.id, stepflow.handler,
// stepflow.attempt.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, inv *Invocation, next Next) (map[string]interface{}, error) {
		ctx, span := tracer.Start(ctx, "stepflow.step.execute",
			trace.WithAttributes(
				attribute.String("stepflow.workflow.id", inv.WorkflowID),
				attribute.String("stepflow.step.id", inv.StepID),
				attribute.String("stepflow.handler", inv.Handler),
				attribute.Int("stepflow.attempt", inv.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		out, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return out, err
	}
}
