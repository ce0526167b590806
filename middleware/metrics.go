package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics returns middleware recording step metrics on the global
// MeterProvider.
//
// Instruments:
//   - stepflow.step.duration (Float64Histogram, seconds)
//   - stepflow.step.executions (Int64Counter)
//
// Both carry the attributes handler and status ("ok" or "error").
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(instrumentationName))
}

// MetricsWithMeter is Metrics with an explicit meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// The API hands back noop instruments on error.
	duration, _ := meter.Float64Histogram(
		"stepflow.step.duration",
		metric.WithDescription("Duration of step handler execution in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"stepflow.step.executions",
		metric.WithDescription("Total number of step handler executions"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, inv *Invocation, next Next) (map[string]interface{}, error) {
		start := time.Now()
		out, err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("handler", inv.Handler),
			attribute.String("status", status),
		)
		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)
		return out, err
	}
}
