package workflow

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/stepflow/backoff"
	"github.com/songzhibin97/stepflow/events"
	"github.com/songzhibin97/stepflow/middleware"
	"github.com/songzhibin97/stepflow/rules"
	"github.com/songzhibin97/stepflow/storage"
)

// snowflakeEpoch is the custom epoch for snowflake workflow IDs.
var snowflakeEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the persistence hook. Defaults to storage.NewMemoryStorage().
func WithStore(store storage.Store) Option {
	return func(e *Engine) {
		if store != nil {
			e.store = store
		}
	}
}

// WithLogger sets the engine logger. Defaults to a discarding logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEvaluator sets the evaluator used for step conditions.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *Engine) {
		if evaluator != nil {
			e.evaluator = evaluator
		}
	}
}

// WithBackoff sets the retry delay strategy. Defaults to backoff.DefaultStrategy().
func WithBackoff(strategy backoff.Strategy) Option {
	return func(e *Engine) {
		if strategy != nil {
			e.backoff = strategy
		}
	}
}

// WithStepTimeout bounds every handler call. A step's own Timeout takes precedence.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.stepTimeout = d
	}
}

// WithMissingHandlerPolicy sets the policy for steps without a registered handler.
func WithMissingHandlerPolicy(policy MissingHandlerPolicy) Option {
	return func(e *Engine) {
		e.policy = policy
	}
}

// WithDefaultMaxRetries sets the retry budget for steps that declare none.
func WithDefaultMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.defaultMaxRetries = n
		}
	}
}

// WithGenerator makes workflow IDs the decimal form of the generator's IDs.
func WithGenerator(g generator.Generator) Option {
	return func(e *Engine) {
		if g == nil {
			return
		}
		e.nextID = func() (string, error) {
			id, err := g.NextID()
			if err != nil {
				return "", err
			}
			return strconv.FormatUint(id, 10), nil
		}
	}
}

// WithIDFunc sets a custom workflow ID source.
func WithIDFunc(fn func() (string, error)) Option {
	return func(e *Engine) {
		if fn != nil {
			e.nextID = fn
		}
	}
}

// WithUUIDs makes workflow IDs random UUIDs.
func WithUUIDs() Option {
	return WithIDFunc(func() (string, error) {
		return uuid.NewString(), nil
	})
}

// WithMachineID uses a snowflake generator with the given machine ID.
func WithMachineID(machineID uint16) Option {
	return WithGenerator(generator.NewSnowflake(snowflakeEpoch, machineID))
}

// WithMiddleware appends handler middleware. They wrap the engine's own
// timeout and panic recovery, first one outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(e *Engine) {
		e.middlewares = append(e.middlewares, mws...)
	}
}

// WithMaxConcurrency caps how many workflows ExecuteAll runs at once.
// Zero or less means no limit.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) {
		e.maxConcurrency = n
	}
}

// WithEventBusOptions configures the engine's event bus.
func WithEventBusOptions(opts ...events.EventBusOption) Option {
	return func(e *Engine) {
		e.busOptions = append(e.busOptions, opts...)
	}
}
