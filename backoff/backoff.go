// Package backoff provides retry delay strategies for failed steps.
// All strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry.
type Strategy interface {
	// Delay returns how long to wait before the retry numbered attempt.
	// attempt is the step's retry count after it has been incremented,
	// so the first retry asks for Delay(1).
	Delay(attempt int) time.Duration
}

// StrategyFunc adapts a plain function to Strategy.
type StrategyFunc func(attempt int) time.Duration

// Delay calls f(attempt).
func (f StrategyFunc) Delay(attempt int) time.Duration {
	return f(attempt)
}

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential waits Unit * 2^attempt, capped at Max when Max is positive.
// With a one second unit the first retry waits 2s, the second 4s.
type Exponential struct {
	Unit time.Duration
	Max  time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(unit, maxDelay time.Duration) *Exponential {
	return &Exponential{Unit: unit, Max: maxDelay}
}

// Delay returns Unit * 2^attempt, capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	return capped(exp2(e.Unit, attempt), e.Max)
}

// ExponentialWithJitter picks a random delay in [0, Unit * 2^attempt],
// capped at Max. It spreads retries of many workflows hitting the same
// handler at once.
type ExponentialWithJitter struct {
	Unit time.Duration
	Max  time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(unit, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Unit: unit, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Unit * 2^attempt, Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := capped(exp2(e.Unit, attempt), e.Max)
	return time.Duration(rand.Float64() * float64(base)) //nolint:gosec // jitter does not need crypto rand
}

// DefaultStrategy is the engine default: exponential with a one second unit
// and a five minute ceiling.
func DefaultStrategy() Strategy {
	return NewExponential(time.Second, 5*time.Minute)
}

func exp2(unit time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(unit) * math.Pow(2, float64(attempt))
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func capped(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}
