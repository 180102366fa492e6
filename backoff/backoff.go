// Package backoff provides pluggable retry delay strategies for job
// execution. All strategies are safe for concurrent use (they are stateless).
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait after failed attempt n (1-indexed).
	// Attempt 1 is the first execution of the job.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
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

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear increases the delay linearly with the attempt number.
// Delay = min(Base * attempt, Ceiling).
type Linear struct {
	Base    time.Duration
	Ceiling time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(base, ceiling time.Duration) *Linear {
	return &Linear{Base: base, Ceiling: ceiling}
}

// Delay returns Base * attempt, capped at Ceiling.
func (l *Linear) Delay(attempt int) time.Duration {
	d := l.Base * time.Duration(attempt)
	if l.Ceiling > 0 && d > l.Ceiling {
		return l.Ceiling
	}
	return d
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(Base * 2^attempt, Ceiling). The delay for a given job is
// monotonically non-decreasing across attempts until the ceiling.
type Exponential struct {
	Base    time.Duration
	Ceiling time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(base, ceiling time.Duration) *Exponential {
	return &Exponential{Base: base, Ceiling: ceiling}
}

// Delay returns Base * 2^attempt, capped at Ceiling.
func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Base) * math.Pow(2, float64(attempt)))
	if e.Ceiling > 0 && (d > e.Ceiling || d < 0) {
		return e.Ceiling
	}
	return d
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (full jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter applies full jitter to an exponential base.
// Delay = random value in [0, min(Base * 2^attempt, Ceiling)].
// This prevents thundering herd when many retries happen simultaneously,
// at the cost of the monotonic-delay property of plain Exponential.
type ExponentialWithJitter struct {
	Base    time.Duration
	Ceiling time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(base, ceiling time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Base: base, Ceiling: ceiling}
}

// Delay returns a random duration in [0, min(Base * 2^attempt, Ceiling)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	raw := float64(e.Base) * math.Pow(2, float64(attempt))
	if e.Ceiling > 0 && (raw > float64(e.Ceiling) || raw < 0) {
		raw = float64(e.Ceiling)
	}
	return time.Duration(rand.Float64() * raw) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the default backoff used by the engine:
// plain Exponential with 1s base and 1m ceiling.
func DefaultStrategy() Strategy {
	return NewExponential(1*time.Second, 1*time.Minute)
}
