// Package retry runs an operation with bounded exponential backoff.
//
// Attempt 1 runs immediately. After a retryable failure the next attempt
// waits InitialDelay * 2^(attempt-1) scaled by a jitter factor in [1.0, 1.2),
// capped at MaxDelay when set. Waits honour context cancellation. When the
// attempt budget is exhausted the last failure is returned inside an
// *ExhaustedError.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxAttempts  = 5
	DefaultInitialDelay = time.Second
	// jitterSpread is the upper bound of the extra delay fraction.
	jitterSpread = 0.2
)

// Policy controls the retry budget and delays.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
	// Retryable reports whether a failure may be retried. Nil retries everything.
	Retryable func(error) bool
	// OnRetry is called before each wait with the failed attempt number.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns 5 attempts starting at 1s, uncapped.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, InitialDelay: DefaultInitialDelay}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry budget exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Retrier executes operations under a Policy. It holds no per-call state and
// is safe for concurrent use.
type Retrier struct {
	policy   Policy
	random   func() float64
	newTimer func() backoff.Timer
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithRandom injects the jitter source. fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(r *Retrier) {
		if fn != nil {
			r.random = fn
		}
	}
}

// WithTimer injects the wait timer factory, mainly for tests.
func WithTimer(fn func() backoff.Timer) Option {
	return func(r *Retrier) { r.newTimer = fn }
}

// New creates a Retrier, filling zero policy fields with defaults.
func New(policy Policy, opts ...Option) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = DefaultMaxAttempts
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = DefaultInitialDelay
	}
	r := &Retrier{policy: policy, random: rand.Float64}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the effective policy.
func (r *Retrier) Policy() Policy { return r.policy }

// Do runs op until it succeeds, fails with a non-retryable error, the budget
// runs out or ctx is done.
func (r *Retrier) Do(ctx context.Context, op func(context.Context) error) error {
	_, err := DoValue(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations returning a value.
func DoValue[T any](ctx context.Context, r *Retrier, op func(context.Context) (T, error)) (T, error) {
	var (
		attempts int
		lastErr  error
		stopped  bool
	)

	operation := func() (T, error) {
		attempts++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if r.policy.Retryable != nil && !r.policy.Retryable(err) {
			stopped = true
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	schedule := backoff.WithContext(
		backoff.WithMaxRetries(r.newSchedule(), uint64(r.policy.MaxAttempts-1)),
		ctx,
	)

	notify := func(err error, delay time.Duration) {
		if r.policy.OnRetry != nil {
			r.policy.OnRetry(attempts, err, delay)
		}
	}

	var timer backoff.Timer
	if r.newTimer != nil {
		timer = r.newTimer()
	}

	v, err := backoff.RetryNotifyWithTimerAndData(operation, schedule, notify, timer)
	switch {
	case err == nil:
		return v, nil
	case stopped:
		return v, lastErr
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return v, fmt.Errorf("retry aborted after %d attempts: %w", attempts, errors.Join(err, lastErr))
	default:
		return v, &ExhaustedError{Attempts: attempts, Err: lastErr}
	}
}

func (r *Retrier) newSchedule() *schedule {
	return &schedule{
		initial: r.policy.InitialDelay,
		max:     r.policy.MaxDelay,
		random:  r.random,
	}
}

// schedule implements backoff.BackOff with doubling delays and upward jitter.
type schedule struct {
	initial time.Duration
	max     time.Duration
	random  func() float64
	retries int
}

func (s *schedule) NextBackOff() time.Duration {
	d := Delay(s.retries+1, s.initial, s.max, s.random())
	s.retries++
	return d
}

func (s *schedule) Reset() { s.retries = 0 }

// Delay computes the wait after the given failed attempt (1-based).
// jitter must be in [0, 1); it maps to a factor in [1.0, 1.2).
func Delay(attempt int, initial, maxDelay time.Duration, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(initial) * float64(uint64(1)<<min(attempt-1, 32))
	d := time.Duration(base * (1 + jitter*jitterSpread))
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
