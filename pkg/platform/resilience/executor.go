// Package resilience composes bounded retry with a circuit breaker.
//
// Retry is the outer layer and the breaker the inner one, so every attempt
// passes through the breaker. Attempts rejected by an open breaker consume
// the retry budget and wait like any other failure.
package resilience

import (
	"context"
	"time"

	"invoicer/pkg/platform/circuit"
	"invoicer/pkg/platform/retry"
)

// Executor guards one dependency. Build one per dependency in bootstrap and
// inject it; it is safe for concurrent use.
type Executor struct {
	breaker         *circuit.Breaker
	retrier         *retry.Retrier
	overallDeadline time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithOverallDeadline bounds the whole retry sequence. Zero disables it.
func WithOverallDeadline(d time.Duration) Option {
	return func(e *Executor) {
		if d >= 0 {
			e.overallDeadline = d
		}
	}
}

// New builds an Executor from an existing breaker and retrier.
func New(breaker *circuit.Breaker, retrier *retry.Retrier, opts ...Option) *Executor {
	e := &Executor{breaker: breaker, retrier: retrier}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Breaker exposes the inner breaker for health reporting.
func (e *Executor) Breaker() *circuit.Breaker { return e.breaker }

// Execute runs op under retry and breaker.
func (e *Executor) Execute(ctx context.Context, op func(context.Context) error) error {
	_, err := Call(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Call runs op under e and returns its value.
func Call[T any](ctx context.Context, e *Executor, op func(context.Context) (T, error)) (T, error) {
	if e.overallDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.overallDeadline)
		defer cancel()
	}

	return retry.DoValue(ctx, e.retrier, func(ctx context.Context) (T, error) {
		// res is read only on success; a timed-out call may still be running.
		var res T
		err := e.breaker.Execute(ctx, func(ctx context.Context) error {
			out, err := op(ctx)
			if err == nil {
				res = out
			}
			return err
		})
		if err != nil {
			var zero T
			return zero, err
		}
		return res, nil
	})
}
