// Package circuit implements a rolling-window circuit breaker.
//
// A Breaker wraps calls to one degrading dependency. While CLOSED every call
// passes through and its outcome is counted in a bucketed rolling window.
// When the failure percentage over the window reaches the threshold the
// breaker opens and rejects calls with ErrOpen without invoking them. After
// the reset timeout one trial call is admitted (HALF_OPEN); its outcome
// closes the breaker or reopens it with a fresh timer.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrOpen is returned when the breaker rejects a call.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTimeout is returned when a call exceeds the per-call timeout.
	ErrTimeout = errors.New("circuit breaker call timed out")
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateChange describes one transition. Name is the breaker name.
type StateChange struct {
	Name string
	From State
	To   State
}

// Opened reports whether the transition opened the breaker.
func (c StateChange) Opened() bool { return c.To == StateOpen }

// Closed reports whether the transition closed the breaker.
func (c StateChange) Closed() bool { return c.To == StateClosed }

const (
	DefaultFailureThreshold = 50.0
	DefaultCallTimeout      = 5 * time.Second
	DefaultResetTimeout     = 30 * time.Second
	DefaultRollingWindow    = 10 * time.Second
	DefaultRollingBuckets   = 10
	DefaultMinRequests      = 1
)

// Breaker is safe for concurrent use.
type Breaker struct {
	name             string
	failureThreshold float64
	minRequests      int
	callTimeout      time.Duration
	resetTimeout     time.Duration
	now              func() time.Time
	onStateChange    func(StateChange)
	onReject         func(name string)

	mu       sync.Mutex
	state    State
	window   *window
	openedAt time.Time
	// generation changes on every transition so outcomes of calls admitted
	// under a previous state are discarded.
	generation uint64
	trialBusy  bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets the failure percentage (0-100] that opens the breaker.
func WithFailureThreshold(pct float64) Option {
	return func(b *Breaker) {
		if pct > 0 && pct <= 100 {
			b.failureThreshold = pct
		}
	}
}

// WithMinRequests sets how many calls the window must hold before the
// threshold is evaluated.
func WithMinRequests(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.minRequests = n
		}
	}
}

// WithCallTimeout bounds each call. Zero disables the timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d >= 0 {
			b.callTimeout = d
		}
	}
}

// WithResetTimeout sets how long the breaker stays open before a trial call.
func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.resetTimeout = d
		}
	}
}

// WithRollingWindow sets the statistics window and its bucket count.
func WithRollingWindow(d time.Duration, buckets int) Option {
	return func(b *Breaker) {
		if d > 0 && buckets > 0 {
			b.window = newWindow(d, buckets)
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithOnStateChange registers a transition hook. Hooks run outside the lock.
func WithOnStateChange(fn func(StateChange)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// WithOnReject registers a hook called for every rejected call.
func WithOnReject(fn func(name string)) Option {
	return func(b *Breaker) { b.onReject = fn }
}

// New creates a closed breaker.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: DefaultFailureThreshold,
		minRequests:      DefaultMinRequests,
		callTimeout:      DefaultCallTimeout,
		resetTimeout:     DefaultResetTimeout,
		now:              time.Now,
		state:            StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.window == nil {
		b.window = newWindow(DefaultRollingWindow, DefaultRollingBuckets)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

// State returns the current state. An OPEN breaker whose reset timeout has
// elapsed still reports OPEN until the next call moves it to HALF_OPEN.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) IsOpen() bool { return b.State() == StateOpen }

// Reset forces the breaker closed and clears statistics.
func (b *Breaker) Reset() {
	b.mu.Lock()
	change, changed := b.transitionLocked(StateClosed)
	b.mu.Unlock()
	if changed {
		b.notify(change)
	}
}

// Execute runs op through the breaker. The context passed to op carries the
// per-call timeout. Cancellation of the caller's ctx is returned as-is and
// not counted as a failure.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	gen, change, err := b.admit()
	if change != nil {
		b.notify(*change)
	}
	if err != nil {
		if b.onReject != nil {
			b.onReject(b.name)
		}
		return err
	}

	opErr := b.call(ctx, op)
	if opErr != nil && ctx.Err() != nil && !errors.Is(opErr, ErrTimeout) {
		b.abandon(gen)
		return opErr
	}

	if c, ok := b.record(gen, opErr == nil); ok {
		b.notify(c)
	}
	return opErr
}

func (b *Breaker) call(ctx context.Context, op func(context.Context) error) error {
	if b.callTimeout <= 0 {
		return op(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(callCtx) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s: %w", ErrTimeout, b.callTimeout, err)
		}
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrTimeout, b.callTimeout)
	}
}

func (b *Breaker) admit() (uint64, *StateChange, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var change *StateChange
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return 0, nil, fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		c, _ := b.transitionLocked(StateHalfOpen)
		change = &c
		fallthrough
	case StateHalfOpen:
		if b.trialBusy {
			return 0, change, fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.trialBusy = true
	}
	return b.generation, change, nil
}

func (b *Breaker) record(gen uint64, success bool) (StateChange, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.generation {
		return StateChange{}, false
	}

	now := b.now()
	switch b.state {
	case StateHalfOpen:
		b.trialBusy = false
		if success {
			return b.transitionLocked(StateClosed)
		}
		return b.transitionLocked(StateOpen)
	case StateClosed:
		b.window.add(now, success)
		if success {
			return StateChange{}, false
		}
		total, failures := b.window.totals(now)
		if total >= b.minRequests && float64(failures)*100/float64(total) >= b.failureThreshold {
			return b.transitionLocked(StateOpen)
		}
	}
	return StateChange{}, false
}

// abandon releases a trial slot for a call the caller cancelled.
func (b *Breaker) abandon(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen == b.generation && b.state == StateHalfOpen {
		b.trialBusy = false
	}
}

func (b *Breaker) transitionLocked(to State) (StateChange, bool) {
	from := b.state
	if from == to {
		if to == StateClosed {
			b.window.reset()
		}
		return StateChange{}, false
	}
	b.state = to
	b.generation++
	b.trialBusy = false
	switch to {
	case StateOpen:
		b.openedAt = b.now()
	case StateClosed:
		b.window.reset()
	}
	return StateChange{Name: b.name, From: from, To: to}, true
}

func (b *Breaker) notify(c StateChange) {
	if b.onStateChange != nil {
		b.onStateChange(c)
	}
}
