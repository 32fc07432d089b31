package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBoom = errors.New("boom")

func succeed(context.Context) error { return nil }
func fail(context.Context) error    { return errBoom }

func TestBreaker_InitialState(t *testing.T) {
	b := New("downstream")
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "downstream", b.Name())
}

func TestBreaker_OpensWhenFailureRateReachesThreshold(t *testing.T) {
	clock := newFakeClock()
	var changes []StateChange
	b := New("downstream",
		WithClock(clock.Now),
		WithMinRequests(4),
		WithOnStateChange(func(c StateChange) { changes = append(changes, c) }),
	)

	require.NoError(t, b.Execute(context.Background(), succeed))
	require.NoError(t, b.Execute(context.Background(), succeed))
	require.ErrorIs(t, b.Execute(context.Background(), fail), errBoom)
	assert.Equal(t, StateClosed, b.State(), "3 calls is below the minimum volume")

	// 2 failures out of 4 = 50%
	require.ErrorIs(t, b.Execute(context.Background(), fail), errBoom)
	assert.Equal(t, StateOpen, b.State())
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Opened())
	assert.Equal(t, StateClosed, changes[0].From)
}

func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	clock := newFakeClock()
	b := New("downstream", WithClock(clock.Now), WithMinRequests(3))

	for range 3 {
		require.NoError(t, b.Execute(context.Background(), succeed))
	}
	require.Error(t, b.Execute(context.Background(), fail))
	assert.Equal(t, StateClosed, b.State(), "1 failure in 4 is 25%")
}

func TestBreaker_OldOutcomesLeaveTheWindow(t *testing.T) {
	clock := newFakeClock()
	b := New("downstream",
		WithClock(clock.Now),
		WithMinRequests(2),
		WithRollingWindow(10*time.Second, 10),
	)

	require.NoError(t, b.Execute(context.Background(), succeed))
	require.NoError(t, b.Execute(context.Background(), succeed))
	require.NoError(t, b.Execute(context.Background(), succeed))

	// The successes age out; a single failure is then 100% of a small window.
	clock.Advance(11 * time.Second)
	require.Error(t, b.Execute(context.Background(), fail))
	assert.Equal(t, StateClosed, b.State(), "one call is below the minimum volume")
	require.Error(t, b.Execute(context.Background(), fail))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_OpenRejectsWithoutInvoking(t *testing.T) {
	clock := newFakeClock()
	rejects := 0
	b := New("downstream", WithClock(clock.Now), WithOnReject(func(string) { rejects++ }))

	require.Error(t, b.Execute(context.Background(), fail))
	require.True(t, b.IsOpen())

	invoked := false
	err := b.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked)
	assert.Equal(t, 1, rejects)
}

func TestBreaker_HalfOpenAdmitsExactlyOneTrial(t *testing.T) {
	clock := newFakeClock()
	b := New("downstream", WithClock(clock.Now), WithResetTimeout(30*time.Second))

	require.Error(t, b.Execute(context.Background(), fail))
	clock.Advance(29 * time.Second)
	require.ErrorIs(t, b.Execute(context.Background(), succeed), ErrOpen)

	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	trialDone := make(chan error, 1)
	go func() {
		trialDone <- b.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.Equal(t, StateHalfOpen, b.State())
	invoked := false
	err := b.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked, "second call during the trial must be rejected")

	close(release)
	require.NoError(t, <-trialDone)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_TrialFailureReopensAndRestartsTimer(t *testing.T) {
	clock := newFakeClock()
	var changes []StateChange
	b := New("downstream",
		WithClock(clock.Now),
		WithResetTimeout(30*time.Second),
		WithOnStateChange(func(c StateChange) { changes = append(changes, c) }),
	)

	require.Error(t, b.Execute(context.Background(), fail))
	clock.Advance(30 * time.Second)
	require.ErrorIs(t, b.Execute(context.Background(), fail), errBoom)
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(29 * time.Second)
	require.ErrorIs(t, b.Execute(context.Background(), succeed), ErrOpen)

	clock.Advance(time.Second)
	require.NoError(t, b.Execute(context.Background(), succeed))
	assert.Equal(t, StateClosed, b.State())

	got := make([]State, 0, len(changes))
	for _, c := range changes {
		got = append(got, c.To)
	}
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateOpen, StateHalfOpen, StateClosed}, got)
}

func TestBreaker_TrialSuccessResetsStatistics(t *testing.T) {
	clock := newFakeClock()
	b := New("downstream", WithClock(clock.Now), WithMinRequests(2))

	require.NoError(t, b.Execute(context.Background(), succeed))
	require.Error(t, b.Execute(context.Background(), fail))
	require.True(t, b.IsOpen())

	clock.Advance(DefaultResetTimeout)
	require.NoError(t, b.Execute(context.Background(), succeed))
	require.Equal(t, StateClosed, b.State())

	// With a fresh window one failure alone is below the minimum volume.
	require.Error(t, b.Execute(context.Background(), fail))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_CallTimeoutCountsAsFailure(t *testing.T) {
	b := New("downstream", WithCallTimeout(20*time.Millisecond))

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, b.IsOpen())
}

func TestBreaker_TimeoutEvenWhenOperationIgnoresContext(t *testing.T) {
	b := New("downstream", WithCallTimeout(20*time.Millisecond))
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	err := b.Execute(context.Background(), func(context.Context) error {
		<-release
		return nil
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	b := New("downstream", WithCallTimeout(time.Second))
	ctx, cancel := context.WithCancel(context.Background())

	err := b.Execute(ctx, func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_Reset(t *testing.T) {
	b := New("downstream")

	require.Error(t, b.Execute(context.Background(), fail))
	require.True(t, b.IsOpen())

	b.Reset()
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Execute(context.Background(), succeed))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
}
