package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock 可手动推进的时钟.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
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

func TestBreaker_OpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	b := New("listings", WithClock(clock.Now), WithConfig(Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		MonitoringWindow: time.Minute,
	}))

	for i := 0; i < 4; i++ {
		b.Failure()
		assert.Equal(t, StateClosed, b.State())
	}
	b.Failure()

	h := b.Health()
	assert.Equal(t, StateOpen, h.State)
	assert.Equal(t, 5, h.Failures)
	assert.Equal(t, clock.Now().Add(30*time.Second), h.NextAttemptTime)
}

func TestBreaker_HalfOpenAndRecover(t *testing.T) {
	clock := newFakeClock()
	b := New("bids", WithClock(clock.Now), WithConfig(Config{FailureThreshold: 5, ResetTimeout: 30 * time.Second}))
	for i := 0; i < 5; i++ {
		b.Failure()
	}

	clock.Advance(10 * time.Second)
	d := b.Allow()
	assert.False(t, d.Allowed)
	assert.Equal(t, "circuit_open", d.Reason)
	assert.Equal(t, 20*time.Second, d.RetryAfter)

	clock.Advance(20 * time.Second)
	d = b.Allow()
	assert.True(t, d.Allowed)
	assert.Equal(t, StateHalfOpen, b.State())

	b.Success()
	h := b.Health()
	assert.Equal(t, StateClosed, h.State)
	assert.Zero(t, h.Failures)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := New("payments", WithClock(clock.Now), WithConfig(Config{FailureThreshold: 1, ResetTimeout: time.Second}))

	b.Failure()
	clock.Advance(time.Second)
	require.True(t, b.Allow().Allowed)

	b.Failure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow().Allowed)
}

func TestBreaker_MonitoringWindowClearsStaleFailures(t *testing.T) {
	clock := newFakeClock()
	b := New("bus", WithClock(clock.Now), WithConfig(Config{
		FailureThreshold: 3,
		ResetTimeout:     30 * time.Second,
		MonitoringWindow: 60 * time.Second,
	}))

	b.Failure()
	b.Failure()
	clock.Advance(61 * time.Second)
	b.Failure()

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.Health().Failures)
}

func TestBreaker_ResetAndStateChange(t *testing.T) {
	var transitions []State
	b := New("bus",
		WithConfig(Config{FailureThreshold: 1}),
		WithStateChange(func(_ string, _, to State) { transitions = append(transitions, to) }),
	)

	b.Failure()
	b.Reset()

	assert.Equal(t, []State{StateOpen, StateClosed}, transitions)
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Health().Failures)
}

func TestBreaker_Execute(t *testing.T) {
	b := New("profile", WithConfig(Config{FailureThreshold: 1, ResetTimeout: time.Hour}))
	boom := errors.New("boom")

	err := b.Execute(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	called := false
	err = b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_ExecuteIgnoresCallerCancellation(t *testing.T) {
	b := New("profile", WithConfig(Config{FailureThreshold: 1, ResetTimeout: time.Hour}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Health().Failures)
}

func TestRegistry(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithClock(clock.Now))
	r.Configure("email", Config{FailureThreshold: 2})

	r.RecordFailure("email")
	r.RecordFailure("email")
	assert.False(t, r.CanExecute("email").Allowed)
	assert.True(t, r.CanExecute("listings").Allowed)

	assert.Equal(t, []string{"email", "listings"}, r.Services())
	assert.Equal(t, StateOpen, r.All()["email"].State)

	assert.True(t, r.Reset("email"))
	assert.False(t, r.Reset("unknown"))
	assert.True(t, r.CanExecute("email").Allowed)

	r.RecordSuccess("email")
	assert.False(t, r.Health("email").LastSuccessTime.IsZero())
}

func TestFallback(t *testing.T) {
	bids := Fallback("bids")
	assert.Equal(t, "bids", bids.Service)
	assert.True(t, bids.Degraded)
	assert.NotEmpty(t, bids.Suggestion)

	unknown := Fallback("shipping")
	assert.Equal(t, "shipping", unknown.Service)
	assert.Equal(t, "Service is temporarily unavailable", unknown.Message)
}
