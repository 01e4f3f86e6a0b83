package circuitbreaker

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
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func newTestBreaker(clock *fakeClock, opts ...Option) *CircuitBreaker {
	base := []Option{
		WithClock(clock.Now),
		WithFailureThreshold(5),
		WithCooldown(2 * time.Minute),
		WithCallTimeout(50 * time.Millisecond),
	}
	return New("test", append(base, opts...)...)
}

func failN(t *testing.T, cb *CircuitBreaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_ = cb.Execute(context.Background(), fail)
	}
}

func TestCircuitBreaker_DegradesAtThreshold(t *testing.T) {
	cb := newTestBreaker(newFakeClock())

	failN(t, cb, 4)
	assert.Equal(t, StateHealthy, cb.State())

	failN(t, cb, 1)
	assert.Equal(t, StateDegraded, cb.State())

	failN(t, cb, 4)
	assert.Equal(t, StateDegraded, cb.State())

	failN(t, cb, 1)
	assert.Equal(t, StateEmergency, cb.State())
}

func TestCircuitBreaker_EmergencyBypassesCall(t *testing.T) {
	cb := newTestBreaker(newFakeClock())
	failN(t, cb, 10)
	require.Equal(t, StateEmergency, cb.State())

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, ErrEmergency)
	assert.False(t, called)
	assert.EqualValues(t, 1, cb.Counts().Bypassed)
}

func TestCircuitBreaker_SuccessResetsCountButDoesNotHeal(t *testing.T) {
	cb := newTestBreaker(newFakeClock())
	failN(t, cb, 5)
	require.Equal(t, StateDegraded, cb.State())

	require.NoError(t, cb.Execute(context.Background(), ok))

	assert.Equal(t, StateDegraded, cb.State())
	assert.Equal(t, 0, cb.Counts().ConsecutiveFailures)
}

func TestCircuitBreaker_RecoveryStepsOneStageAtATime(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	failN(t, cb, 10)
	require.Equal(t, StateEmergency, cb.State())

	// Cooldown not elapsed: still bypassed.
	clock.Advance(time.Minute)
	assert.ErrorIs(t, cb.Execute(context.Background(), ok), ErrEmergency)

	clock.Advance(time.Minute)
	require.NoError(t, cb.Execute(context.Background(), ok))
	assert.Equal(t, StateDegraded, cb.State(), "a successful probe never skips degraded")

	// The step restarts the cooldown.
	require.NoError(t, cb.Execute(context.Background(), ok))
	assert.Equal(t, StateDegraded, cb.State())

	clock.Advance(2 * time.Minute)
	require.NoError(t, cb.Execute(context.Background(), ok))
	assert.Equal(t, StateHealthy, cb.State())
}

func TestCircuitBreaker_FailedProbeResetsCooldown(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	failN(t, cb, 10)

	clock.Advance(2 * time.Minute)
	assert.ErrorIs(t, cb.Execute(context.Background(), fail), errBoom)
	assert.Equal(t, StateEmergency, cb.State())

	clock.Advance(time.Minute)
	assert.ErrorIs(t, cb.Execute(context.Background(), ok), ErrEmergency)

	clock.Advance(time.Minute)
	assert.NoError(t, cb.Execute(context.Background(), ok))
	assert.Equal(t, StateDegraded, cb.State())
}

func TestCircuitBreaker_ExplicitProbe(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)

	assert.NoError(t, cb.Probe(context.Background(), fail), "healthy services are not probed")

	failN(t, cb, 5)
	assert.ErrorIs(t, cb.Probe(context.Background(), ok), ErrCooldown)

	clock.Advance(2 * time.Minute)
	assert.True(t, cb.ProbeDue())
	require.NoError(t, cb.Probe(context.Background(), ok))
	assert.Equal(t, StateHealthy, cb.State())
}

func TestCircuitBreaker_TimeoutCountsAsFailure(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), WithCallTimeout(10*time.Millisecond))

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(5 * time.Millisecond)
		return nil
	})

	assert.ErrorIs(t, err, ErrTimeout)
	counts := cb.Counts()
	assert.EqualValues(t, 1, counts.Timeouts)
	assert.Equal(t, 1, counts.ConsecutiveFailures)
}

func TestCircuitBreaker_PanicIsRecovered(t *testing.T) {
	cb := newTestBreaker(newFakeClock())

	err := cb.Execute(context.Background(), func(context.Context) error {
		panic("kaboom")
	})

	assert.ErrorIs(t, err, ErrPanic)
	assert.Equal(t, 1, cb.Counts().ConsecutiveFailures)
}

func TestCircuitBreaker_StatusAndCallback(t *testing.T) {
	var transitions []State
	cb := newTestBreaker(newFakeClock(), WithMaxEvents(4), WithOnStateChange(func(_ string, _, to State) {
		transitions = append(transitions, to)
	}))

	failN(t, cb, 10)

	status := cb.Status()
	assert.Equal(t, "test", status.Name)
	assert.Equal(t, StateEmergency, status.State)
	assert.Len(t, status.RecentEvents, 4)
	assert.Equal(t, EventTransition, status.RecentEvents[3].Kind)
	assert.Equal(t, 2*time.Minute, status.CooldownRemaining)
	assert.Equal(t, []State{StateDegraded, StateEmergency}, transitions)

	cb.Reset()
	assert.True(t, cb.IsHealthy())
}

func TestCall_UsesFallbackOnFailure(t *testing.T) {
	cb := newTestBreaker(newFakeClock())

	res := Call(context.Background(), cb, func(context.Context) (float64, error) {
		return 0, errBoom
	}, func(error) float64 { return 0.5 })

	assert.True(t, res.Fallback)
	assert.Equal(t, 0.5, res.Value)
	assert.ErrorIs(t, res.Err, errBoom)

	res = Call(context.Background(), cb, func(context.Context) (float64, error) {
		return 0.9, nil
	}, func(error) float64 { return 0.5 })

	assert.False(t, res.Fallback)
	assert.Equal(t, 0.9, res.Value)
}

func TestCircuitBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), WithFailureThreshold(2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 4; i++ {
		err := cb.Execute(ctx, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, ErrCanceled)
		assert.ErrorIs(t, err, context.Canceled)
	}

	counts := cb.Counts()
	assert.Equal(t, StateHealthy, cb.State())
	assert.Equal(t, 0, counts.ConsecutiveFailures)
	assert.EqualValues(t, 0, counts.TotalFailures)
	assert.EqualValues(t, 4, counts.Canceled)
}

func TestCircuitBreaker_CancelDuringSlowCall(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), WithCallTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(5*time.Millisecond, cancel)

	err := cb.Execute(ctx, func(context.Context) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})

	assert.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, 0, cb.Counts().ConsecutiveFailures)
}

func TestCircuitBreaker_CanceledProbeReleasesSlot(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	failN(t, cb, 10)
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, cb.Probe(ctx, func(ctx context.Context) error { return ctx.Err() }), ErrCanceled)
	assert.Equal(t, StateEmergency, cb.State())

	require.NoError(t, cb.Probe(context.Background(), ok))
	assert.Equal(t, StateDegraded, cb.State())
}

func TestCall_CanceledGetsNoFallback(t *testing.T) {
	cb := newTestBreaker(newFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Call(ctx, cb, func(ctx context.Context) (float64, error) {
		return 0, ctx.Err()
	}, func(error) float64 { return 0.5 })

	assert.False(t, res.Fallback)
	assert.ErrorIs(t, res.Err, ErrCanceled)
	assert.Zero(t, res.Value)
}
