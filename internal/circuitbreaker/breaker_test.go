package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func testConfig() *Config {
	return &Config{
		Name:                 "test",
		WindowSize:           10,
		MinimumCalls:         5,
		FailureRateThreshold: 50,
		OpenDuration:         50 * time.Millisecond,
		HalfOpenCalls:        3,
	}
}

func fail(cb *CircuitBreaker) error { return cb.Execute(func() error { return errBoom }) }
func succeed(cb *CircuitBreaker)    { _ = cb.Execute(func() error { return nil }) }

func TestBreakerStaysClosedBelowMinimumCalls(t *testing.T) {
	cb := New(testConfig())
	for i := 0; i < 4; i++ {
		require.Equal(t, errBoom, fail(cb))
	}
	assert.Equal(t, StateClosed, cb.State(), "all failures but below minimum_calls")
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb := New(testConfig())
	succeed(cb)
	succeed(cb)
	for i := 0; i < 3; i++ {
		fail(cb)
	}
	// 5 calls, 3 failures = 60% >= 50%.
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(func() error { t.Fatal("must not run while open"); return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cfg := testConfig()
	cb := New(cfg)
	for i := 0; i < 5; i++ {
		fail(cb)
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(cfg.OpenDuration + 10*time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	// 3 probes, all succeed: majority closes.
	succeed(cb)
	succeed(cb)
	succeed(cb)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := testConfig()
	cb := New(cfg)
	for i := 0; i < 5; i++ {
		fail(cb)
	}
	time.Sleep(cfg.OpenDuration + 10*time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	succeed(cb)
	fail(cb)
	assert.Equal(t, StateOpen, cb.State(), "any probe failure reopens immediately")
}

func TestBreakerHalfOpenCapsProbes(t *testing.T) {
	cfg := testConfig()
	cfg.HalfOpenCalls = 1
	cb := New(cfg)
	for i := 0; i < 5; i++ {
		fail(cb)
	}
	time.Sleep(cfg.OpenDuration + 10*time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	succeed(cb) // single permitted probe closes (1 of 1 is a majority)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerIsFailureClassifier(t *testing.T) {
	cfg := testConfig()
	semantic := errors.New("not found")
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, semantic) }
	cb := New(cfg)

	for i := 0; i < 10; i++ {
		_ = cb.Execute(func() error { return semantic })
	}
	assert.Equal(t, StateClosed, cb.State(), "semantic errors never trip the breaker")
}

func TestBreakerStateChangeCallback(t *testing.T) {
	cfg := testConfig()
	var transitions []string
	cfg.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	}
	cb := New(cfg)
	for i := 0; i < 5; i++ {
		fail(cb)
	}
	require.Equal(t, StateOpen, cb.State())
	assert.Equal(t, []string{"CLOSED>OPEN"}, transitions)
}

func TestManagerGetOrCreate(t *testing.T) {
	m := NewManager()
	a := m.GetOrCreate("x", nil)
	b := m.GetOrCreate("x", testConfig())
	assert.Same(t, a, b)

	status, states := m.HealthStatus()
	assert.Equal(t, "HEALTHY", status)
	assert.Equal(t, "CLOSED", states["x"])
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func(error) bool { return false }, func() error {
		calls++
		return errBoom
	})
	assert.Equal(t, errBoom, err)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func(error) bool { return true }, func() error {
		calls++
		return errBoom
	})
	assert.Equal(t, errBoom, err)
	assert.Equal(t, 3, calls)
}

func TestRetrySucceedsMidway(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func(error) bool { return true }, func() error {
		calls++
		if calls < 2 {
			return errBoom
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, 3, time.Hour, func(error) bool { return true }, func() error { return errBoom })
	assert.ErrorIs(t, err, context.Canceled)
}
