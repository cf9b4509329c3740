package counter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limitgate/backend/internal/core"
)

// Script behavior is tested against miniredis with time driven through
// Params.NowMS, so every assertion is deterministic.

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStoreWithClient(rdb, time.Second)
}

const baseMS = int64(1_000_000_000_000)

func TestTokenBucketScriptRefill(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := Params{Capacity: 10, RefillRate: 1, WindowSeconds: 60, NowMS: baseMS}

	p.Cost = 10
	res, err := s.Execute(ctx, core.AlgorithmTokenBucket, "rl:tb:t:k", p)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)

	p.Cost = 1
	res, err = s.Execute(ctx, core.AlgorithmTokenBucket, "rl:tb:t:k", p)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "empty bucket denies")
	assert.Equal(t, int64(1), res.ResetSeconds, "one token refills in one second")

	// Five seconds later five tokens have refilled.
	p.NowMS = baseMS + 5_000
	res, err = s.Execute(ctx, core.AlgorithmTokenBucket, "rl:tb:t:k", p)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(4), res.Remaining)
}

func TestFixedWindowScriptRollover(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := Params{MaxRequests: 3, WindowSeconds: 10, Cost: 1, NowMS: baseMS}

	for _, want := range []int64{2, 1, 0} {
		res, err := s.Execute(ctx, core.AlgorithmFixedWindow, "rl:fw:t:k", p)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, want, res.Remaining)
	}

	res, err := s.Execute(ctx, core.AlgorithmFixedWindow, "rl:fw:t:k", p)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "window budget is exhausted")
	assert.Equal(t, int64(0), res.Remaining)
	assert.Equal(t, int64(10), res.ResetSeconds)

	// Denials never roll back the counter.
	res, err = s.Execute(ctx, core.AlgorithmFixedWindow, "rl:fw:t:k", p)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// The next epoch starts fresh.
	p.NowMS = baseMS + 10_000
	res, err = s.Execute(ctx, core.AlgorithmFixedWindow, "rl:fw:t:k", p)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(2), res.Remaining)
}

func TestSlidingLogScriptTrimsExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := Params{MaxRequests: 2, WindowSeconds: 10, Cost: 1}

	p.NowMS, p.Nonce = baseMS, "a"
	res, err := s.Execute(ctx, core.AlgorithmSlidingLog, "rl:sl:t:k", p)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	p.NowMS, p.Nonce = baseMS+2_000, "b"
	res, err = s.Execute(ctx, core.AlgorithmSlidingLog, "rl:sl:t:k", p)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)

	p.NowMS, p.Nonce = baseMS+3_000, "c"
	res, err = s.Execute(ctx, core.AlgorithmSlidingLog, "rl:sl:t:k", p)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "log is full")
	assert.Equal(t, int64(7), res.ResetSeconds, "oldest entry ages out in 7s")

	// Eleven seconds in, the first entry has left the window.
	p.NowMS, p.Nonce = baseMS+11_000, "d"
	res, err = s.Execute(ctx, core.AlgorithmSlidingLog, "rl:sl:t:k", p)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)
}

func TestSlidingLogScriptReplayIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := Params{MaxRequests: 3, WindowSeconds: 10, Cost: 2, NowMS: baseMS, Nonce: "n1"}

	res, err := s.Execute(ctx, core.AlgorithmSlidingLog, "rl:sl:t:k", p)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Remaining)

	// A retry after a committed-but-lost first attempt carries the same
	// nonce and timestamp; it overwrites its own entries instead of
	// consuming fresh budget.
	res, err = s.Execute(ctx, core.AlgorithmSlidingLog, "rl:sl:t:k", p)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "replaying the same request is not double-counted")
	assert.Equal(t, int64(1), res.Remaining)

	// A different request still sees the consumed budget.
	p.Nonce = "n2"
	res, err = s.Execute(ctx, core.AlgorithmSlidingLog, "rl:sl:t:k", p)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}
