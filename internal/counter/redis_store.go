// Package counter executes the rate-limit counting algorithms as atomic
// server-side Lua scripts against Redis. The adapter is stateless; all
// counter state lives in the store and carries a TTL.
package counter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/limitgate/backend/internal/core"
)

// MaxIdentifierLen bounds identifier bytes to prevent key-space explosion.
const MaxIdentifierLen = 255

// Params carries the algorithm parameters marshaled into script arguments.
type Params struct {
	MaxRequests   int64
	WindowSeconds int64
	Capacity      int64   // token bucket
	RefillRate    float64 // token bucket, tokens/sec
	Cost          int64
	NowMS         int64  // 0 means wall clock
	Nonce         string // sliding log dedup member prefix; generated if empty
}

// Executor is the single operation the strategies depend on.
type Executor interface {
	Execute(ctx context.Context, algo core.Algorithm, key string, p Params) (core.RateLimitResult, error)
}

// BuildKey assembles the counter key: rl:{algo_tag}:{scope}:{identifier}
// with an optional policy-id suffix so distinct policies never share a
// budget. Identifiers are validated here, once, for every algorithm.
func BuildKey(algo core.Algorithm, scope core.Scope, identifier string, policyID *uuid.UUID) (string, error) {
	if identifier == "" {
		return "", core.E(core.KindInvalidInput, "identifier is required")
	}
	if len(identifier) > MaxIdentifierLen {
		return "", core.E(core.KindInvalidInput, "identifier exceeds %d bytes", MaxIdentifierLen)
	}
	key := fmt.Sprintf("rl:%s:%s:%s", algo.Tag(), strings.ToLower(string(scope)), identifier)
	if policyID != nil {
		key += ":" + policyID.String()
	}
	return key, nil
}

// RedisStore runs the three algorithm scripts on a Redis client. Scripts
// are registered once per process; go-redis re-uploads transparently when
// the server replies NOSCRIPT.
type RedisStore struct {
	rdb         redis.UniversalClient
	callTimeout time.Duration

	tokenBucket *redis.Script
	fixedWindow *redis.Script
	slidingLog  *redis.Script
}

// NewRedisStore connects to Redis and registers the algorithm scripts.
func NewRedisStore(addr, password string, db, poolSize int, connectTimeout, callTimeout time.Duration) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  connectTimeout,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, core.Wrap(core.KindStoreUnavailable, err, "redis ping failed (%s)", addr)
	}

	slog.Info("counter store connected", "addr", addr, "db", db)
	return NewRedisStoreWithClient(rdb, callTimeout), nil
}

// NewRedisStoreWithClient wraps an existing client (used by tests with
// miniredis or a shared pool).
func NewRedisStoreWithClient(rdb redis.UniversalClient, callTimeout time.Duration) *RedisStore {
	if callTimeout <= 0 {
		callTimeout = 50 * time.Millisecond
	}
	return &RedisStore{
		rdb:         rdb,
		callTimeout: callTimeout,
		tokenBucket: redis.NewScript(tokenBucketScript),
		fixedWindow: redis.NewScript(fixedWindowScript),
		slidingLog:  redis.NewScript(slidingLogScript),
	}
}

// Close shuts down the underlying client.
func (s *RedisStore) Close() error { return s.rdb.Close() }

// Ping reports store reachability for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Execute runs one atomic counting operation. Any transport failure maps
// to STORE_UNAVAILABLE; a malformed script reply maps to SCRIPT_ERROR.
// The adapter never retries (that is the resilience layer's job).
func (s *RedisStore) Execute(ctx context.Context, algo core.Algorithm, key string, p Params) (core.RateLimitResult, error) {
	if p.Cost <= 0 {
		p.Cost = 1
	}
	nowMS := p.NowMS
	if nowMS == 0 {
		nowMS = time.Now().UnixMilli()
	}
	ttl := 2 * p.WindowSeconds
	if ttl <= 0 {
		ttl = 60
	}

	var script *redis.Script
	var argv []interface{}
	switch algo {
	case core.AlgorithmTokenBucket:
		script = s.tokenBucket
		argv = []interface{}{p.Capacity, p.RefillRate, nowMS, p.Cost, ttl}
	case core.AlgorithmFixedWindow:
		script = s.fixedWindow
		argv = []interface{}{p.MaxRequests, p.WindowSeconds, nowMS / 1000, p.Cost}
	case core.AlgorithmSlidingLog:
		script = s.slidingLog
		nonce := p.Nonce
		if nonce == "" {
			nonce = uuid.NewString()
		}
		argv = []interface{}{p.MaxRequests, p.WindowSeconds * 1000, nowMS, p.Cost, ttl, nonce}
	default:
		return core.RateLimitResult{}, core.E(core.KindInvalidInput, "unknown algorithm %q", algo)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	raw, err := script.Run(callCtx, s.rdb, []string{key}, argv...).Result()
	if err != nil {
		return core.RateLimitResult{}, core.Wrap(core.KindStoreUnavailable, err, "counter script %s", algo.Tag())
	}
	return parseReply(raw)
}

// parseReply validates the 3-element integer tuple returned by every script.
func parseReply(raw interface{}) (core.RateLimitResult, error) {
	tuple, ok := raw.([]interface{})
	if !ok || len(tuple) != 3 {
		return core.RateLimitResult{}, core.E(core.KindScriptError, "malformed script reply %T", raw)
	}
	vals := make([]int64, 3)
	for i, v := range tuple {
		n, ok := v.(int64)
		if !ok || n < 0 {
			return core.RateLimitResult{}, core.E(core.KindScriptError, "non-integer script reply element %v", v)
		}
		vals[i] = n
	}
	return core.RateLimitResult{
		Allowed:      vals[0] == 1,
		Remaining:    vals[1],
		ResetSeconds: vals[2],
	}, nil
}
