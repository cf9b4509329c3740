// Package limiter maps policies onto the counter store. Each algorithm is
// a stateless strategy value dispatched through a small table keyed by the
// Algorithm tag; strategies validate policy parameters, build the counter
// key and parameter vector, and parse nothing themselves — the counter
// adapter owns the wire format.
package limiter

import (
	"context"
	"time"

	"github.com/limitgate/backend/internal/core"
	"github.com/limitgate/backend/internal/counter"
)

// Request carries one admission attempt. At and Nonce are minted once
// per client request by the caller, so a retried attempt replays the
// same counter mutation instead of double-counting it.
type Request struct {
	Identifier string
	Cost       int64
	At         time.Time
	Nonce      string
}

func (r Request) nowMS() int64 {
	if r.At.IsZero() {
		return 0 // store falls back to wall clock
	}
	return r.At.UnixMilli()
}

// Strategy checks one request against one policy. Implementations are
// stateless and safe for concurrent use.
type Strategy interface {
	Algorithm() core.Algorithm
	Check(ctx context.Context, policy *core.Policy, req Request) (core.RateLimitResult, error)
}

// Factory resolves the strategy for a policy's algorithm.
type Factory struct {
	strategies map[core.Algorithm]Strategy
}

// NewFactory builds the strategy table over a counter executor.
func NewFactory(exec counter.Executor) *Factory {
	return &Factory{strategies: map[core.Algorithm]Strategy{
		core.AlgorithmTokenBucket: tokenBucket{exec: exec},
		core.AlgorithmFixedWindow: fixedWindow{exec: exec},
		core.AlgorithmSlidingLog:  slidingLog{exec: exec},
	}}
}

// For returns the strategy for the given algorithm.
func (f *Factory) For(algo core.Algorithm) (Strategy, error) {
	s, ok := f.strategies[algo]
	if !ok {
		return nil, core.E(core.KindInvalidInput, "unsupported algorithm %q", algo)
	}
	return s, nil
}

func validateCommon(p *core.Policy, cost int64) error {
	if p.MaxRequests <= 0 {
		return core.E(core.KindInvalidInput, "policy %s: max_requests must be positive", p.ID)
	}
	if p.WindowSeconds <= 0 {
		return core.E(core.KindInvalidInput, "policy %s: window_seconds must be positive", p.ID)
	}
	if cost <= 0 {
		return core.E(core.KindInvalidInput, "cost must be positive")
	}
	return nil
}

type tokenBucket struct{ exec counter.Executor }

func (tokenBucket) Algorithm() core.Algorithm { return core.AlgorithmTokenBucket }

func (s tokenBucket) Check(ctx context.Context, p *core.Policy, req Request) (core.RateLimitResult, error) {
	if err := validateCommon(p, req.Cost); err != nil {
		return core.RateLimitResult{}, err
	}
	refill := p.EffectiveRefillRate()
	if refill <= 0 {
		return core.RateLimitResult{}, core.E(core.KindInvalidInput, "policy %s: refill rate must be positive", p.ID)
	}
	key, err := counter.BuildKey(core.AlgorithmTokenBucket, p.Scope, req.Identifier, &p.ID)
	if err != nil {
		return core.RateLimitResult{}, err
	}
	return s.exec.Execute(ctx, core.AlgorithmTokenBucket, key, counter.Params{
		MaxRequests:   p.MaxRequests,
		WindowSeconds: p.WindowSeconds,
		Capacity:      p.EffectiveBurst(),
		RefillRate:    refill,
		Cost:          req.Cost,
		NowMS:         req.nowMS(),
	})
}

type fixedWindow struct{ exec counter.Executor }

func (fixedWindow) Algorithm() core.Algorithm { return core.AlgorithmFixedWindow }

func (s fixedWindow) Check(ctx context.Context, p *core.Policy, req Request) (core.RateLimitResult, error) {
	if err := validateCommon(p, req.Cost); err != nil {
		return core.RateLimitResult{}, err
	}
	key, err := counter.BuildKey(core.AlgorithmFixedWindow, p.Scope, req.Identifier, &p.ID)
	if err != nil {
		return core.RateLimitResult{}, err
	}
	return s.exec.Execute(ctx, core.AlgorithmFixedWindow, key, counter.Params{
		MaxRequests:   p.MaxRequests,
		WindowSeconds: p.WindowSeconds,
		Cost:          req.Cost,
		NowMS:         req.nowMS(),
	})
}

type slidingLog struct{ exec counter.Executor }

func (slidingLog) Algorithm() core.Algorithm { return core.AlgorithmSlidingLog }

func (s slidingLog) Check(ctx context.Context, p *core.Policy, req Request) (core.RateLimitResult, error) {
	if err := validateCommon(p, req.Cost); err != nil {
		return core.RateLimitResult{}, err
	}
	if req.Cost > p.MaxRequests {
		// Can never be admitted; deny without touching the store.
		return core.RateLimitResult{Allowed: false, Remaining: 0, ResetSeconds: p.WindowSeconds}, nil
	}
	key, err := counter.BuildKey(core.AlgorithmSlidingLog, p.Scope, req.Identifier, &p.ID)
	if err != nil {
		return core.RateLimitResult{}, err
	}
	return s.exec.Execute(ctx, core.AlgorithmSlidingLog, key, counter.Params{
		MaxRequests:   p.MaxRequests,
		WindowSeconds: p.WindowSeconds,
		Cost:          req.Cost,
		NowMS:         req.nowMS(),
		Nonce:         req.Nonce,
	})
}
