// Package service orchestrates the rate limit decision: policy
// resolution, counter execution behind the circuit breaker and retry,
// fail-mode enforcement, and asynchronous event emission. The decision
// path never surfaces infrastructure failures to the caller; it degrades
// according to the governing policy's fail mode.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/limitgate/backend/internal/circuitbreaker"
	"github.com/limitgate/backend/internal/config"
	"github.com/limitgate/backend/internal/core"
	"github.com/limitgate/backend/internal/counter"
	"github.com/limitgate/backend/internal/events"
	"github.com/limitgate/backend/internal/ingest"
	"github.com/limitgate/backend/internal/limiter"
	"github.com/limitgate/backend/internal/metrics"
	"github.com/limitgate/backend/internal/resolver"
)

// algorithmNone marks a response produced without a governing policy.
const algorithmNone = "NONE"

// algorithmError marks a response produced before any policy was known.
const algorithmError = "ERROR"

// Checker makes rate limit decisions.
type Checker struct {
	resolver   *resolver.Resolver
	strategies *limiter.Factory
	breaker    *circuitbreaker.CircuitBreaker
	queue      *ingest.Queue
	bus        events.Emitter

	retryAttempts int
	retryBackoff  time.Duration
}

// NewChecker wires the decision path. The counter-store breaker is
// registered on the shared manager so diagnostics see it.
func NewChecker(res *resolver.Resolver, strategies *limiter.Factory, cbm *circuitbreaker.Manager,
	queue *ingest.Queue, bus events.Emitter, cfg *config.Config) *Checker {

	bc := cfg.Breakers.CounterStore
	cb := cbm.GetOrCreate("counter-store", &circuitbreaker.Config{
		WindowSize:           bc.WindowSize,
		MinimumCalls:         bc.MinimumCalls,
		FailureRateThreshold: bc.FailureRateThreshold,
		OpenDuration:         bc.OpenDuration,
		HalfOpenCalls:        bc.HalfOpenCalls,
		IsFailure:            core.CountsAsBreakerFailure,
	})
	return &Checker{
		resolver:      res,
		strategies:    strategies,
		breaker:       cb,
		queue:         queue,
		bus:           bus,
		retryAttempts: cfg.Redis.RetryAttempts,
		retryBackoff:  cfg.Redis.RetryBackoff,
	}
}

// Check decides one request. The only error it returns is INVALID_INPUT
// on a malformed request; every infrastructure failure is absorbed into a
// fail-mode decision.
func (c *Checker) Check(ctx context.Context, req *core.CheckRequest) (*core.CheckResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	policy, err := c.resolver.Resolve(ctx, req)
	if err != nil {
		// Resolution failed before any policy was known: no fail mode to
		// consult, so fail closed.
		slog.Error("policy resolution failed", "error", err, "identifier", req.Identifier)
		return &core.CheckResponse{Allowed: false, Algorithm: algorithmError}, nil
	}
	if policy == nil {
		// Exhausted cascade. Unmatched traffic is rejected, never silently
		// admitted.
		return &core.CheckResponse{Allowed: false, Algorithm: algorithmNone}, nil
	}
	if !policy.Enabled {
		// A disabled policy still resolves; it rejects instead of falling
		// through to a laxer default.
		resp := c.deniedResponse(policy)
		c.record(req, policy, core.RateLimitResult{})
		return resp, nil
	}

	strategy, err := c.strategies.For(policy.Algorithm)
	if err != nil {
		slog.Error("no strategy for policy", "policy_id", policy.ID, "algorithm", policy.Algorithm)
		return c.failModeResponse(policy), nil
	}

	result, err := c.execute(ctx, strategy, policy, req.Identifier, req.Cost())
	if err != nil {
		if core.IsKind(err, core.KindInvalidInput) {
			return nil, err
		}
		slog.Warn("counter check failed, applying fail mode",
			"policy_id", policy.ID, "fail_mode", policy.FailMode, "error", err)
		resp := c.failModeResponse(policy)
		c.record(req, policy, core.RateLimitResult{Allowed: resp.Allowed, Remaining: resp.Remaining})
		return resp, nil
	}

	resp := &core.CheckResponse{
		Allowed:        result.Allowed,
		Remaining:      result.Remaining,
		Limit:          policy.MaxRequests,
		ResetInSeconds: result.ResetSeconds,
		PolicyID:       &policy.ID,
		Algorithm:      string(policy.Algorithm),
	}
	if !result.Allowed {
		retry := result.ResetSeconds
		resp.RetryAfter = &retry
	}
	c.record(req, policy, result)
	return resp, nil
}

// execute runs the strategy with retry outside the breaker so every
// attempt is accounted in the breaker window and an opening breaker cuts
// the retry loop short. The timestamp and nonce are minted once here so
// every retry attempt replays the same counter mutation; without that a
// sliding-log request whose first attempt committed but timed out on the
// reply would be counted twice.
func (c *Checker) execute(ctx context.Context, strategy limiter.Strategy, policy *core.Policy,
	identifier string, cost int64) (core.RateLimitResult, error) {

	lr := limiter.Request{
		Identifier: identifier,
		Cost:       cost,
		At:         time.Now(),
		Nonce:      uuid.NewString(),
	}
	var result core.RateLimitResult
	err := circuitbreaker.Retry(ctx, c.retryAttempts, c.retryBackoff, retryable, func() error {
		execErr := c.breaker.Execute(func() error {
			var cerr error
			result, cerr = strategy.Check(ctx, policy, lr)
			return cerr
		})
		if errors.Is(execErr, circuitbreaker.ErrCircuitOpen) {
			return core.E(core.KindCircuitOpen, "counter store circuit open")
		}
		return execErr
	})
	return result, err
}

// retryable limits retries to transient counter transport failures.
func retryable(err error) bool {
	return core.IsKind(err, core.KindStoreUnavailable)
}

func validateRequest(req *core.CheckRequest) error {
	if req.Identifier == "" {
		return core.E(core.KindInvalidInput, "identifier is required")
	}
	if len(req.Identifier) > counter.MaxIdentifierLen {
		return core.E(core.KindInvalidInput, "identifier exceeds %d bytes", counter.MaxIdentifierLen)
	}
	if strings.TrimSpace(req.Scope) == "" {
		return core.E(core.KindInvalidInput, "scope is required")
	}
	return nil
}

// failModeResponse degrades per the policy's fail mode: FAIL_OPEN admits
// with full quota reported, FAIL_CLOSED rejects.
func (c *Checker) failModeResponse(policy *core.Policy) *core.CheckResponse {
	if policy.FailMode == core.FailOpen {
		return &core.CheckResponse{
			Allowed:   true,
			Remaining: policy.MaxRequests,
			Limit:     policy.MaxRequests,
			PolicyID:  &policy.ID,
			Algorithm: string(policy.Algorithm),
		}
	}
	return &core.CheckResponse{
		Allowed:   false,
		Limit:     policy.MaxRequests,
		PolicyID:  &policy.ID,
		Algorithm: string(policy.Algorithm),
	}
}

func (c *Checker) deniedResponse(policy *core.Policy) *core.CheckResponse {
	return &core.CheckResponse{
		Allowed:   false,
		Limit:     policy.MaxRequests,
		PolicyID:  &policy.ID,
		Algorithm: string(policy.Algorithm),
	}
}

// record publishes the decision to the async pipeline, the live metrics
// and the event bus. Nothing here can fail the decision.
func (c *Checker) record(req *core.CheckRequest, policy *core.Policy, result core.RateLimitResult) {
	// The event records what the caller said the identifier is, not the
	// scope of whichever policy happened to govern; a user hitting the
	// global default is still a USER in the analytics.
	idType := core.IdentifierTypeForScope(core.ParseScope(req.Scope))

	if c.queue != nil {
		c.queue.Enqueue(core.RateLimitEvent{
			PolicyID:       policy.ID,
			Identifier:     req.Identifier,
			IdentifierType: idType,
			Allowed:        result.Allowed,
			Remaining:      result.Remaining,
			LimitValue:     policy.MaxRequests,
			IPAddress:      req.IPAddress,
			Resource:       req.Resource,
		})
	}
	metrics.ObserveDecision(policy.ID.String(), string(idType), result.Allowed, result.Remaining, policy.MaxRequests)
	if c.bus != nil {
		c.bus.Emit(events.TypeDecision, req.Identifier, map[string]interface{}{
			"policy_id":       policy.ID.String(),
			"identifier_type": string(idType),
			"allowed":         result.Allowed,
			"remaining":       result.Remaining,
			"limit":           policy.MaxRequests,
		})
	}
}

// Breaker exposes the counter-store breaker for diagnostics.
func (c *Checker) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }
