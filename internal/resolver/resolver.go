// Package resolver decides which policy governs a request. Resolution
// walks a fixed cascade and stops at the first hit:
//
//	1. explicit policy id on the request
//	2. policy rule matching the resource path and method
//	3. IP rule for the caller address (tenant rules before global,
//	   exact addresses before CIDR ranges)
//	4. tenant default policy
//	5. global default policy
//
// A cascade tier that yields NOT_FOUND falls through to the next; any
// transport failure aborts resolution so the caller can apply its fail
// mode. A fully exhausted cascade returns no policy.
package resolver

import (
	"context"
	"net"

	"github.com/google/uuid"

	"github.com/limitgate/backend/internal/core"
	"github.com/limitgate/backend/internal/match"
)

// ConfigSource is the slice of the config cache the resolver needs.
type ConfigSource interface {
	GetPolicy(ctx context.Context, id uuid.UUID) (*core.Policy, error)
	GetTenantDefaultPolicy(ctx context.Context, tenantID uuid.UUID) (*core.Policy, error)
	GetGlobalDefaultPolicy(ctx context.Context) (*core.Policy, error)
	EnabledPolicyRules(ctx context.Context) ([]core.PolicyRule, error)
	EnabledIPRules(ctx context.Context, tenantID *uuid.UUID) ([]core.IPRule, error)
	CachedIPResolution(tenantID *uuid.UUID, ip string) (*core.IPRule, bool)
	StoreIPResolution(tenantID *uuid.UUID, ip string, rule *core.IPRule)
}

// Resolver resolves policies through the cached config layer.
type Resolver struct {
	cfg ConfigSource
}

// New creates a resolver over the config cache.
func New(cfg ConfigSource) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve returns the governing policy for a request, or nil when the
// cascade is exhausted. Disabled policies are returned as-is; enforcing
// the disabled state is the caller's decision.
func (r *Resolver) Resolve(ctx context.Context, req *core.CheckRequest) (*core.Policy, error) {
	// Tier 1: explicit policy reference.
	if req.PolicyID != nil {
		p, err := r.cfg.GetPolicy(ctx, *req.PolicyID)
		switch {
		case err == nil:
			return p, nil
		case core.IsKind(err, core.KindNotFound):
			// Stale reference; fall through the cascade.
		default:
			return nil, err
		}
	}

	// Tier 2: resource pattern rules.
	if req.Resource != "" {
		p, err := r.byResource(ctx, req.Resource, req.Method)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}

	// Tier 3: IP rules.
	if req.IPAddress != "" {
		p, err := r.byIP(ctx, req.TenantID, req.IPAddress)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}

	// Tier 4: tenant default.
	if req.TenantID != nil {
		p, err := r.cfg.GetTenantDefaultPolicy(ctx, *req.TenantID)
		switch {
		case err == nil:
			return p, nil
		case core.IsKind(err, core.KindNotFound):
		default:
			return nil, err
		}
	}

	// Tier 5: global default.
	p, err := r.cfg.GetGlobalDefaultPolicy(ctx)
	switch {
	case err == nil:
		return p, nil
	case core.IsKind(err, core.KindNotFound):
		return nil, nil
	default:
		return nil, err
	}
}

func (r *Resolver) byResource(ctx context.Context, path, method string) (*core.Policy, error) {
	rule, err := r.MatchPolicyRule(ctx, path, method)
	if err != nil || rule == nil {
		return nil, err
	}
	p, err := r.cfg.GetPolicy(ctx, rule.PolicyID)
	if core.IsKind(err, core.KindNotFound) {
		// Rule points at a policy deleted out from under the cached list.
		return nil, nil
	}
	return p, err
}

// MatchPolicyRule returns the highest-priority enabled rule matching a
// path and method, or nil. Also serves the diagnostics endpoint.
func (r *Resolver) MatchPolicyRule(ctx context.Context, path, method string) (*core.PolicyRule, error) {
	rules, err := r.cfg.EnabledPolicyRules(ctx)
	if err != nil {
		return nil, err
	}
	return match.SelectRule(rules, path, method), nil
}

func (r *Resolver) byIP(ctx context.Context, tenantID *uuid.UUID, ip string) (*core.Policy, error) {
	rule, err := r.MatchIPRule(ctx, tenantID, ip)
	if err != nil || rule == nil || rule.PolicyID == nil {
		return nil, err
	}
	p, err := r.cfg.GetPolicy(ctx, *rule.PolicyID)
	if core.IsKind(err, core.KindNotFound) {
		return nil, nil
	}
	return p, err
}

// MatchIPRule finds the winning IP rule for an address: tenant-scoped
// rules take precedence over global ones, and within each scope an exact
// address match beats a CIDR match. Results are cached per (scope, ip).
func (r *Resolver) MatchIPRule(ctx context.Context, tenantID *uuid.UUID, ip string) (*core.IPRule, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return nil, core.E(core.KindInvalidInput, "invalid ip address %q", ip)
	}

	if rule, ok := r.cfg.CachedIPResolution(tenantID, addr.String()); ok {
		return rule, nil
	}

	scopes := []*uuid.UUID{nil}
	if tenantID != nil {
		scopes = []*uuid.UUID{tenantID, nil}
	}
	for _, scope := range scopes {
		rules, err := r.cfg.EnabledIPRules(ctx, scope)
		if err != nil {
			return nil, err
		}
		if rule := matchInScope(rules, addr); rule != nil {
			r.cfg.StoreIPResolution(tenantID, addr.String(), rule)
			return rule, nil
		}
	}
	return nil, nil
}

// matchInScope scans one scope's rule list. The list arrives with exact
// rules ahead of CIDR rules, so the first hit is the winner.
func matchInScope(rules []core.IPRule, addr net.IP) *core.IPRule {
	for i := range rules {
		rule := &rules[i]
		switch {
		case rule.IPAddress != nil:
			if exact := net.ParseIP(*rule.IPAddress); exact != nil && exact.Equal(addr) {
				return rule
			}
		case rule.IPCIDR != nil:
			if _, network, err := net.ParseCIDR(*rule.IPCIDR); err == nil && network.Contains(addr) {
				return rule
			}
		}
	}
	return nil
}
