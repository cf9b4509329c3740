package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/limitgate/backend/internal/circuitbreaker"
	"github.com/limitgate/backend/internal/config"
	"github.com/limitgate/backend/internal/core"
	"github.com/limitgate/backend/internal/store"
)

// ruleListKey is the single key of the whole-list caches.
const ruleListKey = "all"

// globalListKey addresses global (tenant-less) IP rules.
const globalListKey = "global"

// ConfigCache fronts the config store with per-entity caches and routes
// every store call through the config-store circuit breaker. Reads serve
// from cache when fresh; writes pass through and invalidate. A miss is
// never cached.
type ConfigCache struct {
	store *store.Store
	cb    *circuitbreaker.CircuitBreaker

	policies       *Cache[*core.Policy]      // by id
	policiesByName *Cache[*core.Policy]      // by tenant-scoped name, plus default slots
	tenants        *Cache[*core.Tenant]
	ipRules        *Cache[*core.IPRule]      // by id
	ipResolution   *Cache[*core.IPRule]      // tenant|ip -> winning rule
	apiKeys        *Cache[*core.APIKey]      // by key hash
	policyRules    *Cache[[]core.PolicyRule] // enabled rules, priority-sorted
	ipRuleLists    *Cache[[]core.IPRule]     // per tenant, exact rules first
}

// NewConfigCache builds the cache layer from the cache table in cfg.
func NewConfigCache(s *store.Store, cbm *circuitbreaker.Manager, cfg *config.Config) *ConfigCache {
	bc := cfg.Breakers.ConfigStore
	cb := cbm.GetOrCreate("config-store", &circuitbreaker.Config{
		WindowSize:           bc.WindowSize,
		MinimumCalls:         bc.MinimumCalls,
		FailureRateThreshold: bc.FailureRateThreshold,
		OpenDuration:         bc.OpenDuration,
		HalfOpenCalls:        bc.HalfOpenCalls,
		IsFailure:            core.CountsAsBreakerFailure,
	})

	cc := cfg.Caches
	return &ConfigCache{
		store:          s,
		cb:             cb,
		policies:       newCache[*core.Policy](cc.PolicyByID),
		policiesByName: newCache[*core.Policy](cc.PolicyByName),
		tenants:        newCache[*core.Tenant](cc.TenantByID),
		ipRules:        newCache[*core.IPRule](cc.IPRuleByID),
		ipResolution:   newCache[*core.IPRule](cc.IPResolution),
		apiKeys:        newCache[*core.APIKey](cc.APIKeyByID),
		policyRules:    New[[]core.PolicyRule](4, cc.RuleListTTL, 0),
		ipRuleLists:    New[[]core.IPRule](1024, cc.IPRuleByID.TTL, 0),
	}
}

func newCache[V any](cfg config.CacheConfig) *Cache[V] {
	if cfg.Disabled {
		return nil
	}
	return New[V](cfg.MaxSize, cfg.TTL, cfg.IdleTTL)
}

func cacheGet[V any](c *Cache[V], key string) (V, bool) {
	if c == nil {
		var zero V
		return zero, false
	}
	return c.Get(key)
}

func cachePut[V any](c *Cache[V], key string, v V) {
	if c != nil {
		c.Put(key, v)
	}
}

func cacheDel[V any](c *Cache[V], key string) {
	if c != nil {
		c.Delete(key)
	}
}

func cacheClear[V any](c *Cache[V]) {
	if c != nil {
		c.Clear()
	}
}

// exec routes a store call through the breaker, translating the breaker's
// rejection into the CIRCUIT_OPEN error kind.
func (c *ConfigCache) exec(fn func() error) error {
	err := c.cb.Execute(fn)
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return core.E(core.KindCircuitOpen, "config store circuit open")
	}
	return err
}

// Breaker exposes the config-store breaker for diagnostics.
func (c *ConfigCache) Breaker() *circuitbreaker.CircuitBreaker { return c.cb }

// nameKey builds the tenant-scoped name cache key. The NUL prefix on the
// default slots keeps them out of the user-controlled name space.
func nameKey(tenantID *uuid.UUID, name string) string {
	if tenantID == nil {
		return "g|" + name
	}
	return tenantID.String() + "|" + name
}

func defaultKey(tenantID *uuid.UUID) string {
	if tenantID == nil {
		return "\x00default|global"
	}
	return "\x00default|" + tenantID.String()
}

// ── Tenants ──

func (c *ConfigCache) GetTenant(ctx context.Context, id uuid.UUID) (*core.Tenant, error) {
	if t, ok := cacheGet(c.tenants, id.String()); ok {
		return t, nil
	}
	var t *core.Tenant
	err := c.exec(func() error {
		var err error
		t, err = c.store.GetTenant(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	cachePut(c.tenants, id.String(), t)
	return t, nil
}

func (c *ConfigCache) CreateTenant(ctx context.Context, t *core.Tenant) error {
	err := c.exec(func() error { return c.store.CreateTenant(ctx, t) })
	if err != nil {
		return err
	}
	cachePut(c.tenants, t.ID.String(), t)
	return nil
}

func (c *ConfigCache) UpdateTenant(ctx context.Context, t *core.Tenant) error {
	err := c.exec(func() error { return c.store.UpdateTenant(ctx, t) })
	if err != nil {
		return err
	}
	cachePut(c.tenants, t.ID.String(), t)
	return nil
}

func (c *ConfigCache) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	err := c.exec(func() error { return c.store.DeleteTenant(ctx, id) })
	if err != nil {
		return err
	}
	// Tenant deletion cascades to policies, keys and rules; drop everything
	// derived from them.
	cacheDel(c.tenants, id.String())
	cacheClear(c.policies)
	cacheClear(c.policiesByName)
	cacheClear(c.apiKeys)
	c.invalidateIPRules()
	cacheClear(c.policyRules)
	return nil
}

func (c *ConfigCache) ListTenants(ctx context.Context) ([]core.Tenant, error) {
	var out []core.Tenant
	err := c.exec(func() error {
		var err error
		out, err = c.store.ListTenants(ctx)
		return err
	})
	return out, err
}

// ── Policies ──

func (c *ConfigCache) GetPolicy(ctx context.Context, id uuid.UUID) (*core.Policy, error) {
	if p, ok := cacheGet(c.policies, id.String()); ok {
		return p, nil
	}
	var p *core.Policy
	err := c.exec(func() error {
		var err error
		p, err = c.store.GetPolicy(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	cachePut(c.policies, id.String(), p)
	return p, nil
}

func (c *ConfigCache) GetPolicyByName(ctx context.Context, tenantID *uuid.UUID, name string) (*core.Policy, error) {
	key := nameKey(tenantID, name)
	if p, ok := cacheGet(c.policiesByName, key); ok {
		return p, nil
	}
	var p *core.Policy
	err := c.exec(func() error {
		var err error
		p, err = c.store.GetPolicyByName(ctx, tenantID, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	cachePut(c.policiesByName, key, p)
	return p, nil
}

func (c *ConfigCache) GetTenantDefaultPolicy(ctx context.Context, tenantID uuid.UUID) (*core.Policy, error) {
	key := defaultKey(&tenantID)
	if p, ok := cacheGet(c.policiesByName, key); ok {
		return p, nil
	}
	var p *core.Policy
	err := c.exec(func() error {
		var err error
		p, err = c.store.GetTenantDefaultPolicy(ctx, tenantID)
		return err
	})
	if err != nil {
		return nil, err
	}
	cachePut(c.policiesByName, key, p)
	return p, nil
}

func (c *ConfigCache) GetGlobalDefaultPolicy(ctx context.Context) (*core.Policy, error) {
	key := defaultKey(nil)
	if p, ok := cacheGet(c.policiesByName, key); ok {
		return p, nil
	}
	var p *core.Policy
	err := c.exec(func() error {
		var err error
		p, err = c.store.GetGlobalDefaultPolicy(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	cachePut(c.policiesByName, key, p)
	return p, nil
}

func (c *ConfigCache) ListPolicies(ctx context.Context, tenantID *uuid.UUID) ([]core.Policy, error) {
	var out []core.Policy
	err := c.exec(func() error {
		var err error
		out, err = c.store.ListPolicies(ctx, tenantID)
		return err
	})
	return out, err
}

// invalidatePolicyWrite is shared by every policy mutation: write-through
// on the id cache, full evict on the name cache because renames and
// default flips leave stale entries we cannot address individually.
func (c *ConfigCache) invalidatePolicyWrite(p *core.Policy) {
	if p != nil {
		cachePut(c.policies, p.ID.String(), p)
	}
	cacheClear(c.policiesByName)
}

func (c *ConfigCache) CreatePolicy(ctx context.Context, p *core.Policy) error {
	err := c.exec(func() error { return c.store.CreatePolicy(ctx, p) })
	if err != nil {
		return err
	}
	c.invalidatePolicyWrite(p)
	return nil
}

func (c *ConfigCache) UpdatePolicy(ctx context.Context, p *core.Policy) error {
	err := c.exec(func() error { return c.store.UpdatePolicy(ctx, p) })
	if err != nil {
		return err
	}
	c.invalidatePolicyWrite(p)
	return nil
}

func (c *ConfigCache) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	err := c.exec(func() error { return c.store.DeletePolicy(ctx, id) })
	if err != nil {
		return err
	}
	cacheDel(c.policies, id.String())
	cacheClear(c.policiesByName)
	// Rules referencing the policy cascaded away.
	cacheClear(c.policyRules)
	c.invalidateIPRules()
	return nil
}

// ── Policy rules ──

// EnabledPolicyRules returns the enabled rule list, cached whole and
// already sorted by priority.
func (c *ConfigCache) EnabledPolicyRules(ctx context.Context) ([]core.PolicyRule, error) {
	if rules, ok := c.policyRules.Get(ruleListKey); ok {
		return rules, nil
	}
	var rules []core.PolicyRule
	err := c.exec(func() error {
		var err error
		rules, err = c.store.ListEnabledPolicyRules(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.policyRules.Put(ruleListKey, rules)
	return rules, nil
}

func (c *ConfigCache) GetPolicyRule(ctx context.Context, id uuid.UUID) (*core.PolicyRule, error) {
	var r *core.PolicyRule
	err := c.exec(func() error {
		var err error
		r, err = c.store.GetPolicyRule(ctx, id)
		return err
	})
	return r, err
}

func (c *ConfigCache) ListPolicyRules(ctx context.Context, policyID *uuid.UUID) ([]core.PolicyRule, error) {
	var out []core.PolicyRule
	err := c.exec(func() error {
		var err error
		out, err = c.store.ListPolicyRules(ctx, policyID)
		return err
	})
	return out, err
}

func (c *ConfigCache) CreatePolicyRule(ctx context.Context, r *core.PolicyRule) error {
	err := c.exec(func() error { return c.store.CreatePolicyRule(ctx, r) })
	if err == nil {
		cacheClear(c.policyRules)
	}
	return err
}

func (c *ConfigCache) UpdatePolicyRule(ctx context.Context, r *core.PolicyRule) error {
	err := c.exec(func() error { return c.store.UpdatePolicyRule(ctx, r) })
	if err == nil {
		cacheClear(c.policyRules)
	}
	return err
}

func (c *ConfigCache) DeletePolicyRule(ctx context.Context, id uuid.UUID) error {
	err := c.exec(func() error { return c.store.DeletePolicyRule(ctx, id) })
	if err == nil {
		cacheClear(c.policyRules)
	}
	return err
}

// ── IP rules ──

func ipListKey(tenantID *uuid.UUID) string {
	if tenantID == nil {
		return globalListKey
	}
	return tenantID.String()
}

// EnabledIPRules returns the enabled rules for one tenant scope, exact
// addresses first.
func (c *ConfigCache) EnabledIPRules(ctx context.Context, tenantID *uuid.UUID) ([]core.IPRule, error) {
	key := ipListKey(tenantID)
	if rules, ok := c.ipRuleLists.Get(key); ok {
		return rules, nil
	}
	var rules []core.IPRule
	err := c.exec(func() error {
		var err error
		rules, err = c.store.ListEnabledIPRules(ctx, tenantID)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.ipRuleLists.Put(key, rules)
	return rules, nil
}

// CachedIPResolution returns a previously resolved winning rule for an
// address within a tenant scope.
func (c *ConfigCache) CachedIPResolution(tenantID *uuid.UUID, ip string) (*core.IPRule, bool) {
	return cacheGet(c.ipResolution, ipListKey(tenantID)+"|"+ip)
}

// StoreIPResolution records a resolved winning rule. Misses are never
// stored.
func (c *ConfigCache) StoreIPResolution(tenantID *uuid.UUID, ip string, rule *core.IPRule) {
	if rule == nil {
		return
	}
	cachePut(c.ipResolution, ipListKey(tenantID)+"|"+ip, rule)
}

// invalidateIPRules clears every IP-derived cache. Any rule write can
// change which rule wins for an address, so eviction is wholesale.
func (c *ConfigCache) invalidateIPRules() {
	cacheClear(c.ipRules)
	cacheClear(c.ipResolution)
	c.ipRuleLists.Clear()
}

func (c *ConfigCache) GetIPRule(ctx context.Context, id uuid.UUID) (*core.IPRule, error) {
	if r, ok := cacheGet(c.ipRules, id.String()); ok {
		return r, nil
	}
	var r *core.IPRule
	err := c.exec(func() error {
		var err error
		r, err = c.store.GetIPRule(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	cachePut(c.ipRules, id.String(), r)
	return r, nil
}

func (c *ConfigCache) ListIPRules(ctx context.Context) ([]core.IPRule, error) {
	var out []core.IPRule
	err := c.exec(func() error {
		var err error
		out, err = c.store.ListIPRules(ctx)
		return err
	})
	return out, err
}

func (c *ConfigCache) CreateIPRule(ctx context.Context, r *core.IPRule) error {
	err := c.exec(func() error { return c.store.CreateIPRule(ctx, r) })
	if err == nil {
		c.invalidateIPRules()
	}
	return err
}

func (c *ConfigCache) UpdateIPRule(ctx context.Context, r *core.IPRule) error {
	err := c.exec(func() error { return c.store.UpdateIPRule(ctx, r) })
	if err == nil {
		c.invalidateIPRules()
	}
	return err
}

func (c *ConfigCache) DeleteIPRule(ctx context.Context, id uuid.UUID) error {
	err := c.exec(func() error { return c.store.DeleteIPRule(ctx, id) })
	if err == nil {
		c.invalidateIPRules()
	}
	return err
}

// ── API keys ──

// GetAPIKeyByHash is the authentication lookup, cached by hash.
func (c *ConfigCache) GetAPIKeyByHash(ctx context.Context, hash string) (*core.APIKey, error) {
	if k, ok := cacheGet(c.apiKeys, hash); ok {
		return k, nil
	}
	var k *core.APIKey
	err := c.exec(func() error {
		var err error
		k, err = c.store.GetAPIKeyByHash(ctx, hash)
		return err
	})
	if err != nil {
		return nil, err
	}
	cachePut(c.apiKeys, hash, k)
	return k, nil
}

func (c *ConfigCache) GetAPIKey(ctx context.Context, id uuid.UUID) (*core.APIKey, error) {
	var k *core.APIKey
	err := c.exec(func() error {
		var err error
		k, err = c.store.GetAPIKey(ctx, id)
		return err
	})
	return k, err
}

func (c *ConfigCache) ListAPIKeys(ctx context.Context, tenantID *uuid.UUID) ([]core.APIKey, error) {
	var out []core.APIKey
	err := c.exec(func() error {
		var err error
		out, err = c.store.ListAPIKeys(ctx, tenantID)
		return err
	})
	return out, err
}

func (c *ConfigCache) CreateAPIKey(ctx context.Context, k *core.APIKey) error {
	return c.exec(func() error { return c.store.CreateAPIKey(ctx, k) })
}

// UpdateAPIKey mutates a key and evicts its hash cache entry so the next
// authentication sees the new state.
func (c *ConfigCache) UpdateAPIKey(ctx context.Context, k *core.APIKey) error {
	prev, err := c.GetAPIKey(ctx, k.ID)
	if err != nil {
		return err
	}
	if err := c.exec(func() error { return c.store.UpdateAPIKey(ctx, k) }); err != nil {
		return err
	}
	cacheDel(c.apiKeys, prev.KeyHash)
	return nil
}

func (c *ConfigCache) DeleteAPIKey(ctx context.Context, id uuid.UUID) error {
	prev, err := c.GetAPIKey(ctx, id)
	if err != nil {
		return err
	}
	if err := c.exec(func() error { return c.store.DeleteAPIKey(ctx, id) }); err != nil {
		return err
	}
	cacheDel(c.apiKeys, prev.KeyHash)
	return nil
}

// TouchAPIKeyLastUsed passes through; the cached record keeps its stale
// last_used_at until it expires, which is acceptable for a display field.
func (c *ConfigCache) TouchAPIKeyLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return c.exec(func() error { return c.store.TouchAPIKeyLastUsed(ctx, id, at) })
}

// ── User policies ──

func (c *ConfigCache) GetUserPolicy(ctx context.Context, userID string, tenantID uuid.UUID) (*core.UserPolicy, error) {
	var up *core.UserPolicy
	err := c.exec(func() error {
		var err error
		up, err = c.store.GetUserPolicy(ctx, userID, tenantID)
		return err
	})
	return up, err
}

func (c *ConfigCache) CreateUserPolicy(ctx context.Context, up *core.UserPolicy) error {
	return c.exec(func() error { return c.store.CreateUserPolicy(ctx, up) })
}

func (c *ConfigCache) ListUserPolicies(ctx context.Context, tenantID *uuid.UUID) ([]core.UserPolicy, error) {
	var out []core.UserPolicy
	err := c.exec(func() error {
		var err error
		out, err = c.store.ListUserPolicies(ctx, tenantID)
		return err
	})
	return out, err
}

func (c *ConfigCache) DeleteUserPolicy(ctx context.Context, id uuid.UUID) error {
	return c.exec(func() error { return c.store.DeleteUserPolicy(ctx, id) })
}

// ── Alert rules (pass-through, scanned on a timer) ──

func (c *ConfigCache) CreateAlertRule(ctx context.Context, a *core.AlertRule) error {
	return c.exec(func() error { return c.store.CreateAlertRule(ctx, a) })
}

func (c *ConfigCache) GetAlertRule(ctx context.Context, id uuid.UUID) (*core.AlertRule, error) {
	var a *core.AlertRule
	err := c.exec(func() error {
		var err error
		a, err = c.store.GetAlertRule(ctx, id)
		return err
	})
	return a, err
}

func (c *ConfigCache) ListAlertRules(ctx context.Context) ([]core.AlertRule, error) {
	var out []core.AlertRule
	err := c.exec(func() error {
		var err error
		out, err = c.store.ListAlertRules(ctx)
		return err
	})
	return out, err
}

func (c *ConfigCache) UpdateAlertRule(ctx context.Context, a *core.AlertRule) error {
	return c.exec(func() error { return c.store.UpdateAlertRule(ctx, a) })
}

func (c *ConfigCache) DeleteAlertRule(ctx context.Context, id uuid.UUID) error {
	return c.exec(func() error { return c.store.DeleteAlertRule(ctx, id) })
}

func (c *ConfigCache) ListEnabledAlertRules(ctx context.Context) ([]core.AlertRule, error) {
	var out []core.AlertRule
	err := c.exec(func() error {
		var err error
		out, err = c.store.ListEnabledAlertRules(ctx)
		return err
	})
	return out, err
}

func (c *ConfigCache) MarkAlertRuleTriggered(ctx context.Context, id uuid.UUID, at time.Time) error {
	return c.exec(func() error { return c.store.MarkAlertRuleTriggered(ctx, id, at) })
}

// ── Events ──

// InsertEvents writes a decision batch through the breaker so sustained
// event-store failures shed load instead of piling up.
func (c *ConfigCache) InsertEvents(ctx context.Context, events []core.RateLimitEvent) error {
	return c.exec(func() error { return c.store.InsertEvents(ctx, events) })
}

func (c *ConfigCache) MetricsRange(ctx context.Context, policyID uuid.UUID, from, to time.Time) (*store.PolicyMetrics, error) {
	var m *store.PolicyMetrics
	err := c.exec(func() error {
		var err error
		m, err = c.store.MetricsRange(ctx, policyID, from, to)
		return err
	})
	return m, err
}

func (c *ConfigCache) Summary(ctx context.Context, from, to time.Time) (*store.MetricsSummary, error) {
	var sum *store.MetricsSummary
	err := c.exec(func() error {
		var err error
		sum, err = c.store.Summary(ctx, from, to)
		return err
	})
	return sum, err
}

func (c *ConfigCache) PolicySummary(ctx context.Context, policyID uuid.UUID) (*store.PolicySummaryView, error) {
	var sum *store.PolicySummaryView
	err := c.exec(func() error {
		var err error
		sum, err = c.store.PolicySummary(ctx, policyID)
		return err
	})
	return sum, err
}

func (c *ConfigCache) RecentEvents(ctx context.Context, policyID uuid.UUID, limit int) ([]core.RateLimitEvent, error) {
	var out []core.RateLimitEvent
	err := c.exec(func() error {
		var err error
		out, err = c.store.RecentEvents(ctx, policyID, limit)
		return err
	})
	return out, err
}

// ── Stats ──

// StatsSnapshot reports per-cache counters for the diagnostics endpoint.
func (c *ConfigCache) StatsSnapshot() map[string]Stats {
	out := map[string]Stats{}
	add := func(name string, s interface{ Stats() Stats }) {
		out[name] = s.Stats()
	}
	if c.policies != nil {
		add("policy_by_id", c.policies)
	}
	if c.policiesByName != nil {
		add("policy_by_name", c.policiesByName)
	}
	if c.tenants != nil {
		add("tenant_by_id", c.tenants)
	}
	if c.ipRules != nil {
		add("ip_rule_by_id", c.ipRules)
	}
	if c.ipResolution != nil {
		add("ip_resolution", c.ipResolution)
	}
	if c.apiKeys != nil {
		add("api_key_by_hash", c.apiKeys)
	}
	add("policy_rule_list", c.policyRules)
	add("ip_rule_lists", c.ipRuleLists)
	return out
}

// ClearAll drops every cache, for the admin flush endpoint.
func (c *ConfigCache) ClearAll() {
	cacheClear(c.policies)
	cacheClear(c.policiesByName)
	cacheClear(c.tenants)
	cacheClear(c.apiKeys)
	c.invalidateIPRules()
	cacheClear(c.policyRules)
}
