// Package core defines the domain model shared by every layer of the
// rate-limiting service: tenants, policies, rules, keys, decision events,
// alert rules and the enumerations that drive resolution and counting.
package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Algorithm selects the counting strategy for a policy.
type Algorithm string

const (
	AlgorithmTokenBucket Algorithm = "TOKEN_BUCKET"
	AlgorithmFixedWindow Algorithm = "FIXED_WINDOW"
	AlgorithmSlidingLog  Algorithm = "SLIDING_LOG"
)

// Tag returns the short key-space tag used in counter store keys.
func (a Algorithm) Tag() string {
	switch a {
	case AlgorithmTokenBucket:
		return "tb"
	case AlgorithmFixedWindow:
		return "fw"
	case AlgorithmSlidingLog:
		return "sl"
	default:
		return "none"
	}
}

// Valid reports whether a is a known algorithm.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmTokenBucket, AlgorithmFixedWindow, AlgorithmSlidingLog:
		return true
	}
	return false
}

// Scope is the layer at which a policy applies. It influences both
// resolution order and the counter key space.
type Scope string

const (
	ScopeGlobal Scope = "GLOBAL"
	ScopeTenant Scope = "TENANT"
	ScopeAPIKey Scope = "API_KEY"
	ScopeIP     Scope = "IP"
	ScopeUser   Scope = "USER"
)

// ParseScope normalizes a scope string from the wire. Legacy aliases
// (IP_ADDRESS, USER_ID) map to their canonical names; anything else is
// returned as-is so the identifier-type mapping can fall back to CUSTOM.
func ParseScope(s string) Scope {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GLOBAL":
		return ScopeGlobal
	case "TENANT":
		return ScopeTenant
	case "API_KEY", "APIKEY":
		return ScopeAPIKey
	case "IP", "IP_ADDRESS":
		return ScopeIP
	case "USER", "USER_ID":
		return ScopeUser
	default:
		return Scope(strings.ToUpper(strings.TrimSpace(s)))
	}
}

func (s Scope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeTenant, ScopeAPIKey, ScopeIP, ScopeUser:
		return true
	}
	return false
}

// IdentifierType classifies the actor recorded on a decision event.
type IdentifierType string

const (
	IdentifierAPIKey IdentifierType = "API_KEY"
	IdentifierUser   IdentifierType = "USER"
	IdentifierIP     IdentifierType = "IP"
	IdentifierGlobal IdentifierType = "GLOBAL"
	IdentifierTenant IdentifierType = "TENANT"
)

// IdentifierTypeForScope maps a request scope to the persisted identifier
// type. Unknown scopes are recorded as GLOBAL, the nearest supported type.
func IdentifierTypeForScope(s Scope) IdentifierType {
	switch s {
	case ScopeAPIKey:
		return IdentifierAPIKey
	case ScopeIP:
		return IdentifierIP
	case ScopeUser:
		return IdentifierUser
	case ScopeTenant:
		return IdentifierTenant
	case ScopeGlobal:
		return IdentifierGlobal
	default:
		return IdentifierGlobal
	}
}

// FailMode declares the behavior when the counter store is unreachable.
type FailMode string

const (
	FailOpen   FailMode = "FAIL_OPEN"
	FailClosed FailMode = "FAIL_CLOSED"
)

// Tier is the subscription tier of a tenant.
type Tier string

const (
	TierFree       Tier = "FREE"
	TierBasic      Tier = "BASIC"
	TierPremium    Tier = "PREMIUM"
	TierEnterprise Tier = "ENTERPRISE"
)

func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierBasic, TierPremium, TierEnterprise:
		return true
	}
	return false
}

// Tenant is the unit of multi-tenant isolation. Deleting a tenant cascades
// to its policies, API keys, IP rules and user policies.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Tier      Tier      `json:"tier"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Policy is the unit of rate-limit configuration.
type Policy struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      *uuid.UUID `json:"tenant_id,omitempty"` // nil means global
	Name          string     `json:"name"`
	Scope         Scope      `json:"scope"`
	Algorithm     Algorithm  `json:"algorithm"`
	MaxRequests   int64      `json:"max_requests"`
	WindowSeconds int64      `json:"window_seconds"`
	BurstCapacity *int64     `json:"burst_capacity,omitempty"` // token bucket only
	RefillRate    *float64   `json:"refill_rate,omitempty"`    // tokens/sec, token bucket only
	FailMode      FailMode   `json:"fail_mode"`
	Enabled       bool       `json:"enabled"`
	IsDefault     bool       `json:"is_default"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// EffectiveBurst returns the bucket capacity, defaulting to MaxRequests.
func (p *Policy) EffectiveBurst() int64 {
	if p.BurstCapacity != nil && *p.BurstCapacity > 0 {
		return *p.BurstCapacity
	}
	return p.MaxRequests
}

// EffectiveRefillRate returns tokens/sec, defaulting to max/window.
func (p *Policy) EffectiveRefillRate() float64 {
	if p.RefillRate != nil && *p.RefillRate > 0 {
		return *p.RefillRate
	}
	if p.WindowSeconds <= 0 {
		return 0
	}
	return float64(p.MaxRequests) / float64(p.WindowSeconds)
}

// Validate checks the policy invariants shared by create and update.
func (p *Policy) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return E(KindInvalidInput, "name is required")
	}
	if !p.Scope.Valid() {
		return E(KindInvalidInput, "unknown scope %q", p.Scope)
	}
	if !p.Algorithm.Valid() {
		return E(KindInvalidInput, "unknown algorithm %q", p.Algorithm)
	}
	if p.MaxRequests <= 0 {
		return E(KindInvalidInput, "max_requests must be positive")
	}
	if p.WindowSeconds <= 0 {
		return E(KindInvalidInput, "window_seconds must be positive")
	}
	if p.BurstCapacity != nil && *p.BurstCapacity <= 0 {
		return E(KindInvalidInput, "burst_capacity must be positive")
	}
	if p.RefillRate != nil && *p.RefillRate <= 0 {
		return E(KindInvalidInput, "refill_rate must be positive")
	}
	if p.FailMode != FailOpen && p.FailMode != FailClosed {
		return E(KindInvalidInput, "fail_mode must be FAIL_OPEN or FAIL_CLOSED")
	}
	if p.IsDefault && p.TenantID == nil && p.Scope != ScopeGlobal {
		return E(KindInvalidInput, "the global default policy must have GLOBAL scope")
	}
	return nil
}

// PolicyRule associates a policy with an HTTP route pattern.
type PolicyRule struct {
	ID              uuid.UUID `json:"id"`
	PolicyID        uuid.UUID `json:"policy_id"`
	Name            string    `json:"name"`
	ResourcePattern string    `json:"resource_pattern"`
	Methods         string    `json:"methods,omitempty"` // comma-separated, empty = any
	Priority        int       `json:"priority"`          // 0..1000, higher wins
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"created_at"`
}

// MethodList splits the comma-separated method set, uppercased.
func (r *PolicyRule) MethodList() []string {
	if strings.TrimSpace(r.Methods) == "" {
		return nil
	}
	parts := strings.Split(r.Methods, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if m := strings.ToUpper(strings.TrimSpace(p)); m != "" {
			out = append(out, m)
		}
	}
	return out
}

// MatchesMethod reports whether the rule applies to the given HTTP method.
// An empty method set matches any method.
func (r *PolicyRule) MatchesMethod(method string) bool {
	list := r.MethodList()
	if len(list) == 0 {
		return true
	}
	m := strings.ToUpper(strings.TrimSpace(method))
	for _, allowed := range list {
		if allowed == m {
			return true
		}
	}
	return false
}

// Validate checks policy-rule invariants.
func (r *PolicyRule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return E(KindInvalidInput, "name is required")
	}
	if !strings.HasPrefix(r.ResourcePattern, "/") {
		return E(KindInvalidInput, "resource_pattern must start with /")
	}
	if r.Priority < 0 || r.Priority > 1000 {
		return E(KindInvalidInput, "priority must be in [0,1000]")
	}
	return nil
}

// APIKeyPrefixLen is the display prefix length stored alongside the hash.
const APIKeyPrefixLen = 12

// APIKey is an authentication credential bound to a tenant. Only the
// SHA-256 hash and a short display prefix are persisted; the raw key is
// returned once on creation and never again.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	PolicyID   *uuid.UUID `json:"policy_id,omitempty"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	Enabled    bool       `json:"enabled"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Expired reports whether the key has passed its expiry.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// HashAPIKey returns the hex SHA-256 of a raw key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey creates a new raw key plus its hash and display prefix.
func GenerateAPIKey() (raw, hash, prefix string, err error) {
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", "", "", err
	}
	raw = "lg_" + hex.EncodeToString(buf)
	return raw, HashAPIKey(raw), raw[:APIKeyPrefixLen], nil
}

// IPRuleType is the kind of action an IP rule binds to an address.
type IPRuleType string

// RATE_LIMIT is the only supported type today; ALLOW/BLOCK are reserved.
const IPRuleRateLimit IPRuleType = "RATE_LIMIT"

// IPRule assigns a policy to a single host or a CIDR range. Exactly one of
// IPAddress and IPCIDR must be set.
type IPRule struct {
	ID          uuid.UUID  `json:"id"`
	TenantID    *uuid.UUID `json:"tenant_id,omitempty"`
	PolicyID    *uuid.UUID `json:"policy_id,omitempty"`
	IPAddress   *string    `json:"ip_address,omitempty"`
	IPCIDR      *string    `json:"ip_cidr,omitempty"`
	RuleType    IPRuleType `json:"rule_type"`
	Description string     `json:"description,omitempty"`
	Enabled     bool       `json:"enabled"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Validate checks the address/CIDR exclusivity and policy binding.
func (r *IPRule) Validate() error {
	hasAddr := r.IPAddress != nil && *r.IPAddress != ""
	hasCIDR := r.IPCIDR != nil && *r.IPCIDR != ""
	if hasAddr == hasCIDR {
		return E(KindInvalidInput, "exactly one of ip_address or ip_cidr must be set")
	}
	if r.RuleType == "" {
		r.RuleType = IPRuleRateLimit
	}
	if r.RuleType == IPRuleRateLimit && r.PolicyID == nil {
		return E(KindInvalidInput, "policy_id is required for RATE_LIMIT rules")
	}
	return nil
}

// UserPolicy maps an external user identifier to a policy within a tenant.
// Unique on (user_id, tenant_id).
type UserPolicy struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	PolicyID  uuid.UUID `json:"policy_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RateLimitEvent is an immutable decision record, partitioned by month.
type RateLimitEvent struct {
	ID             int64          `json:"id"`
	PolicyID       uuid.UUID      `json:"policy_id"`
	Identifier     string         `json:"identifier"`
	IdentifierType IdentifierType `json:"identifier_type"`
	Allowed        bool           `json:"allowed"`
	Remaining      int64          `json:"remaining"`
	LimitValue     int64          `json:"limit_value"`
	IPAddress      string         `json:"ip_address,omitempty"`
	Resource       string         `json:"resource,omitempty"`
	EventTime      time.Time      `json:"event_time"`
	PartitionKey   string         `json:"partition_key"`
}

// PartitionKeyFor derives the YYYY-MM partition tag from an event time, UTC.
func PartitionKeyFor(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// AlertRule is a deny-rate threshold definition.
type AlertRule struct {
	ID                  uuid.UUID  `json:"id"`
	Name                string     `json:"name"`
	PolicyID            *uuid.UUID `json:"policy_id,omitempty"`
	ThresholdPercentage float64    `json:"threshold_percentage"` // [1,100]
	WindowSeconds       int64      `json:"window_seconds"`
	CooldownSeconds     int64      `json:"cooldown_seconds"`
	Enabled             bool       `json:"enabled"`
	LastTriggeredAt     *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Validate checks threshold bounds and the policy binding. Rules without a
// bound policy are rejected: the engine has no global aggregation yet.
func (a *AlertRule) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return E(KindInvalidInput, "name is required")
	}
	if a.PolicyID == nil {
		return E(KindInvalidInput, "policy_id is required")
	}
	if a.ThresholdPercentage < 1 || a.ThresholdPercentage > 100 {
		return E(KindInvalidInput, "threshold_percentage must be in [1,100]")
	}
	if a.WindowSeconds == 0 {
		a.WindowSeconds = 60
	}
	if a.WindowSeconds < 0 {
		return E(KindInvalidInput, "window_seconds must be positive")
	}
	// An unset cooldown would re-fire on every scan tick; default it to
	// five minutes.
	if a.CooldownSeconds == 0 {
		a.CooldownSeconds = 300
	}
	if a.CooldownSeconds < 0 {
		return E(KindInvalidInput, "cooldown_seconds must be non-negative")
	}
	return nil
}

// InCooldown reports whether the rule is still inside its cooldown window.
func (a *AlertRule) InCooldown(now time.Time) bool {
	if a.LastTriggeredAt == nil {
		return false
	}
	return now.Before(a.LastTriggeredAt.Add(time.Duration(a.CooldownSeconds) * time.Second))
}

// CheckRequest is the hot-path input.
type CheckRequest struct {
	Identifier      string     `json:"identifier"`
	Scope           string     `json:"scope"`
	Resource        string     `json:"resource,omitempty"`
	Method          string     `json:"method,omitempty"`
	TenantID        *uuid.UUID `json:"tenant_id,omitempty"`
	PolicyID        *uuid.UUID `json:"policy_id,omitempty"`
	IPAddress       string     `json:"ip_address,omitempty"`
	RequestedTokens int64      `json:"requested_tokens,omitempty"`
}

// Cost returns the token cost of the request, defaulting to 1.
func (r *CheckRequest) Cost() int64 {
	if r.RequestedTokens <= 0 {
		return 1
	}
	return r.RequestedTokens
}

// CheckResponse is the hot-path output. Algorithm is "NONE" when no policy
// resolved and "ERROR" when the decision failed before a policy was known.
type CheckResponse struct {
	Allowed        bool       `json:"allowed"`
	Remaining      int64      `json:"remaining"`
	Limit          int64      `json:"limit"`
	ResetInSeconds int64      `json:"reset_in_seconds"`
	PolicyID       *uuid.UUID `json:"policy_id,omitempty"`
	Algorithm      string     `json:"algorithm"`
	RetryAfter     *int64     `json:"retry_after,omitempty"`
}

// RateLimitResult is the (allowed, remaining, reset) triple produced by the
// counter store.
type RateLimitResult struct {
	Allowed      bool
	Remaining    int64
	ResetSeconds int64
}
