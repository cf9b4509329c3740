package core

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScope(t *testing.T) {
	assert.Equal(t, ScopeAPIKey, ParseScope("api_key"))
	assert.Equal(t, ScopeAPIKey, ParseScope("APIKEY"))
	assert.Equal(t, ScopeIP, ParseScope(" ip_address "))
	assert.Equal(t, ScopeUser, ParseScope("user_id"))
	assert.Equal(t, ScopeGlobal, ParseScope("global"))
	assert.Equal(t, Scope("CUSTOM"), ParseScope("custom"))
	assert.False(t, ParseScope("custom").Valid())
}

func TestIdentifierTypeForScope(t *testing.T) {
	assert.Equal(t, IdentifierAPIKey, IdentifierTypeForScope(ScopeAPIKey))
	assert.Equal(t, IdentifierIP, IdentifierTypeForScope(ScopeIP))
	assert.Equal(t, IdentifierGlobal, IdentifierTypeForScope(Scope("WHAT")))
}

func validPolicy() Policy {
	return Policy{
		Name:          "p",
		Scope:         ScopeAPIKey,
		Algorithm:     AlgorithmTokenBucket,
		MaxRequests:   100,
		WindowSeconds: 60,
		FailMode:      FailClosed,
	}
}

func TestPolicyValidate(t *testing.T) {
	p := validPolicy()
	require.NoError(t, p.Validate())

	bad := validPolicy()
	bad.Name = "  "
	assert.Error(t, bad.Validate())

	bad = validPolicy()
	bad.Scope = "REGION"
	assert.Error(t, bad.Validate())

	bad = validPolicy()
	bad.Algorithm = "LEAKY_BUCKET"
	assert.Error(t, bad.Validate())

	bad = validPolicy()
	bad.MaxRequests = 0
	assert.Error(t, bad.Validate())

	bad = validPolicy()
	bad.WindowSeconds = -1
	assert.Error(t, bad.Validate())

	bad = validPolicy()
	zero := int64(0)
	bad.BurstCapacity = &zero
	assert.Error(t, bad.Validate())

	bad = validPolicy()
	bad.FailMode = "FAIL_MAYBE"
	assert.Error(t, bad.Validate())

	bad = validPolicy()
	bad.IsDefault = true
	bad.TenantID = nil
	bad.Scope = ScopeAPIKey
	assert.Error(t, bad.Validate(), "a tenant-less default must be GLOBAL scope")

	global := validPolicy()
	global.IsDefault = true
	global.TenantID = nil
	global.Scope = ScopeGlobal
	assert.NoError(t, global.Validate())

	tenantID := uuid.New()
	scoped := validPolicy()
	scoped.IsDefault = true
	scoped.TenantID = &tenantID
	assert.NoError(t, scoped.Validate(), "tenant defaults may use any scope")
}

func TestPolicyEffectiveDefaults(t *testing.T) {
	p := validPolicy()
	assert.Equal(t, int64(100), p.EffectiveBurst())
	assert.InDelta(t, 100.0/60.0, p.EffectiveRefillRate(), 1e-9)

	burst := int64(250)
	rate := 5.0
	p.BurstCapacity = &burst
	p.RefillRate = &rate
	assert.Equal(t, int64(250), p.EffectiveBurst())
	assert.Equal(t, 5.0, p.EffectiveRefillRate())
}

func TestPolicyRuleMethods(t *testing.T) {
	r := PolicyRule{Methods: "get, Post ,DELETE"}
	assert.Equal(t, []string{"GET", "POST", "DELETE"}, r.MethodList())
	assert.True(t, r.MatchesMethod("post"))
	assert.False(t, r.MatchesMethod("PUT"))

	any := PolicyRule{}
	assert.Nil(t, any.MethodList())
	assert.True(t, any.MatchesMethod("PATCH"))
}

func TestPolicyRuleValidate(t *testing.T) {
	r := PolicyRule{Name: "r", ResourcePattern: "/api/**", Priority: 500}
	require.NoError(t, r.Validate())

	r.ResourcePattern = "api/x"
	assert.Error(t, r.Validate())

	r.ResourcePattern = "/api/x"
	r.Priority = 1001
	assert.Error(t, r.Validate())
}

func TestIPRuleValidate(t *testing.T) {
	policyID := uuid.New()
	addr := "10.0.0.1"
	cidr := "10.0.0.0/24"

	ok := IPRule{IPAddress: &addr, PolicyID: &policyID}
	require.NoError(t, ok.Validate())
	assert.Equal(t, IPRuleRateLimit, ok.RuleType, "rule type defaults to RATE_LIMIT")

	both := IPRule{IPAddress: &addr, IPCIDR: &cidr, PolicyID: &policyID}
	assert.Error(t, both.Validate())

	neither := IPRule{PolicyID: &policyID}
	assert.Error(t, neither.Validate())

	unbound := IPRule{IPCIDR: &cidr}
	assert.Error(t, unbound.Validate(), "RATE_LIMIT rules need a policy")
}

func TestAPIKeyGeneration(t *testing.T) {
	raw, hash, prefix, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(raw, "lg_"))
	assert.Len(t, prefix, APIKeyPrefixLen)
	assert.Equal(t, raw[:APIKeyPrefixLen], prefix)
	assert.Equal(t, HashAPIKey(raw), hash)
	assert.NotEqual(t, HashAPIKey(raw), HashAPIKey(raw+"x"))

	raw2, _, _, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, raw, raw2)
}

func TestAPIKeyExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.False(t, (&APIKey{}).Expired(now))
	assert.True(t, (&APIKey{ExpiresAt: &past}).Expired(now))
	assert.False(t, (&APIKey{ExpiresAt: &future}).Expired(now))
}

func TestPartitionKeyFor(t *testing.T) {
	ts := time.Date(2026, time.March, 31, 23, 30, 0, 0, time.FixedZone("UTC+5", 5*3600))
	// 23:30 UTC+5 is 18:30 UTC, still March.
	assert.Equal(t, "2026-03", PartitionKeyFor(ts))

	ts = time.Date(2026, time.April, 1, 2, 0, 0, 0, time.FixedZone("UTC+5", 5*3600))
	// 02:00 UTC+5 on April 1 is 21:00 UTC on March 31.
	assert.Equal(t, "2026-03", PartitionKeyFor(ts))
}

func TestAlertRuleValidateAndCooldown(t *testing.T) {
	policyID := uuid.New()
	a := AlertRule{Name: "r", PolicyID: &policyID, ThresholdPercentage: 50}
	require.NoError(t, a.Validate())
	assert.Equal(t, int64(60), a.WindowSeconds, "window defaults to 60s")
	assert.Equal(t, int64(300), a.CooldownSeconds, "cooldown defaults to 5m")

	bad := AlertRule{Name: "r", ThresholdPercentage: 50}
	assert.Error(t, bad.Validate(), "unbound rules are rejected")

	bad = AlertRule{Name: "r", PolicyID: &policyID, ThresholdPercentage: 0.5}
	assert.Error(t, bad.Validate())

	now := time.Now()
	recent := now.Add(-30 * time.Second)
	cool := AlertRule{CooldownSeconds: 300, LastTriggeredAt: &recent}
	assert.True(t, cool.InCooldown(now))
	assert.False(t, cool.InCooldown(now.Add(10*time.Minute)))
	assert.False(t, (&AlertRule{CooldownSeconds: 300}).InCooldown(now))
}

func TestCheckRequestCost(t *testing.T) {
	assert.Equal(t, int64(1), (&CheckRequest{}).Cost())
	assert.Equal(t, int64(1), (&CheckRequest{RequestedTokens: -2}).Cost())
	assert.Equal(t, int64(5), (&CheckRequest{RequestedTokens: 5}).Cost())
}
