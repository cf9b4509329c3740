package match

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limitgate/backend/internal/core"
)

func TestMatchLiterals(t *testing.T) {
	ok, vars := Match("/api/users", "/api/users")
	assert.True(t, ok)
	assert.Empty(t, vars)

	ok, _ = Match("/api/users", "/api/orders")
	assert.False(t, ok)

	// Case sensitive.
	ok, _ = Match("/api/Users", "/api/users")
	assert.False(t, ok)
}

func TestMatchSingleStar(t *testing.T) {
	ok, _ := Match("/api/*/detail", "/api/users/detail")
	assert.True(t, ok)

	// * never crosses a slash.
	ok, _ = Match("/api/*", "/api/users/detail")
	assert.False(t, ok)

	// In-segment glob.
	ok, _ = Match("/api/v*/users", "/api/v2/users")
	assert.True(t, ok)
	ok, _ = Match("/api/v*/users", "/api/beta/users")
	assert.False(t, ok)
}

func TestMatchDoubleStar(t *testing.T) {
	ok, _ := Match("/api/**", "/api")
	assert.True(t, ok, "** matches zero segments")

	ok, _ = Match("/api/**", "/api/a/b/c")
	assert.True(t, ok)

	ok, _ = Match("/api/**/delete", "/api/a/b/delete")
	assert.True(t, ok)

	ok, _ = Match("/api/**/delete", "/api/a/b/update")
	assert.False(t, ok)
}

func TestMatchVariables(t *testing.T) {
	ok, vars := Match("/api/users/{id}", "/api/users/42")
	require.True(t, ok)
	assert.Equal(t, "42", vars["id"])

	ok, vars = Match("/t/{tenant}/u/{user}", "/t/acme/u/7")
	require.True(t, ok)
	assert.Equal(t, "acme", vars["tenant"])
	assert.Equal(t, "7", vars["user"])

	// Non-match returns an empty, non-nil map.
	ok, vars = Match("/api/users/{id}", "/api/orders/42")
	assert.False(t, ok)
	assert.NotNil(t, vars)
	assert.Empty(t, vars)
}

func TestMatchDoubleStarWithVariables(t *testing.T) {
	ok, vars := Match("/api/**/items/{id}", "/api/v1/shop/items/9")
	require.True(t, ok)
	assert.Equal(t, "9", vars["id"])
}

func TestValidatePattern(t *testing.T) {
	assert.NoError(t, ValidatePattern("/"))
	assert.NoError(t, ValidatePattern("/api/{id}/**"))

	assert.Error(t, ValidatePattern("api/users"), "missing leading slash")
	assert.Error(t, ValidatePattern("/api//users"), "empty segment")
	assert.Error(t, ValidatePattern("/api/{id"), "unbalanced brace")
	assert.Error(t, ValidatePattern("/api/{}"), "empty variable")
}

func rule(name string, priority int, created time.Time, pattern string) core.PolicyRule {
	return core.PolicyRule{
		ID:              uuid.New(),
		PolicyID:        uuid.New(),
		Name:            name,
		ResourcePattern: pattern,
		Priority:        priority,
		Enabled:         true,
		CreatedAt:       created,
	}
}

func TestSortRules(t *testing.T) {
	t0 := time.Now()
	rules := []core.PolicyRule{
		rule("low", 10, t0, "/a"),
		rule("high", 900, t0, "/b"),
		rule("tie-late", 500, t0.Add(time.Minute), "/c"),
		rule("tie-early", 500, t0, "/d"),
	}
	SortRules(rules)

	names := []string{rules[0].Name, rules[1].Name, rules[2].Name, rules[3].Name}
	assert.Equal(t, []string{"high", "tie-early", "tie-late", "low"}, names)
}

func TestSelectRule(t *testing.T) {
	t0 := time.Now()
	specific := rule("specific", 800, t0, "/api/users/{id}")
	specific.Methods = "GET,DELETE"
	broad := rule("broad", 100, t0, "/api/**")
	disabled := rule("disabled", 999, t0, "/api/users/{id}")
	disabled.Enabled = false

	rules := []core.PolicyRule{disabled, specific, broad}
	SortRules(rules)

	got := SelectRule(rules, "/api/users/9", "GET")
	require.NotNil(t, got)
	assert.Equal(t, "specific", got.Name, "disabled rules are skipped even at higher priority")

	got = SelectRule(rules, "/api/users/9", "POST")
	require.NotNil(t, got)
	assert.Equal(t, "broad", got.Name, "method filter falls through to the next rule")

	assert.Nil(t, SelectRule(rules, "/other", "GET"))
}
