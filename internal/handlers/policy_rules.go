package handlers

import (
	"net/http"

	"github.com/limitgate/backend/internal/cache"
	"github.com/limitgate/backend/internal/core"
	"github.com/limitgate/backend/internal/match"
	"github.com/limitgate/backend/internal/resolver"
)

// HandleCreatePolicyRule creates a resource-pattern rule.
// POST /api/policy-rules
func HandleCreatePolicyRule(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rule core.PolicyRule
		if !decodeBody(w, r, &rule) {
			return
		}
		if err := rule.Validate(); err != nil {
			writeError(w, err)
			return
		}
		if err := match.ValidatePattern(rule.ResourcePattern); err != nil {
			writeError(w, err)
			return
		}
		if err := cfg.CreatePolicyRule(r.Context(), &rule); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rule)
	}
}

// HandleGetPolicyRule returns one rule.
// GET /api/policy-rules/{id}
func HandleGetPolicyRule(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		rule, err := cfg.GetPolicyRule(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	}
}

// HandleListPolicyRules lists rules, optionally by policy.
// GET /api/policy-rules?policy_id=...
func HandleListPolicyRules(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		policyID, ok := queryUUID(w, r, "policy_id")
		if !ok {
			return
		}
		rules, err := cfg.ListPolicyRules(r.Context(), policyID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"rules": rules,
			"count": len(rules),
		})
	}
}

// HandleUpdatePolicyRule updates a rule.
// PUT /api/policy-rules/{id}
func HandleUpdatePolicyRule(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var rule core.PolicyRule
		if !decodeBody(w, r, &rule) {
			return
		}
		rule.ID = id
		if err := rule.Validate(); err != nil {
			writeError(w, err)
			return
		}
		if err := match.ValidatePattern(rule.ResourcePattern); err != nil {
			writeError(w, err)
			return
		}
		if err := cfg.UpdatePolicyRule(r.Context(), &rule); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	}
}

// HandleDeletePolicyRule deletes a rule.
// DELETE /api/policy-rules/{id}
func HandleDeletePolicyRule(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		if err := cfg.DeletePolicyRule(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleMatchPolicyRule reports which rule would win for a path+method.
// GET /api/policy-rules/match?path=...&method=...
func HandleMatchPolicyRule(res *resolver.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		path := q.Get("path")
		if path == "" {
			writeFieldErrors(w, map[string]string{"path": "path is required"})
			return
		}
		rule, err := res.MatchPolicyRule(r.Context(), path, q.Get("method"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"matched": rule != nil,
			"rule":    rule,
		})
	}
}
