package handlers

import (
	"net/http"

	"github.com/limitgate/backend/internal/cache"
	"github.com/limitgate/backend/internal/core"
)

// HandleCreatePolicy creates a policy.
// POST /api/policies
func HandleCreatePolicy(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p core.Policy
		if !decodeBody(w, r, &p) {
			return
		}
		if p.FailMode == "" {
			p.FailMode = core.FailClosed
		}
		p.Scope = core.ParseScope(string(p.Scope))
		if err := p.Validate(); err != nil {
			writeError(w, err)
			return
		}
		if err := cfg.CreatePolicy(r.Context(), &p); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}

// HandleGetPolicy returns one policy.
// GET /api/policies/{id}
func HandleGetPolicy(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		p, err := cfg.GetPolicy(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// HandleListPolicies lists policies, optionally by tenant.
// GET /api/policies?tenant_id=...
func HandleListPolicies(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := queryUUID(w, r, "tenant_id")
		if !ok {
			return
		}
		policies, err := cfg.ListPolicies(r.Context(), tenantID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"policies": policies,
			"count":    len(policies),
		})
	}
}

// HandleUpdatePolicy updates a policy.
// PUT /api/policies/{id}
func HandleUpdatePolicy(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var p core.Policy
		if !decodeBody(w, r, &p) {
			return
		}
		p.ID = id
		p.Scope = core.ParseScope(string(p.Scope))
		if err := p.Validate(); err != nil {
			writeError(w, err)
			return
		}
		if err := cfg.UpdatePolicy(r.Context(), &p); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// HandleDeletePolicy deletes a policy; dependent rules cascade.
// DELETE /api/policies/{id}
func HandleDeletePolicy(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		if err := cfg.DeletePolicy(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
