package handlers

import (
	"net/http"

	"github.com/limitgate/backend/internal/cache"
	"github.com/limitgate/backend/internal/core"
)

// HandleCreateUserPolicy binds a user to a policy within a tenant.
// POST /api/user-policies
func HandleCreateUserPolicy(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var up core.UserPolicy
		if !decodeBody(w, r, &up) {
			return
		}
		if up.UserID == "" {
			writeFieldErrors(w, map[string]string{"user_id": "user_id is required"})
			return
		}
		if err := cfg.CreateUserPolicy(r.Context(), &up); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, up)
	}
}

// HandleListUserPolicies lists bindings, optionally by tenant.
// GET /api/user-policies?tenant_id=...
func HandleListUserPolicies(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := queryUUID(w, r, "tenant_id")
		if !ok {
			return
		}
		ups, err := cfg.ListUserPolicies(r.Context(), tenantID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"user_policies": ups,
			"count":         len(ups),
		})
	}
}

// HandleDeleteUserPolicy removes a binding.
// DELETE /api/user-policies/{id}
func HandleDeleteUserPolicy(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		if err := cfg.DeleteUserPolicy(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
