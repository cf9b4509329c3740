package handlers

import (
	"fmt"
	"net/http"

	"github.com/limitgate/backend/internal/cache"
	"github.com/limitgate/backend/internal/core"
)

// HandleCreateTenant creates a tenant.
// POST /api/tenants
func HandleCreateTenant(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var t core.Tenant
		if !decodeBody(w, r, &t) {
			return
		}
		if t.Name == "" {
			writeFieldErrors(w, map[string]string{"name": "name is required"})
			return
		}
		if t.Tier == "" {
			t.Tier = core.TierFree
		}
		if !t.Tier.Valid() {
			writeFieldErrors(w, map[string]string{"tier": fmt.Sprintf("unknown tier %q", t.Tier)})
			return
		}
		if err := cfg.CreateTenant(r.Context(), &t); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, t)
	}
}

// HandleGetTenant returns one tenant.
// GET /api/tenants/{id}
func HandleGetTenant(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		t, err := cfg.GetTenant(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

// HandleListTenants lists all tenants.
// GET /api/tenants
func HandleListTenants(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenants, err := cfg.ListTenants(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"tenants": tenants,
			"count":   len(tenants),
		})
	}
}

// HandleUpdateTenant updates a tenant.
// PUT /api/tenants/{id}
func HandleUpdateTenant(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var t core.Tenant
		if !decodeBody(w, r, &t) {
			return
		}
		t.ID = id
		if t.Name == "" {
			writeFieldErrors(w, map[string]string{"name": "name is required"})
			return
		}
		if !t.Tier.Valid() {
			writeFieldErrors(w, map[string]string{"tier": fmt.Sprintf("unknown tier %q", t.Tier)})
			return
		}
		if err := cfg.UpdateTenant(r.Context(), &t); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

// HandleDeleteTenant deletes a tenant and everything scoped to it.
// DELETE /api/tenants/{id}
func HandleDeleteTenant(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		if err := cfg.DeleteTenant(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
