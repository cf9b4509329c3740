package handlers

import (
	"net/http"
	"time"

	"github.com/limitgate/backend/internal/cache"
	"github.com/limitgate/backend/internal/core"
)

// createAPIKeyRequest is the creation body; the server generates the key
// material.
type createAPIKeyRequest struct {
	TenantID  string     `json:"tenant_id"`
	PolicyID  *string    `json:"policy_id,omitempty"`
	Name      string     `json:"name"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// createAPIKeyResponse carries the raw key exactly once.
type createAPIKeyResponse struct {
	core.APIKey
	Key string `json:"key"`
}

// HandleCreateAPIKey mints a key. The raw key appears only in this
// response; the store keeps its hash.
// POST /api/api-keys
func HandleCreateAPIKey(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createAPIKeyRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Name == "" {
			writeFieldErrors(w, map[string]string{"name": "name is required"})
			return
		}
		tenantID, err := parseUUIDField(req.TenantID, "tenant_id")
		if err != nil {
			writeError(w, err)
			return
		}
		key := core.APIKey{
			TenantID:  tenantID,
			Name:      req.Name,
			Enabled:   true,
			ExpiresAt: req.ExpiresAt,
		}
		if req.PolicyID != nil {
			policyID, err := parseUUIDField(*req.PolicyID, "policy_id")
			if err != nil {
				writeError(w, err)
				return
			}
			key.PolicyID = &policyID
		}

		raw, hash, prefix, err := core.GenerateAPIKey()
		if err != nil {
			writeError(w, core.Wrap(core.KindInternal, err, "key generation"))
			return
		}
		key.KeyHash = hash
		key.KeyPrefix = prefix

		if err := cfg.CreateAPIKey(r.Context(), &key); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, createAPIKeyResponse{APIKey: key, Key: raw})
	}
}

// HandleGetAPIKey returns one key record (never the raw key).
// GET /api/api-keys/{id}
func HandleGetAPIKey(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		key, err := cfg.GetAPIKey(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, key)
	}
}

// HandleListAPIKeys lists keys, optionally by tenant.
// GET /api/api-keys?tenant_id=...
func HandleListAPIKeys(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := queryUUID(w, r, "tenant_id")
		if !ok {
			return
		}
		keys, err := cfg.ListAPIKeys(r.Context(), tenantID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"api_keys": keys,
			"count":    len(keys),
		})
	}
}

// HandleUpdateAPIKey updates name, policy binding, enabled and expiry.
// PUT /api/api-keys/{id}
func HandleUpdateAPIKey(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var key core.APIKey
		if !decodeBody(w, r, &key) {
			return
		}
		key.ID = id
		if key.Name == "" {
			writeFieldErrors(w, map[string]string{"name": "name is required"})
			return
		}
		if err := cfg.UpdateAPIKey(r.Context(), &key); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, key)
	}
}

// HandleDeleteAPIKey revokes a key.
// DELETE /api/api-keys/{id}
func HandleDeleteAPIKey(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		if err := cfg.DeleteAPIKey(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
