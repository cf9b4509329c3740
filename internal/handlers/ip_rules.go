package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/limitgate/backend/internal/cache"
	"github.com/limitgate/backend/internal/core"
	"github.com/limitgate/backend/internal/resolver"
)

// HandleCreateIPRule creates an IP rule.
// POST /api/ip-rules
func HandleCreateIPRule(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rule core.IPRule
		if !decodeBody(w, r, &rule) {
			return
		}
		if err := rule.Validate(); err != nil {
			writeError(w, err)
			return
		}
		if err := cfg.CreateIPRule(r.Context(), &rule); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rule)
	}
}

// HandleGetIPRule returns one IP rule.
// GET /api/ip-rules/{id}
func HandleGetIPRule(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		rule, err := cfg.GetIPRule(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	}
}

// HandleListIPRules lists every IP rule.
// GET /api/ip-rules
func HandleListIPRules(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rules, err := cfg.ListIPRules(r.Context())
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

// HandleUpdateIPRule updates an IP rule.
// PUT /api/ip-rules/{id}
func HandleUpdateIPRule(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var rule core.IPRule
		if !decodeBody(w, r, &rule) {
			return
		}
		rule.ID = id
		if err := rule.Validate(); err != nil {
			writeError(w, err)
			return
		}
		if err := cfg.UpdateIPRule(r.Context(), &rule); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	}
}

// HandleDeleteIPRule deletes an IP rule.
// DELETE /api/ip-rules/{id}
func HandleDeleteIPRule(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		if err := cfg.DeleteIPRule(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleMatchIPRule reports which IP rule would win for an address,
// optionally within one tenant's rules.
// GET /api/ip-rules/match/{ip} and /api/ip-rules/match/{ip}/tenant/{tenantId}
func HandleMatchIPRule(res *resolver.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := mux.Vars(r)["ip"]
		var tenantID *uuid.UUID
		if mux.Vars(r)["tenantId"] != "" {
			id, ok := pathUUID(w, r, "tenantId")
			if !ok {
				return
			}
			tenantID = &id
		}
		rule, err := res.MatchIPRule(r.Context(), tenantID, ip)
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
