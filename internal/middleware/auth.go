package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/limitgate/backend/internal/cache"
	"github.com/limitgate/backend/internal/core"
)

type contextKey string

const apiKeyContextKey contextKey = "api-key"

// APIKeyFromContext returns the authenticated key record, if any.
func APIKeyFromContext(ctx context.Context) (*core.APIKey, bool) {
	k, ok := ctx.Value(apiKeyContextKey).(*core.APIKey)
	return k, ok
}

// TenantFromContext returns the authenticated tenant id, if any.
func TenantFromContext(ctx context.Context) (*uuid.UUID, bool) {
	k, ok := APIKeyFromContext(ctx)
	if !ok {
		return nil, false
	}
	return &k.TenantID, true
}

// APIKeyAuth guards the management plane. The raw key arrives in
// X-API-Key or as a bearer token; it is hashed and looked up through the
// key cache. Disabled and expired keys are rejected.
func APIKeyAuth(cfg *cache.ConfigCache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("X-API-Key")
			if raw == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					raw = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if raw == "" {
				unauthorized(w, "missing api key")
				return
			}

			key, err := cfg.GetAPIKeyByHash(r.Context(), core.HashAPIKey(raw))
			if err != nil {
				if core.IsKind(err, core.KindNotFound) {
					unauthorized(w, "unknown api key")
					return
				}
				// Lookup infrastructure failed; do not leak whether the key
				// exists.
				http.Error(w, `{"error":"authentication unavailable"}`, http.StatusServiceUnavailable)
				return
			}
			now := time.Now()
			if !key.Enabled || key.Expired(now) {
				unauthorized(w, "api key disabled or expired")
				return
			}

			// Usage stamp is best-effort and must not slow the request.
			go cfg.TouchAPIKeyLastUsed(context.WithoutCancel(r.Context()), key.ID, now)

			ctx := context.WithValue(r.Context(), apiKeyContextKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
