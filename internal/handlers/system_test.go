package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limitgate/backend/internal/cache"
	"github.com/limitgate/backend/internal/circuitbreaker"
	"github.com/limitgate/backend/internal/config"
)

func TestHandleCacheStatsPublishesGauges(t *testing.T) {
	cfg := cache.NewConfigCache(nil, circuitbreaker.NewManager(), config.Default())

	rec := httptest.NewRecorder()
	HandleCacheStats(cfg)(rec, httptest.NewRequest(http.MethodGet, "/api/system/caches", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// The snapshot must also land in the scrape output.
	scrape := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, scrape.Body.String(), `limitgate_cache_entries{cache="policy_by_id"}`)
	assert.Contains(t, scrape.Body.String(), `limitgate_cache_hits{cache="policy_by_id"}`)
}
