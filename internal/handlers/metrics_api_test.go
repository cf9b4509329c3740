package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limitgate/backend/internal/cache"
	"github.com/limitgate/backend/internal/circuitbreaker"
	"github.com/limitgate/backend/internal/config"
	"github.com/limitgate/backend/internal/core"
)

func TestParseRangeDefaultsToLastDay(t *testing.T) {
	from, to, err := parseRange(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, to.Sub(from))
	assert.WithinDuration(t, time.Now().UTC(), to, time.Second)
}

func TestParseRangeExplicitBounds(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet,
		"/metrics?from=2026-08-01T00:00:00Z&to=2026-08-02T00:00:00Z", nil)
	from, to, err := parseRange(req)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2026, time.August, 2, 0, 0, 0, 0, time.UTC), to)
}

func TestParseRangeRejectsBadInput(t *testing.T) {
	_, _, err := parseRange(httptest.NewRequest(http.MethodGet, "/metrics?from=yesterday", nil))
	assert.True(t, core.IsKind(err, core.KindInvalidInput))

	_, _, err = parseRange(httptest.NewRequest(http.MethodGet,
		"/metrics?from=2026-08-02T00:00:00Z&to=2026-08-01T00:00:00Z", nil))
	assert.True(t, core.IsKind(err, core.KindInvalidInput), "to must follow from")

	_, _, err = parseRange(httptest.NewRequest(http.MethodGet,
		"/metrics?from=2026-01-01T00:00:00Z&to=2026-08-01T00:00:00Z", nil))
	assert.True(t, core.IsKind(err, core.KindInvalidInput), "range cap is 90 days")
}

func TestHandlePolicySummaryRejectsBadID(t *testing.T) {
	cfg := cache.NewConfigCache(nil, circuitbreaker.NewManager(), config.Default())

	router := mux.NewRouter()
	router.HandleFunc("/api/policies/{id}/metrics/summary", HandlePolicySummary(cfg)).Methods("GET")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/policies/nope/metrics/summary", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var problem apiProblem
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))
	assert.Equal(t, "Invalid Parameter", problem.Title)
}
