package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/limitgate/backend/internal/cache"
	"github.com/limitgate/backend/internal/core"
)

// maxMetricsRange caps historical queries so a single request cannot
// scan the whole event archive.
const maxMetricsRange = 90 * 24 * time.Hour

// parseRange reads from/to query parameters (RFC 3339), defaulting to
// the last 24 hours, and enforces the range cap.
func parseRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from, to := now.Add(-24*time.Hour), now

	q := r.URL.Query()
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, core.E(core.KindInvalidInput, "invalid from: %v", err)
		}
		from = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, core.E(core.KindInvalidInput, "invalid to: %v", err)
		}
		to = t
	}
	if !to.After(from) {
		return from, to, core.E(core.KindInvalidInput, "to must be after from")
	}
	if to.Sub(from) > maxMetricsRange {
		return from, to, core.E(core.KindInvalidInput, "range exceeds %s", maxMetricsRange)
	}
	return from, to, nil
}

// HandlePolicyMetrics aggregates decisions for one policy.
// GET /api/policies/{id}/metrics?from=...&to=...
func HandlePolicyMetrics(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		from, to, err := parseRange(r)
		if err != nil {
			writeError(w, err)
			return
		}
		m, err := cfg.MetricsRange(r.Context(), id, from, to)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

// HandlePolicySummary reports the lifetime totals and identifier-type
// breakdown for one policy.
// GET /api/policies/{id}/metrics/summary
func HandlePolicySummary(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		sum, err := cfg.PolicySummary(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

// HandleMetricsSummary aggregates all decisions with an identifier-type
// breakdown.
// GET /api/metrics/summary?from=...&to=...
func HandleMetricsSummary(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, to, err := parseRange(r)
		if err != nil {
			writeError(w, err)
			return
		}
		sum, err := cfg.Summary(r.Context(), from, to)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

// HandleRecentEvents lists the newest decisions for a policy.
// GET /api/policies/{id}/events?limit=...
func HandleRecentEvents(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		events, err := cfg.RecentEvents(r.Context(), id, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"events": events,
			"count":  len(events),
		})
	}
}
