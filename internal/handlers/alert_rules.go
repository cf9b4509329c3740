package handlers

import (
	"net/http"

	"github.com/limitgate/backend/internal/alerting"
	"github.com/limitgate/backend/internal/cache"
	"github.com/limitgate/backend/internal/core"
)

// HandleCreateAlertRule creates a deny-rate alert rule.
// POST /api/alert-rules
func HandleCreateAlertRule(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rule core.AlertRule
		if !decodeBody(w, r, &rule) {
			return
		}
		if err := rule.Validate(); err != nil {
			writeError(w, err)
			return
		}
		if err := cfg.CreateAlertRule(r.Context(), &rule); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rule)
	}
}

// HandleGetAlertRule returns one alert rule.
// GET /api/alert-rules/{id}
func HandleGetAlertRule(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		rule, err := cfg.GetAlertRule(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	}
}

// HandleListAlertRules lists alert rules.
// GET /api/alert-rules
func HandleListAlertRules(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rules, err := cfg.ListAlertRules(r.Context())
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

// HandleUpdateAlertRule updates an alert rule.
// PUT /api/alert-rules/{id}
func HandleUpdateAlertRule(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var rule core.AlertRule
		if !decodeBody(w, r, &rule) {
			return
		}
		rule.ID = id
		if err := rule.Validate(); err != nil {
			writeError(w, err)
			return
		}
		if err := cfg.UpdateAlertRule(r.Context(), &rule); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	}
}

// HandleDeleteAlertRule deletes an alert rule.
// DELETE /api/alert-rules/{id}
func HandleDeleteAlertRule(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		if err := cfg.DeleteAlertRule(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleTestAlertRule pushes a synthetic alert through every configured
// channel and reports per-channel outcomes.
// POST /api/alert-rules/{id}/test
func HandleTestAlertRule(eval *alerting.Evaluator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		results, err := eval.TriggerTest(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"rule_id":   id,
			"channels":  results,
			"notifiers": eval.Notifiers(),
		})
	}
}
