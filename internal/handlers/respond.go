// Package handlers exposes the HTTP API: the decision endpoint, the
// management CRUD surface, metrics queries and diagnostics. Handlers are
// constructed with their dependencies and returned as http.HandlerFunc.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/limitgate/backend/internal/core"
)

// apiProblem is the problem-detail error envelope. Errors carries
// per-field messages on validation failures.
type apiProblem struct {
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Status    int               `json:"status"`
	Detail    string            `json:"detail"`
	Timestamp time.Time         `json:"timestamp"`
	Errors    map[string]string `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// problemFor maps the error taxonomy onto status, type and title.
func problemFor(kind core.Kind) (int, string, string) {
	switch kind {
	case core.KindInvalidInput:
		return http.StatusBadRequest, "validation-error", "Invalid Input"
	case core.KindNotFound:
		return http.StatusNotFound, "not-found", "Not Found"
	case core.KindDuplicate:
		return http.StatusConflict, "duplicate", "Conflict"
	case core.KindStoreUnavailable, core.KindCircuitOpen:
		return http.StatusServiceUnavailable, "store-unavailable", "Service Unavailable"
	default:
		return http.StatusInternalServerError, "internal-error", "Internal Server Error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, typ, title := problemFor(core.KindOf(err))
	writeJSON(w, status, apiProblem{
		Type:      typ,
		Title:     title,
		Status:    status,
		Detail:    err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

// writeFieldErrors reports per-field validation failures.
func writeFieldErrors(w http.ResponseWriter, errs map[string]string) {
	writeJSON(w, http.StatusBadRequest, apiProblem{
		Type:      "validation-error",
		Title:     "Invalid Input",
		Status:    http.StatusBadRequest,
		Detail:    "request validation failed",
		Timestamp: time.Now().UTC(),
		Errors:    errs,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, core.E(core.KindInvalidInput, "invalid request body: %v", err))
		return false
	}
	return true
}

// pathUUID extracts and parses a uuid path variable. Malformed values
// are reported as Invalid Parameter rather than a generic 400.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiProblem{
			Type:      "invalid-parameter",
			Title:     "Invalid Parameter",
			Status:    http.StatusBadRequest,
			Detail:    fmt.Sprintf("invalid %s: %v", name, err),
			Timestamp: time.Now().UTC(),
		})
		return uuid.Nil, false
	}
	return id, true
}

// parseUUIDField parses a required uuid body field.
func parseUUIDField(raw, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, core.E(core.KindInvalidInput, "invalid %s: %v", name, err)
	}
	return id, nil
}

// queryUUID parses an optional uuid query parameter; absence returns nil.
func queryUUID(w http.ResponseWriter, r *http.Request, name string) (*uuid.UUID, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, core.E(core.KindInvalidInput, "invalid %s: %v", name, err))
		return nil, false
	}
	return &id, true
}
