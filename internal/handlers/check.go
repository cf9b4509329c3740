package handlers

import (
	"net"
	"net/http"
	"strconv"

	"github.com/limitgate/backend/internal/core"
	"github.com/limitgate/backend/internal/service"
)

// HandleCheck is the decision endpoint.
// POST /api/rate-limit/check
func HandleCheck(checker *service.Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req core.CheckRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.IPAddress == "" {
			req.IPAddress = clientIP(r)
		}

		resp, err := checker.Check(r.Context(), &req)
		if err != nil {
			writeError(w, err)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(resp.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(resp.Remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resp.ResetInSeconds, 10))
		if resp.RetryAfter != nil {
			w.Header().Set("Retry-After", strconv.FormatInt(*resp.RetryAfter, 10))
		}

		// The decision endpoint always answers 200; the verdict is in the
		// body. Callers enforcing at their own edge translate a deny into
		// 429 themselves.
		writeJSON(w, http.StatusOK, resp)
	}
}

// clientIP extracts the caller address, honoring X-Forwarded-For.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
