package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/limitgate/backend/internal/cache"
	"github.com/limitgate/backend/internal/circuitbreaker"
	"github.com/limitgate/backend/internal/ingest"
	"github.com/limitgate/backend/internal/metrics"
	"github.com/limitgate/backend/internal/stream"
)

// Pinger reports reachability of one dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandleHealth reports service health: dependency reachability and
// breaker states. Any open breaker degrades the status without failing
// the endpoint.
// GET /health
func HandleHealth(db, redis Pinger, cbm *circuitbreaker.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		deps := map[string]string{}
		check := func(name string, p Pinger) {
			if p == nil {
				deps[name] = "unconfigured"
				return
			}
			if err := p.Ping(ctx); err != nil {
				deps[name] = "unreachable"
				return
			}
			deps[name] = "ok"
		}
		check("postgres", db)
		check("redis", redis)

		status, breakers := cbm.HealthStatus()
		for _, v := range deps {
			if v == "unreachable" {
				status = "DEGRADED"
			}
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":       status,
			"dependencies": deps,
			"breakers":     breakers,
			"time":         time.Now().UTC(),
		})
	}
}

// HandleBreakerStats reports every breaker's window counters.
// GET /api/system/breakers
func HandleBreakerStats(cbm *circuitbreaker.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cbm.Snapshot())
	}
}

// HandleCacheStats reports per-cache hit/miss/eviction counters and
// mirrors the snapshot into the Prometheus gauges.
// GET /api/system/caches
func HandleCacheStats(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := cfg.StatsSnapshot()
		for name, s := range snapshot {
			metrics.SetCacheStats(name, s.Size, s.Hits, s.Misses)
		}
		writeJSON(w, http.StatusOK, snapshot)
	}
}

// HandleCacheFlush drops every config cache.
// POST /api/system/caches/flush
func HandleCacheFlush(cfg *cache.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg.ClearAll()
		writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
	}
}

// HandleIngestStats reports the async pipeline state.
// GET /api/system/ingest
func HandleIngestStats(q *ingest.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"queue_depth": q.Depth(),
			"workers":     q.Workers(),
		})
	}
}

// HandleStreamStats reports websocket hub state.
// GET /api/system/stream
func HandleStreamStats(s *stream.Streamer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Statistics())
	}
}
