// Package metrics exposes Prometheus instrumentation for the decision
// path and the supporting infrastructure. Aggregated historical metrics
// come from the event store; these are the live process-level series.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "limitgate",
		Subsystem: "requests",
		Name:      "decisions_total",
		Help:      "Rate limit decisions by policy, identifier type and outcome.",
	}, []string{"policy_id", "identifier_type", "allowed"})

	remainingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "limitgate",
		Subsystem: "requests",
		Name:      "remaining",
		Help:      "Remaining quota observed on the most recent decision.",
	}, []string{"policy_id", "identifier_type"})

	limitGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "limitgate",
		Subsystem: "requests",
		Name:      "limit",
		Help:      "Configured limit observed on the most recent decision.",
	}, []string{"policy_id", "identifier_type"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "limitgate",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open).",
	}, []string{"breaker"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "limitgate",
		Subsystem: "ingest",
		Name:      "queue_depth",
		Help:      "Events waiting in the ingest queue.",
	})

	queueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "limitgate",
		Subsystem: "ingest",
		Name:      "caller_runs_total",
		Help:      "Saturation fallbacks where the producer flushed inline.",
	})

	ingestFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "limitgate",
		Subsystem: "ingest",
		Name:      "events_flushed_total",
		Help:      "Decision events persisted to the event store.",
	})

	cacheHits = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "limitgate",
		Subsystem: "cache",
		Name:      "hits",
		Help:      "Cumulative cache hits per cache.",
	}, []string{"cache"})

	cacheMisses = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "limitgate",
		Subsystem: "cache",
		Name:      "misses",
		Help:      "Cumulative cache misses per cache.",
	}, []string{"cache"})

	cacheSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "limitgate",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Live entries per cache.",
	}, []string{"cache"})
)

// ObserveDecision records one rate limit decision.
func ObserveDecision(policyID, identifierType string, allowed bool, remaining, limit int64) {
	decisionsTotal.WithLabelValues(policyID, identifierType, strconv.FormatBool(allowed)).Inc()
	remainingGauge.WithLabelValues(policyID, identifierType).Set(float64(remaining))
	limitGauge.WithLabelValues(policyID, identifierType).Set(float64(limit))
}

// SetBreakerState publishes a breaker transition.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// SetQueueDepth publishes the current ingest queue depth.
func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

// CallerRan counts a saturation fallback.
func CallerRan() { queueDropped.Inc() }

// EventsFlushed counts persisted events.
func EventsFlushed(n int) { ingestFlushed.Add(float64(n)) }

// SetCacheStats publishes one cache's counters.
func SetCacheStats(name string, size int, hits, misses int64) {
	cacheSize.WithLabelValues(name).Set(float64(size))
	cacheHits.WithLabelValues(name).Set(float64(hits))
	cacheMisses.WithLabelValues(name).Set(float64(misses))
}
