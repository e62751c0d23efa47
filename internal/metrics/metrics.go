// Package metrics declares the Prometheus instruments of the assistant.
// Instruments register on the default registry and are served by /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RouteDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assistant",
		Subsystem: "semantic",
		Name:      "route_decisions_total",
		Help:      "Semantic routing decisions by tier",
	}, []string{"tier"})

	RouteDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "assistant",
		Subsystem: "semantic",
		Name:      "route_degraded_total",
		Help:      "Routing calls that fell back to full reasoning because the embedding provider failed",
	})

	RouteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "assistant",
		Subsystem: "semantic",
		Name:      "route_latency_seconds",
		Help:      "Semantic routing latency including the input embedding",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assistant",
		Subsystem: "intentcache",
		Name:      "lookups_total",
		Help:      "Intent vector cache lookups by result (hit, miss)",
	}, []string{"result"})

	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "assistant",
		Subsystem: "intentcache",
		Name:      "entries",
		Help:      "Vectors in the current cache generation",
	})

	CacheRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assistant",
		Subsystem: "intentcache",
		Name:      "refreshes_total",
		Help:      "Cache refreshes by scope and outcome",
	}, []string{"scope", "outcome"})

	ComplexityModes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assistant",
		Subsystem: "complexity",
		Name:      "modes_total",
		Help:      "Processing modes selected by the complexity router",
	}, []string{"mode"})

	SlotFilling = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assistant",
		Subsystem: "slotfill",
		Name:      "transitions_total",
		Help:      "Slot filling transitions (started, continued, completed, abandoned)",
	}, []string{"event"})

	Summaries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assistant",
		Subsystem: "memory",
		Name:      "summaries_total",
		Help:      "Conversation summarisation attempts by outcome",
	}, []string{"outcome"})

	Feedback = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assistant",
		Subsystem: "learning",
		Name:      "feedback_total",
		Help:      "Keyword feedback events by polarity",
	}, []string{"polarity"})

	Promotions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assistant",
		Subsystem: "learning",
		Name:      "promotions_total",
		Help:      "Keyword promotion attempts by outcome",
	}, []string{"outcome"})

	Turns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assistant",
		Subsystem: "pipeline",
		Name:      "turns_total",
		Help:      "Processed turns by outcome",
	}, []string{"outcome"})

	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assistant",
		Subsystem: "jobs",
		Name:      "runs_total",
		Help:      "Batch job runs by job and outcome",
	}, []string{"job", "outcome"})
)
