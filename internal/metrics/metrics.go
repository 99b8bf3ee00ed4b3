// Package metrics exposes Prometheus instrumentation for indexing, retrieval and research runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "finrag"

var (
	// ChunksIndexed counts chunks written to the chunk store.
	ChunksIndexed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "chunks_indexed_total",
			Help:      "Total number of chunks written to the chunk store",
		},
	)

	// DocumentsIngested counts ingested documents.
	// Labels: result (indexed, malformed, failed)
	DocumentsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "documents_total",
			Help:      "Total number of documents processed by the indexer",
		},
		[]string{"result"},
	)

	// RetrievalDuration tracks hybrid retrieval latency.
	RetrievalDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrieve",
			Name:      "duration_seconds",
			Help:      "Duration of hybrid retrieval calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// RetrievalCacheHits counts retrieval cache lookups.
	// Labels: result (hit, miss)
	RetrievalCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieve",
			Name:      "cache_lookups_total",
			Help:      "Total number of retrieval cache lookups",
		},
		[]string{"result"},
	)

	// RerankFallbacks counts evidence sets returned in fused order because the scorer failed.
	RerankFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rerank",
			Name:      "fallbacks_total",
			Help:      "Total number of evidence sets left unreranked after scorer failure",
		},
	)

	// ExternalCalls counts calls to embedding, rerank and generation services.
	// Labels: service (embed, rerank, generate), outcome (success, retry, error)
	ExternalCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "external",
			Name:      "calls_total",
			Help:      "Total number of external service call attempts",
		},
		[]string{"service", "outcome"},
	)

	// RunsStarted counts research runs started.
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "runs_started_total",
			Help:      "Total number of research runs started",
		},
	)

	// RunsFinished counts research runs by terminal outcome.
	// Labels: outcome (done, aborted), confidence (normal, low)
	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "runs_finished_total",
			Help:      "Total number of research runs finished by outcome",
		},
		[]string{"outcome", "confidence"},
	)

	// RunDuration tracks wall time of research runs.
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "run_duration_seconds",
			Help:      "Duration of research runs in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	// ActiveRuns reports runs not yet finished.
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "active_runs",
			Help:      "Number of research runs currently executing",
		},
	)
)
