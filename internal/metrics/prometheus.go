package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TurnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kb_agent_turn_duration_seconds",
			Help:    "Agent turn duration from request to stream completion",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"mode", "state"},
	)

	IntentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_agent_intent_total",
			Help: "Classified intents",
		},
		[]string{"intent", "source"},
	)

	RetrievalResults = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kb_agent_retrieval_results",
			Help:    "Results kept after the similarity floor per search",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 20},
		},
	)

	RetrievalSimilarity = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kb_agent_retrieval_similarity",
			Help:    "Similarity of every candidate returned by the vector store",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	RetrievalErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_agent_retrieval_errors_total",
			Help: "Retrieval failures that degraded a turn to no context",
		},
		[]string{"reason"},
	)

	GenerationWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kb_agent_generation_wait_seconds",
			Help:    "Time spent waiting for the shared generation slot",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30},
		},
	)

	ActiveStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kb_agent_active_streams",
			Help: "Chat streams currently open",
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_agent_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_agent_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	DocumentsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_agent_documents_written_total",
			Help: "Knowledge documents upserted or removed",
		},
		[]string{"op"},
	)

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kb_agent_circuit_breaker_state",
			Help: "Circuit breaker state per upstream",
		},
		[]string{"name"},
	)

	SessionsArchived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kb_agent_sessions_archived_total",
			Help: "Sessions archived",
		},
	)
)

var initOnce sync.Once

func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			TurnDuration,
			IntentTotal,
			RetrievalResults,
			RetrievalSimilarity,
			RetrievalErrors,
			GenerationWait,
			ActiveStreams,
			CacheHits,
			CacheMisses,
			DocumentsWritten,
			BreakerState,
			SessionsArchived,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
