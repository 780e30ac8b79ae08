package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathagent_pipeline_runs_total",
			Help: "Pipeline runs by terminal state",
		},
		[]string{"terminal_state"},
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mathagent_pipeline_duration_seconds",
			Help:    "End-to-end pipeline duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mathagent_stage_duration_seconds",
			Help:    "Duration of a single pipeline stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	Rejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathagent_filter_rejections_total",
			Help: "Queries rejected by the safety/topic filter",
		},
		[]string{"reason"},
	)

	Decompositions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathagent_decompositions_total",
			Help: "Decomposition outcomes by path (heuristic, llm, fallback)",
		},
		[]string{"path"},
	)

	FallbackDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathagent_retrieval_fallback_total",
			Help: "Retrieval coordinator decisions (local or external)",
		},
		[]string{"decision"},
	)

	ExternalHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathagent_external_search_hits_total",
			Help: "Hits returned per external search backend",
		},
		[]string{"backend"},
	)

	ExternalErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathagent_external_search_errors_total",
			Help: "Failed external search calls per backend",
		},
		[]string{"backend"},
	)

	RerankFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mathagent_rerank_fallbacks_total",
			Help: "Merges that used the deterministic ordering because the scorer failed",
		},
	)

	Retries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mathagent_verification_retries_total",
			Help: "Verification-triggered retry cycles",
		},
	)

	VerifierFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathagent_verifier_failures_total",
			Help: "Verifier calls that fell back to the safe default",
		},
		[]string{"reason"},
	)

	ReasoningFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mathagent_reasoning_failures_total",
			Help: "Reasoning calls replaced by the apology text",
		},
	)

	LLMCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathagent_llm_calls_total",
			Help: "LLM generation calls",
		},
		[]string{"role", "status"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mathagent_llm_latency_seconds",
			Help:    "LLM generation latency",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"role"},
	)

	// Retrieval infrastructure
	VectorSearchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathagent_vector_search_total",
			Help: "Vector searches against the local index",
		},
		[]string{"collection", "status"},
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mathagent_vector_search_latency_seconds",
			Help:    "Vector search latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathagent_embedding_requests_total",
			Help: "Embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mathagent_embedding_latency_seconds",
			Help:    "Embedding request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathagent_cache_hits_total",
			Help: "Cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathagent_cache_misses_total",
			Help: "Cache misses",
		},
		[]string{"cache"},
	)

	// Sessions and feedback
	ThreadsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mathagent_threads_cached",
			Help: "Threads held in the local session cache",
		},
	)

	FeedbackWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathagent_feedback_writes_total",
			Help: "Feedback sink writes",
		},
		[]string{"sink", "status"},
	)

	IngestedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathagent_ingested_records_total",
			Help: "Records processed by the ingestion command",
		},
		[]string{"status"},
	)

	// HTTP API
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathagent_http_requests_total",
			Help: "HTTP API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	HTTPLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mathagent_http_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	StreamSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mathagent_stream_subscribers",
			Help: "Open event stream connections by transport",
		},
		[]string{"transport"},
	)
)

// RecordVectorSearchMetrics records one vector search.
func RecordVectorSearchMetrics(collection, status string, durationSeconds float64) {
	VectorSearchTotal.WithLabelValues(collection, status).Inc()
	if status == "success" {
		VectorSearchLatency.WithLabelValues(collection).Observe(durationSeconds)
	}
}

// RecordEmbeddingMetrics records one embedding request.
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if status == "success" {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordLLMCall records one generation call.
func RecordLLMCall(role, status string, durationSeconds float64) {
	LLMCalls.WithLabelValues(role, status).Inc()
	LLMLatency.WithLabelValues(role).Observe(durationSeconds)
}
