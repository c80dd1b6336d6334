package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Guardrail metrics
	GuardrailChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candor_guardrail_checks_total",
			Help: "Total number of guardrail pipeline checks",
		},
		[]string{"direction"},
	)

	GuardrailViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candor_guardrail_violations_total",
			Help: "Total number of guardrail violations by rule",
		},
		[]string{"rule", "severity"},
	)

	GuardrailBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candor_guardrail_blocked_total",
			Help: "Total number of checks blocked by the guardrail pipeline",
		},
		[]string{"direction"},
	)

	GuardrailCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "candor_guardrail_check_duration_seconds",
			Help:    "Guardrail pipeline check duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"direction"},
	)

	// Workflow metrics
	WorkflowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candor_workflows_started_total",
			Help: "Total number of workflows started",
		},
		[]string{"workflow_type", "streaming"},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candor_workflows_completed_total",
			Help: "Total number of workflows completed",
		},
		[]string{"workflow_type", "status"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "candor_workflow_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow_type"},
	)

	WorkflowTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "candor_workflow_tokens_used",
			Help:    "Number of tokens used per workflow execution",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000},
		},
	)

	// Streaming metrics
	StreamChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candor_stream_chunks_total",
			Help: "Total number of streamed response chunks by type",
		},
		[]string{"type"},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "candor_stream_subscribers",
			Help: "Current number of stream subscribers",
		},
	)

	// Profiling session metrics
	ProfilingSessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "candor_profiling_sessions_started_total",
			Help: "Total number of profiling sessions started",
		},
	)

	ProfilingSessionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candor_profiling_sessions_completed_total",
			Help: "Total number of profiling sessions completed",
		},
		[]string{"reason"},
	)

	ProfilingIterations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "candor_profiling_iterations_total",
			Help: "Total number of profiling session passes",
		},
	)

	ProfilingCompleteness = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "candor_profiling_completeness_score",
			Help:    "Completeness score observed at each analysis step",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	// Conversation store metrics
	ConversationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "candor_conversations_created_total",
			Help: "Total number of conversations created",
		},
	)

	ConversationCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "candor_conversation_cache_hits_total",
			Help: "Total number of conversation cache hits",
		},
	)

	ConversationCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "candor_conversation_cache_misses_total",
			Help: "Total number of conversation cache misses",
		},
	)

	ConversationCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "candor_conversation_cache_size",
			Help: "Current number of conversations in local cache",
		},
	)

	ConversationCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "candor_conversation_cache_evictions_total",
			Help: "Total number of conversations evicted from cache",
		},
	)

	// Generation service metrics
	GenerationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candor_generation_requests_total",
			Help: "Total number of generation service requests",
		},
		[]string{"mode", "status"},
	)

	GenerationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "candor_generation_latency_seconds",
			Help:    "Generation service request latency in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"mode"},
	)

	GenerationTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candor_generation_tokens_total",
			Help: "Total tokens reported by the generation service",
		},
		[]string{"kind"},
	)

	// Memory search metrics
	MemorySearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candor_memory_search_total",
			Help: "Total number of memory searches",
		},
		[]string{"collection", "status"},
	)

	MemorySearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "candor_memory_search_latency_seconds",
			Help:    "Memory search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candor_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "candor_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	EmbeddingCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "candor_embedding_cache_hits_total",
			Help: "Total number of embedding cache hits",
		},
	)

	EmbeddingCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "candor_embedding_cache_misses_total",
			Help: "Total number of embedding cache misses",
		},
	)

	// Persistence metrics
	DBWritesQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candor_db_writes_queued_total",
			Help: "Total number of writes queued for async persistence",
		},
		[]string{"type"},
	)

	DBWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candor_db_write_errors_total",
			Help: "Total number of failed persistence writes",
		},
		[]string{"type"},
	)
)

// RecordWorkflowMetrics records metrics for a completed workflow execution.
func RecordWorkflowMetrics(workflowType, status string, durationSeconds float64, tokensUsed int) {
	WorkflowsCompleted.WithLabelValues(workflowType, status).Inc()
	WorkflowDuration.WithLabelValues(workflowType).Observe(durationSeconds)
	if tokensUsed > 0 {
		WorkflowTokensUsed.Observe(float64(tokensUsed))
	}
}

// RecordGuardrailCheck records the outcome of one pipeline check.
func RecordGuardrailCheck(direction string, blocked bool, durationSeconds float64) {
	GuardrailChecks.WithLabelValues(direction).Inc()
	GuardrailCheckDuration.WithLabelValues(direction).Observe(durationSeconds)
	if blocked {
		GuardrailBlocked.WithLabelValues(direction).Inc()
	}
}

// RecordMemorySearchMetrics records metrics for a memory search
func RecordMemorySearchMetrics(collection, status string, durationSeconds float64) {
	MemorySearches.WithLabelValues(collection, status).Inc()
	MemorySearchLatency.WithLabelValues(collection).Observe(durationSeconds)
}

// RecordEmbeddingMetrics records metrics for an embedding request
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
}

// RecordGenerationMetrics records metrics for a generation service request
func RecordGenerationMetrics(mode, status string, durationSeconds float64, promptTokens, completionTokens int) {
	GenerationRequests.WithLabelValues(mode, status).Inc()
	GenerationLatency.WithLabelValues(mode).Observe(durationSeconds)
	if promptTokens > 0 {
		GenerationTokens.WithLabelValues("prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		GenerationTokens.WithLabelValues("completion").Add(float64(completionTokens))
	}
}
