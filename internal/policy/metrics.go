package policy

import (
	"crypto/sha1"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Policy evaluation metrics
	policyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candor_policy_evaluations_total",
			Help: "Total number of policy evaluations",
		},
		[]string{"decision", "mode"},
	)

	policyEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "candor_policy_evaluation_duration_seconds",
			Help:    "Time spent evaluating policies",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
		},
		[]string{"mode"},
	)

	policyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candor_policy_errors_total",
			Help: "Total number of policy evaluation errors",
		},
		[]string{"error_type", "mode"},
	)

	// Dry-run comparison metrics
	policyDryRunDivergence = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candor_policy_dry_run_divergence_total",
			Help: "Cases where dry-run decision differs from the allow it returned",
		},
		[]string{"divergence_type"}, // "would_deny"
	)

	// Policy load metrics
	policyLoadTime = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "candor_policy_load_timestamp_seconds",
			Help: "Timestamp of last successful policy load",
		},
		[]string{"policy_path"},
	)

	policyCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "candor_policy_files_loaded",
			Help: "Number of policy files currently loaded",
		},
		[]string{"policy_path"},
	)

	// Cache performance metrics
	policyCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candor_policy_cache_hits_total",
			Help: "Total number of policy cache hits",
		},
		[]string{"mode"},
	)

	policyCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candor_policy_cache_misses_total",
			Help: "Total number of policy cache misses",
		},
		[]string{"mode"},
	)

	policyCacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "candor_policy_cache_entries",
			Help: "Current number of entries in policy cache",
		},
		[]string{"cache_type"},
	)

	// Top deny reasons tracking
	policyDenyReasons = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candor_policy_deny_reasons_total",
			Help: "Count of policy denials by reason",
		},
		[]string{"reason_hash", "mode", "truncated_reason"},
	)

	// Policy version tracking
	policyVersionInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "candor_policy_version_info",
			Help: "Policy version information (value always 1, labels contain version data)",
		},
		[]string{"policy_path", "version_hash", "load_timestamp"},
	)
)

// RecordEvaluation records a policy evaluation result
func RecordEvaluation(decision string, mode string) {
	policyEvaluations.WithLabelValues(decision, mode).Inc()
}

// RecordEvaluationDuration records the time spent evaluating a policy
func RecordEvaluationDuration(mode string, duration float64) {
	policyEvaluationDuration.WithLabelValues(mode).Observe(duration)
}

// RecordError records a policy evaluation error
func RecordError(errorType string, mode string) {
	policyErrors.WithLabelValues(errorType, mode).Inc()
}

// RecordDryRunDivergence records when dry-run differs from the returned allow
func RecordDryRunDivergence(divergenceType string) {
	policyDryRunDivergence.WithLabelValues(divergenceType).Inc()
}

// RecordPolicyLoad records successful policy loading
func RecordPolicyLoad(policyPath string, count int, timestamp float64) {
	policyLoadTime.WithLabelValues(policyPath).Set(timestamp)
	policyCount.WithLabelValues(policyPath).Set(float64(count))
}

// RecordCacheHit records a policy cache hit
func RecordCacheHit(mode string) {
	policyCacheHits.WithLabelValues(mode).Inc()
}

// RecordCacheMiss records a policy cache miss
func RecordCacheMiss(mode string) {
	policyCacheMisses.WithLabelValues(mode).Inc()
}

// RecordCacheSize records current cache size
func RecordCacheSize(cacheType string, size int) {
	policyCacheSize.WithLabelValues(cacheType).Set(float64(size))
}

// RecordDenyReason records a denial reason (top reasons tracking)
func RecordDenyReason(reason, mode string) {
	// Hash the reason for consistent labeling while limiting cardinality
	reasonHash := hashString(reason)
	truncatedReason := truncateString(reason, 50)
	policyDenyReasons.WithLabelValues(reasonHash, mode, truncatedReason).Inc()
}

// RecordPolicyVersion records policy version information
func RecordPolicyVersion(policyPath, versionHash, loadTimestamp string) {
	policyVersionInfo.WithLabelValues(policyPath, versionHash, loadTimestamp).Set(1)
}

// hashString creates a consistent hash for high-cardinality strings
func hashString(s string) string {
	h := sha1.Sum([]byte(s))
	return fmt.Sprintf("%x", h[:4])
}

// truncateString truncates a string to a maximum length
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
