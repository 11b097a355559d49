// Package metrics holds the Prometheus collectors exported by rootscope.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rootscope"

var (
	// AnalysesTotal counts orchestrator runs by mode and outcome kind ("ok" on success).
	AnalysesTotal = Counter(
		"analyses_total",
		"Total number of root cause analyses",
		"mode", "outcome",
	)

	// StageDuration tracks how long each orchestrator state takes.
	StageDuration = Histogram(
		"stage_duration_seconds",
		"Duration of analysis pipeline stages in seconds",
		prometheus.DefBuckets,
		"stage",
	)

	// CacheRequests counts telemetry index cache lookups.
	CacheRequests = Counter(
		"index_cache_requests_total",
		"Telemetry index cache lookups",
		"result",
	)

	// RetrievalErrors counts backend failures per modality, including absorbed ones.
	RetrievalErrors = Counter(
		"retrieval_errors_total",
		"Telemetry backend errors by modality",
		"modality",
	)

	// ExtractorTimeouts counts signal extractors that exceeded their budget.
	ExtractorTimeouts = Counter(
		"extractor_timeouts_total",
		"Signal extractors that timed out and fell back to neutral values",
		"extractor",
	)

	// ReasoningRetries counts corrective retries sent to the reasoning provider.
	ReasoningRetries = Counter(
		"reasoning_retries_total",
		"Corrective retries issued after malformed reasoning output",
		"provider",
	)

	// ExperimentsTotal counts harness experiments by outcome.
	ExperimentsTotal = Counter(
		"experiments_total",
		"Fault injection experiments",
		"fault_type", "outcome",
	)

	// IngestedRecords counts records accepted by the OTLP receiver.
	IngestedRecords = Counter(
		"ingested_records_total",
		"Records accepted by the OTLP receiver",
		"signal",
	)
)

// Counter registers a counter vector in the rootscope namespace.
func Counter(name, help string, labelKeys ...string) *prometheus.CounterVec {
	return promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		},
		labelKeys,
	)
}

// Histogram registers a histogram vector in the rootscope namespace.
func Histogram(name, help string, buckets []float64, labelKeys ...string) *prometheus.HistogramVec {
	return promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labelKeys,
	)
}

// ObserveSince records the time elapsed since start for stage.
func ObserveSince(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
