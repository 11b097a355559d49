// Package telemetry retrieves, normalizes and caches spans, logs and metrics
// for analysis requests.
package telemetry

import (
	"context"

	"rootscope/internal/models"
)

// SpanSource fetches spans from a trace backend.
type SpanSource interface {
	// TraceSpans returns every span of the trace. An unknown trace yields an
	// empty slice or a NotFound error.
	TraceSpans(ctx context.Context, traceID string) ([]models.Span, error)
	// WindowSpans returns spans of the given services overlapping tr. An empty
	// service set means all services.
	WindowSpans(ctx context.Context, services []string, tr models.TimeRange) ([]models.Span, error)
}

// LogSource fetches log records from a log backend.
type LogSource interface {
	// TraceLogs returns log records correlated with traceID. services and tr
	// narrow the search for backends that need a stream selector.
	TraceLogs(ctx context.Context, traceID string, services []string, tr models.TimeRange) ([]models.LogRecord, error)
	// WindowLogs returns all records for the services in tr, including those
	// without a trace id.
	WindowLogs(ctx context.Context, services []string, tr models.TimeRange) ([]models.LogRecord, error)
}

// MetricSource fetches per-service metric time series.
type MetricSource interface {
	ServiceMetrics(ctx context.Context, services []string, tr models.TimeRange) ([]models.MetricPoint, error)
}

// TraceFinder locates trace ids touching a service. The evaluation harness
// uses it to wait for injected incidents to show up in the store.
type TraceFinder interface {
	FindTraces(ctx context.Context, service string, tr models.TimeRange, limit int) ([]string, error)
}

// Store groups the backends used by the index. Logs and Metrics are
// optional; a nil source yields an empty modality.
type Store struct {
	Spans   SpanSource
	Logs    LogSource
	Metrics MetricSource
}
