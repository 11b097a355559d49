// Package signals derives per-service anomaly signals from a trace's graph,
// logs and metrics.
package signals

import (
	"context"
	"time"

	"rootscope/internal/graph"
	"rootscope/internal/models"
)

// Signal names as they appear in rankings and configuration.
const (
	ErrorPropagation = "error_propagation"
	MetricAnomaly    = "metric_anomaly"
	LogAnomaly       = "log_anomaly"
)

// Input is the immutable evidence handed to every extractor.
type Input struct {
	Graph   *graph.ServiceGraph
	Spans   []models.Span
	Logs    []models.LogRecord
	Metrics []models.MetricPoint
	// Window is the incident window: the trace's span window for trace
	// analysis, or the requested range for window analysis.
	Window models.TimeRange
}

// Values maps service names to a signal value in [0,1]. A service absent
// from the map is neutral.
type Values map[string]float64

// Extractor computes one signal. Implementations must not mutate Input and
// must treat missing data as neutral rather than failing.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, in Input) Values
}

// Config tunes the default extractors.
type Config struct {
	Decay             float64
	BaselineWindow    time.Duration
	IncidentPad       time.Duration
	ZScale            float64
	MinBaselinePoints int
	LogKeywords       []string
	SkewTolerance     time.Duration
	// Enabled limits which extractors are built; empty means all.
	Enabled []string
}

// Build returns the extractors selected by cfg, in a fixed order.
func Build(cfg Config) []Extractor {
	all := []Extractor{
		NewErrorPropagation(cfg.Decay),
		NewMetricAnomaly(cfg.BaselineWindow, cfg.IncidentPad, cfg.ZScale, cfg.MinBaselinePoints),
		NewLogAnomaly(cfg.LogKeywords, cfg.SkewTolerance),
	}
	if len(cfg.Enabled) == 0 {
		return all
	}
	enabled := make(map[string]bool, len(cfg.Enabled))
	for _, name := range cfg.Enabled {
		enabled[name] = true
	}
	var out []Extractor
	for _, e := range all {
		if enabled[e.Name()] {
			out = append(out, e)
		}
	}
	return out
}
