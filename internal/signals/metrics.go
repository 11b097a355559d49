package signals

import (
	"context"
	"math"
	"time"
)

const (
	defaultBaselineWindow    = 15 * time.Minute
	defaultIncidentPad       = time.Minute
	defaultZScale            = 3.0
	defaultMinBaselinePoints = 3
)

type metricAnomaly struct {
	baseline  time.Duration
	pad       time.Duration
	zScale    float64
	minPoints int
}

// NewMetricAnomaly scores services by how far their metrics inside the
// incident window deviate from a trailing baseline.
func NewMetricAnomaly(baseline, pad time.Duration, zScale float64, minPoints int) Extractor {
	if baseline <= 0 {
		baseline = defaultBaselineWindow
	}
	if pad <= 0 {
		pad = defaultIncidentPad
	}
	if zScale <= 0 {
		zScale = defaultZScale
	}
	if minPoints <= 1 {
		minPoints = defaultMinBaselinePoints
	}
	return &metricAnomaly{baseline: baseline, pad: pad, zScale: zScale, minPoints: minPoints}
}

func (m *metricAnomaly) Name() string { return MetricAnomaly }

type seriesKey struct {
	service, metric string
}

type series struct {
	baseline []float64
	incident []float64
}

// Extract computes, per service and metric, z = (mean(incident) -
// mean(baseline)) / std(baseline) and maps it to tanh(|z| / zScale). The
// service value is the maximum over its metrics. Series without enough
// baseline history are neutral.
func (m *metricAnomaly) Extract(ctx context.Context, in Input) Values {
	if len(in.Metrics) == 0 || in.Window.Start.IsZero() {
		return Values{}
	}

	incident := in.Window.Pad(m.pad)
	baselineStart := incident.Start.Add(-m.baseline)

	grouped := make(map[seriesKey]*series)
	for _, p := range in.Metrics {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			continue
		}
		k := seriesKey{p.ServiceName, p.MetricName}
		s := grouped[k]
		if s == nil {
			s = &series{}
			grouped[k] = s
		}
		switch {
		case incident.Contains(p.Timestamp):
			s.incident = append(s.incident, p.Value)
		case !p.Timestamp.Before(baselineStart) && p.Timestamp.Before(incident.Start):
			s.baseline = append(s.baseline, p.Value)
		}
	}

	out := Values{}
	for k, s := range grouped {
		if ctx.Err() != nil {
			break
		}
		if len(s.incident) == 0 || len(s.baseline) < m.minPoints {
			continue
		}
		z := zScore(mean(s.incident), s.baseline)
		v := math.Tanh(math.Abs(z) / m.zScale)
		if v > out[k.service] {
			out[k.service] = v
		}
	}
	return out
}

func zScore(x float64, baseline []float64) float64 {
	mu := mean(baseline)
	variance := 0.0
	for _, v := range baseline {
		variance += (v - mu) * (v - mu)
	}
	std := math.Sqrt(variance / float64(len(baseline)))
	// A flat baseline would turn any wiggle into an infinite z-score.
	floor := 0.05 * math.Max(math.Abs(mu), 1)
	if std < floor {
		std = floor
	}
	return (x - mu) / std
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
