package telemetry

import (
	"sort"

	"rootscope/internal/models"
)

type spanKey struct {
	traceID, spanID string
}

type metricKey struct {
	service, name string
	ts            int64
}

type logKey struct {
	traceID, spanID, service string
	ts                       int64
	message                  string
}

// DedupSpans drops spans sharing (trace_id, span_id), keeping the last
// occurrence, and returns them ordered by start time then span id.
func DedupSpans(spans []models.Span) []models.Span {
	idx := make(map[spanKey]int, len(spans))
	out := make([]models.Span, 0, len(spans))
	for _, s := range spans {
		s.StartTime = s.StartTime.UTC()
		s.EndTime = s.EndTime.UTC()
		k := spanKey{s.TraceID, s.SpanID}
		if i, ok := idx[k]; ok {
			out[i] = s
			continue
		}
		idx[k] = len(out)
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		if out[i].TraceID != out[j].TraceID {
			return out[i].TraceID < out[j].TraceID
		}
		return out[i].SpanID < out[j].SpanID
	})
	return out
}

// DedupMetrics drops points sharing (service, metric_name, timestamp),
// keeping the last occurrence.
func DedupMetrics(points []models.MetricPoint) []models.MetricPoint {
	idx := make(map[metricKey]int, len(points))
	out := make([]models.MetricPoint, 0, len(points))
	for _, p := range points {
		p.Timestamp = p.Timestamp.UTC()
		k := metricKey{p.ServiceName, p.MetricName, p.Timestamp.UnixNano()}
		if i, ok := idx[k]; ok {
			out[i] = p
			continue
		}
		idx[k] = len(out)
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ServiceName != out[j].ServiceName {
			return out[i].ServiceName < out[j].ServiceName
		}
		if out[i].MetricName != out[j].MetricName {
			return out[i].MetricName < out[j].MetricName
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// DedupLogs drops exact repeats of a log line, keeping the last occurrence.
func DedupLogs(logs []models.LogRecord) []models.LogRecord {
	idx := make(map[logKey]int, len(logs))
	out := make([]models.LogRecord, 0, len(logs))
	for _, l := range logs {
		l.Timestamp = l.Timestamp.UTC()
		k := logKey{l.TraceID, l.SpanID, l.ServiceName, l.Timestamp.UnixNano(), l.Message}
		if i, ok := idx[k]; ok {
			out[i] = l
			continue
		}
		idx[k] = len(out)
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func filterLogs(logs []models.LogRecord, keep func(models.LogRecord) bool) []models.LogRecord {
	out := logs[:0:0]
	for _, l := range logs {
		if keep(l) {
			out = append(out, l)
		}
	}
	return out
}
