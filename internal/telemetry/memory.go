package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"

	"rootscope/internal/models"
)

// MemoryStore keeps telemetry in process. It backs the OTLP receiver and the
// fault simulator, and implements every source interface.
type MemoryStore struct {
	mu        sync.RWMutex
	retention time.Duration
	traces    map[string][]models.Span
	logs      []models.LogRecord
	metrics   []models.MetricPoint
}

// NewMemoryStore creates a store that prunes records older than retention
// on each write. A zero retention keeps everything.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		retention: retention,
		traces:    make(map[string][]models.Span),
	}
}

// AddSpans stores spans grouped by trace id.
func (m *MemoryStore) AddSpans(spans ...models.Span) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range spans {
		m.traces[s.TraceID] = append(m.traces[s.TraceID], s)
	}
	m.pruneLocked(time.Now())
}

// AddLogs stores log records.
func (m *MemoryStore) AddLogs(logs ...models.LogRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, logs...)
	m.pruneLocked(time.Now())
}

// AddMetrics stores metric points.
func (m *MemoryStore) AddMetrics(points ...models.MetricPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, points...)
	m.pruneLocked(time.Now())
}

func (m *MemoryStore) pruneLocked(now time.Time) {
	if m.retention <= 0 {
		return
	}
	cutoff := now.Add(-m.retention)
	for id, spans := range m.traces {
		if models.SpanWindow(spans).End.Before(cutoff) {
			delete(m.traces, id)
		}
	}
	m.logs = filterLogs(m.logs, func(l models.LogRecord) bool {
		return !l.Timestamp.Before(cutoff)
	})
	kept := m.metrics[:0]
	for _, p := range m.metrics {
		if !p.Timestamp.Before(cutoff) {
			kept = append(kept, p)
		}
	}
	m.metrics = kept
}

// TraceSpans implements SpanSource.
func (m *MemoryStore) TraceSpans(ctx context.Context, traceID string) ([]models.Span, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Span(nil), m.traces[traceID]...), nil
}

// WindowSpans implements SpanSource. Spans overlapping tr are returned.
func (m *MemoryStore) WindowSpans(ctx context.Context, services []string, tr models.TimeRange) ([]models.Span, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := serviceSet(services)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Span
	for _, spans := range m.traces {
		for _, s := range spans {
			if !want.has(s.ServiceName) {
				continue
			}
			if s.EndTime.Before(tr.Start) || s.StartTime.After(tr.End) {
				continue
			}
			out = append(out, s)
		}
	}
	return out, nil
}

// TraceLogs implements LogSource.
func (m *MemoryStore) TraceLogs(ctx context.Context, traceID string, _ []string, _ models.TimeRange) ([]models.LogRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterLogs(m.logs, func(l models.LogRecord) bool {
		return l.TraceID == traceID
	}), nil
}

// WindowLogs implements LogSource.
func (m *MemoryStore) WindowLogs(ctx context.Context, services []string, tr models.TimeRange) ([]models.LogRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := serviceSet(services)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterLogs(m.logs, func(l models.LogRecord) bool {
		return want.has(l.ServiceName) && tr.Contains(l.Timestamp)
	}), nil
}

// ServiceMetrics implements MetricSource.
func (m *MemoryStore) ServiceMetrics(ctx context.Context, services []string, tr models.TimeRange) ([]models.MetricPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := serviceSet(services)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.MetricPoint
	for _, p := range m.metrics {
		if want.has(p.ServiceName) && tr.Contains(p.Timestamp) {
			out = append(out, p)
		}
	}
	return out, nil
}

// FindTraces implements TraceFinder. Traces with a span of service inside tr
// are returned newest first, erroring traces ahead of clean ones.
func (m *MemoryStore) FindTraces(ctx context.Context, service string, tr models.TimeRange, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	type hit struct {
		id      string
		start   time.Time
		errored bool
	}
	var hits []hit
	for id, spans := range m.traces {
		found, errored := false, false
		for _, s := range spans {
			if s.ServiceName == service && tr.Contains(s.StartTime) {
				found = true
			}
			if s.IsError() {
				errored = true
			}
		}
		if found {
			hits = append(hits, hit{id: id, start: models.SpanWindow(spans).Start, errored: errored})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].errored != hits[j].errored {
			return hits[i].errored
		}
		if !hits[i].start.Equal(hits[j].start) {
			return hits[i].start.After(hits[j].start)
		}
		return hits[i].id < hits[j].id
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids, nil
}

// Store returns a Store with the memory store behind every modality.
func (m *MemoryStore) Store() Store {
	return Store{Spans: m, Logs: m, Metrics: m}
}

type services map[string]struct{}

func serviceSet(names []string) services {
	if len(names) == 0 {
		return nil
	}
	set := make(services, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// has reports membership; the nil set matches everything.
func (s services) has(name string) bool {
	if s == nil {
		return true
	}
	_, ok := s[name]
	return ok
}
