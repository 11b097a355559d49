// Package elasticsearch reads spans and logs indexed in Elasticsearch.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"rootscope/internal/models"
	"rootscope/internal/timeutil"
)

// Spans starting this long before a window may still overlap it.
const maxSpanLength = 5 * time.Minute

// Config selects the cluster and the indices holding telemetry documents.
type Config struct {
	Addresses []string
	Username  string
	Password  string
	SpanIndex string
	LogIndex  string
	MaxHits   int
}

// Client implements span and log retrieval over Elasticsearch search.
type Client struct {
	es        *elasticsearch.Client
	spanIndex string
	logIndex  string
	maxHits   int
	logger    *slog.Logger
}

// NewClient creates an Elasticsearch client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	if cfg.SpanIndex == "" {
		cfg.SpanIndex = "span_index"
	}
	if cfg.LogIndex == "" {
		cfg.LogIndex = "log_index"
	}
	if cfg.MaxHits <= 0 {
		cfg.MaxHits = 5000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		es:        es,
		spanIndex: cfg.SpanIndex,
		logIndex:  cfg.LogIndex,
		maxHits:   cfg.MaxHits,
		logger:    logger,
	}, nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string         `json:"_id"`
			Source map[string]any `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// search runs query against index and returns the hit sources.
func (c *Client) search(ctx context.Context, index string, query map[string]any) ([]map[string]any, error) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(query); err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(index),
		c.es.Search.WithBody(&body),
		c.es.Search.WithSize(c.maxHits),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("failed to execute query: %s", res.String())
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}

	out := make([]map[string]any, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		out = append(out, hit.Source)
	}
	return out, nil
}

func termQuery(field, value string) map[string]any {
	return map[string]any{"term": map[string]any{field: value}}
}

func termsQuery(field string, values []string) map[string]any {
	return map[string]any{"terms": map[string]any{field: values}}
}

func rangeQuery(field string, tr models.TimeRange) map[string]any {
	return map[string]any{"range": map[string]any{field: map[string]any{
		"gte": tr.Start.Format("2006-01-02T15:04:05.000000000Z07:00"),
		"lte": tr.End.Format("2006-01-02T15:04:05.000000000Z07:00"),
	}}}
}

func boolFilter(filters ...map[string]any) map[string]any {
	return map[string]any{"query": map[string]any{"bool": map[string]any{"filter": filters}}}
}

// TraceSpans implements telemetry.SpanSource.
func (c *Client) TraceSpans(ctx context.Context, traceID string) ([]models.Span, error) {
	docs, err := c.search(ctx, c.spanIndex, boolFilter(termQuery("trace_id", traceID)))
	if err != nil {
		c.logger.Error("Failed to fetch spans", "traceID", traceID, "error", err)
		return nil, err
	}
	return c.toSpans(docs), nil
}

// WindowSpans implements telemetry.SpanSource.
func (c *Client) WindowSpans(ctx context.Context, services []string, tr models.TimeRange) ([]models.Span, error) {
	filters := []map[string]any{rangeQuery("start_time", models.TimeRange{Start: tr.Start.Add(-maxSpanLength), End: tr.End})}
	if len(services) > 0 {
		filters = append(filters, termsQuery("service_name", services))
	}
	docs, err := c.search(ctx, c.spanIndex, boolFilter(filters...))
	if err != nil {
		return nil, err
	}
	var out []models.Span
	for _, s := range c.toSpans(docs) {
		if s.EndTime.Before(tr.Start) || s.StartTime.After(tr.End) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// FindTraces implements telemetry.TraceFinder over the span index. Traces
// with an erroring span come first, then newest first.
func (c *Client) FindTraces(ctx context.Context, service string, tr models.TimeRange, limit int) ([]string, error) {
	spans, err := c.WindowSpans(ctx, []string{service}, tr)
	if err != nil {
		return nil, err
	}
	type hit struct {
		start   time.Time
		errored bool
	}
	hits := make(map[string]*hit)
	for _, s := range spans {
		if s.ServiceName != service || !tr.Contains(s.StartTime) {
			continue
		}
		h, ok := hits[s.TraceID]
		if !ok {
			h = &hit{start: s.StartTime}
			hits[s.TraceID] = h
		}
		if s.StartTime.Before(h.start) {
			h.start = s.StartTime
		}
		h.errored = h.errored || s.IsError()
	}
	ids := make([]string, 0, len(hits))
	for id := range hits {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := hits[ids[i]], hits[ids[j]]
		if a.errored != b.errored {
			return a.errored
		}
		if !a.start.Equal(b.start) {
			return a.start.After(b.start)
		}
		return ids[i] < ids[j]
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// TraceLogs implements telemetry.LogSource.
func (c *Client) TraceLogs(ctx context.Context, traceID string, _ []string, _ models.TimeRange) ([]models.LogRecord, error) {
	docs, err := c.search(ctx, c.logIndex, boolFilter(termQuery("trace_id", traceID)))
	if err != nil {
		return nil, err
	}
	return c.toLogs(docs), nil
}

// WindowLogs implements telemetry.LogSource.
func (c *Client) WindowLogs(ctx context.Context, services []string, tr models.TimeRange) ([]models.LogRecord, error) {
	filters := []map[string]any{rangeQuery("timestamp", tr)}
	if len(services) > 0 {
		filters = append(filters, termsQuery("service", services))
	}
	docs, err := c.search(ctx, c.logIndex, boolFilter(filters...))
	if err != nil {
		return nil, err
	}
	return c.toLogs(docs), nil
}

func (c *Client) toSpans(docs []map[string]any) []models.Span {
	out := make([]models.Span, 0, len(docs))
	for _, doc := range docs {
		s, err := spanFromDoc(doc)
		if err != nil {
			c.logger.Warn("Skipping malformed span document", "error", err)
			continue
		}
		out = append(out, s)
	}
	return out
}

func (c *Client) toLogs(docs []map[string]any) []models.LogRecord {
	out := make([]models.LogRecord, 0, len(docs))
	for _, doc := range docs {
		l, err := logFromDoc(doc)
		if err != nil {
			c.logger.Warn("Skipping malformed log document", "error", err)
			continue
		}
		out = append(out, l)
	}
	return out
}

func spanFromDoc(doc map[string]any) (models.Span, error) {
	start, err := timeutil.ParseAny(doc["start_time"])
	if err != nil {
		return models.Span{}, fmt.Errorf("start_time: %w", err)
	}
	end, err := timeutil.ParseAny(doc["end_time"])
	if err != nil {
		return models.Span{}, fmt.Errorf("end_time: %w", err)
	}

	s := models.Span{
		TraceID:       str(doc["trace_id"]),
		SpanID:        str(doc["span_id"]),
		ParentID:      str(doc["parent_span_id"]),
		ServiceName:   str(doc["service_name"]),
		OperationName: firstNonEmpty(str(doc["operation_name"]), str(doc["action_name"])),
		StartTime:     start,
		EndTime:       end,
		Status:        parseStatus(doc["status"]),
	}
	if s.SpanID == "" {
		return models.Span{}, fmt.Errorf("missing span_id")
	}
	if attrs, ok := doc["attributes"].(map[string]any); ok {
		s.Attributes = attrs
	}
	if events, ok := doc["events"].([]any); ok {
		for _, raw := range events {
			e, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			ts, _ := timeutil.ParseAny(e["timestamp"])
			ev := models.SpanEvent{Name: str(e["name"]), Timestamp: ts}
			if attrs, ok := e["attributes"].(map[string]any); ok {
				ev.Attributes = attrs
			}
			s.Events = append(s.Events, ev)
		}
	}
	return s, nil
}

func logFromDoc(doc map[string]any) (models.LogRecord, error) {
	ts, err := timeutil.ParseAny(doc["timestamp"])
	if err != nil {
		return models.LogRecord{}, fmt.Errorf("timestamp: %w", err)
	}
	l := models.LogRecord{
		TraceID:     str(doc["trace_id"]),
		SpanID:      str(doc["span_id"]),
		ServiceName: firstNonEmpty(str(doc["service"]), str(doc["service_name"])),
		Timestamp:   ts,
		Severity:    str(doc["severity"]),
		Message:     str(doc["message"]),
	}
	if attrs, ok := doc["attributes"].(map[string]any); ok {
		l.Attributes = make(map[string]string, len(attrs))
		for k, v := range attrs {
			l.Attributes[k] = fmt.Sprint(v)
		}
	}
	return l, nil
}

// parseStatus accepts "ERROR", {"code": "ERROR"} and OTLP numeric codes.
func parseStatus(v any) models.SpanStatus {
	switch s := v.(type) {
	case string:
		if strings.EqualFold(s, "error") || s == "STATUS_CODE_ERROR" || s == "2" {
			return models.StatusError
		}
	case float64:
		if s == 2 {
			return models.StatusError
		}
	case map[string]any:
		return parseStatus(s["code"])
	}
	return models.StatusOK
}

func str(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
