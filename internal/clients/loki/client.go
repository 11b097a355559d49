// Package loki provides a client to interface with Grafana Loki for log aggregation and LogQL querying.
package loki

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"rootscope/internal/models"
	"rootscope/internal/timeutil"
)

var traceIDPattern = regexp.MustCompile(`(?i)trace_?id["']?\s*[=:]\s*["']?([0-9a-f]{16,32})`)

// Client handles LogQL queries against a specified Loki instance.
type Client struct {
	baseURL      string
	client       *http.Client
	serviceLabel string
	limit        int
	logger       *slog.Logger
}

// NewClient creates a new Loki client. serviceLabel is the stream label
// carrying the service name.
func NewClient(baseURL string, timeout time.Duration, serviceLabel string, limit int, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:3100"
	}
	if serviceLabel == "" {
		serviceLabel = "service_name"
	}
	if limit <= 0 {
		limit = 5000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
		serviceLabel: serviceLabel,
		limit:        limit,
		logger:       logger,
	}
}

// LogResponse represents Loki query response
type LogResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Stream map[string]string   `json:"stream"`
			Values [][]json.RawMessage `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

// Query executes a LogQL range query and converts the result into log records.
func (c *Client) Query(ctx context.Context, query string, tr models.TimeRange) ([]models.LogRecord, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("start", strconv.FormatInt(tr.Start.UnixNano(), 10))
	params.Set("end", strconv.FormatInt(tr.End.UnixNano(), 10))
	params.Set("limit", strconv.Itoa(c.limit))
	params.Set("direction", "forward")

	req, err := c.newRequest(ctx, http.MethodGet, "/loki/api/v1/query_range", params)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var result LogResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	records := make([]models.LogRecord, 0)
	for _, res := range result.Data.Result {
		for _, value := range res.Values {
			rec, ok := c.toRecord(res.Stream, value)
			if !ok {
				continue
			}
			records = append(records, rec)
		}
	}

	return records, nil
}

func (c *Client) toRecord(stream map[string]string, value []json.RawMessage) (models.LogRecord, bool) {
	if len(value) < 2 {
		return models.LogRecord{}, false
	}
	var tsRaw, line string
	if err := json.Unmarshal(value[0], &tsRaw); err != nil {
		return models.LogRecord{}, false
	}
	if err := json.Unmarshal(value[1], &line); err != nil {
		return models.LogRecord{}, false
	}
	ts, err := timeutil.Parse(tsRaw)
	if err != nil {
		c.logger.Debug("skipping log line with unparseable timestamp", "timestamp", tsRaw, "error", err)
		return models.LogRecord{}, false
	}

	labels := make(map[string]string, len(stream))
	for k, v := range stream {
		labels[k] = v
	}
	// Structured metadata arrives as an optional third element.
	if len(value) > 2 {
		var meta map[string]string
		if err := json.Unmarshal(value[2], &meta); err == nil {
			for k, v := range meta {
				labels[k] = v
			}
		}
	}

	rec := models.LogRecord{
		TraceID:     firstNonEmpty(labels["trace_id"], labels["traceID"], labels["traceid"]),
		SpanID:      firstNonEmpty(labels["span_id"], labels["spanID"], labels["spanid"]),
		ServiceName: firstNonEmpty(labels[c.serviceLabel], labels["service_name"], labels["service"], labels["job"]),
		Timestamp:   ts,
		Severity:    firstNonEmpty(labels["level"], labels["detected_level"], labels["severity"]),
		Message:     line,
		Attributes:  labels,
	}
	if rec.TraceID == "" {
		if m := traceIDPattern.FindStringSubmatch(line); m != nil {
			rec.TraceID = strings.ToLower(m[1])
		}
	}
	return rec, true
}

// TraceLogs fetches lines mentioning traceID from the given services.
func (c *Client) TraceLogs(ctx context.Context, traceID string, services []string, tr models.TimeRange) ([]models.LogRecord, error) {
	query := fmt.Sprintf("%s |= %q", c.selector(services), traceID)
	records, err := c.Query(ctx, query, tr)
	if err != nil {
		c.logger.Error("Failed to fetch trace logs", "traceID", traceID, "error", err)
		return nil, err
	}
	for i := range records {
		if records[i].TraceID == "" {
			records[i].TraceID = traceID
		}
	}
	return records, nil
}

// WindowLogs fetches every line from the given services in tr.
func (c *Client) WindowLogs(ctx context.Context, services []string, tr models.TimeRange) ([]models.LogRecord, error) {
	records, err := c.Query(ctx, c.selector(services), tr)
	if err != nil {
		c.logger.Error("Failed to fetch window logs", "services", services, "error", err)
		return nil, err
	}
	return records, nil
}

// selector builds the stream selector for services; no services selects
// every stream carrying the service label.
func (c *Client) selector(services []string) string {
	if len(services) == 0 {
		return fmt.Sprintf(`{%s=~".+"}`, c.serviceLabel)
	}
	quoted := make([]string, 0, len(services))
	for _, s := range services {
		quoted = append(quoted, regexp.QuoteMeta(s))
	}
	return fmt.Sprintf("{%s=~%q}", c.serviceLabel, strings.Join(quoted, "|"))
}

// newRequest creates a new HTTP request
func (c *Client) newRequest(ctx context.Context, method, path string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	u.Path = path
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	return req, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
