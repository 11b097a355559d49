// Package tempo provides a client for interacting with the Grafana Tempo distributed tracing backend.
package tempo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"

	"rootscope/internal/models"
	"rootscope/internal/otlp"
)

// Client fetches traces from the Tempo HTTP API and converts them into
// rootscope spans.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	searchLimit int
	concurrency int
	logger      *slog.Logger
}

// NewClient creates a new Tempo client
func NewClient(baseURL string, timeout time.Duration, searchLimit int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if searchLimit <= 0 {
		searchLimit = 20
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		searchLimit: searchLimit,
		concurrency: 4,
		logger:      logger,
	}
}

// SearchResult represents a Tempo search response
type SearchResult struct {
	Traces []TraceSummary `json:"traces"`
}

// TraceSummary is one trace overview returned by /api/search.
type TraceSummary struct {
	TraceID           string `json:"traceID"`
	RootServiceName   string `json:"rootServiceName"`
	RootTraceName     string `json:"rootTraceName"`
	StartTimeUnixNano string `json:"startTimeUnixNano"`
	DurationMs        int64  `json:"durationMs"`
}

// doRequest performs the HTTP request to Tempo via HTTP API
func (c *Client) doRequest(ctx context.Context, apiPath string, params url.Values, accept string) ([]byte, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	u.Path = apiPath
	if params != nil {
		u.RawQuery = params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tempo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, models.NewError(models.KindNotFound, "tempo has no data at %s", apiPath)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code from tempo: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return body, nil
}

// TraceSpans fetches a complete trace as OTLP protobuf.
func (c *Client) TraceSpans(ctx context.Context, traceID string) ([]models.Span, error) {
	body, err := c.doRequest(ctx, "/api/traces/"+url.PathEscape(traceID), nil, "application/protobuf")
	if err != nil {
		c.logger.Error("Failed to fetch trace by ID", "traceID", traceID, "error", err)
		return nil, err
	}

	// Tempo's Trace message shares its field layout with TracesData.
	var data tracepb.TracesData
	if err := proto.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to decode trace %s: %w", traceID, err)
	}
	return otlp.Spans(data.GetResourceSpans()), nil
}

// Search runs a TraceQL query over tr.
func (c *Client) Search(ctx context.Context, query string, tr models.TimeRange, limit int) ([]TraceSummary, error) {
	if limit <= 0 {
		limit = c.searchLimit
	}
	params := url.Values{
		"q":     []string{query},
		"start": []string{strconv.FormatInt(tr.Start.Unix(), 10)},
		"end":   []string{strconv.FormatInt(tr.End.Unix()+1, 10)},
		"limit": []string{strconv.Itoa(limit)},
	}

	resp, err := c.doRequest(ctx, "/api/search", params, "")
	if err != nil {
		c.logger.Error("Failed to search traces", "query", query, "error", err)
		return nil, err
	}

	var result SearchResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}
	return result.Traces, nil
}

// WindowSpans searches traces touching services in tr, fetches them with
// bounded concurrency and keeps the spans of the requested services that
// overlap the window. Traces that expired between search and fetch are
// skipped.
func (c *Client) WindowSpans(ctx context.Context, services []string, tr models.TimeRange) ([]models.Span, error) {
	summaries, err := c.Search(ctx, BuildServiceQuery(services...), tr, 0)
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(services))
	for _, s := range services {
		want[s] = true
	}

	var (
		mu  sync.Mutex
		out []models.Span
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, summary := range summaries {
		traceID := summary.TraceID
		g.Go(func() error {
			spans, err := c.TraceSpans(gctx, traceID)
			if errors.Is(err, models.ErrNotFound) {
				c.logger.Warn("Skipping trace missing from tempo", "traceID", traceID)
				return nil
			}
			if err != nil {
				return fmt.Errorf("trace %s: %w", traceID, err)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, s := range spans {
				if len(want) > 0 && !want[s.ServiceName] {
					continue
				}
				if s.EndTime.Before(tr.Start) || s.StartTime.After(tr.End) {
					continue
				}
				out = append(out, s)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// FindTraces returns trace ids touching service in tr, erroring traces first.
func (c *Client) FindTraces(ctx context.Context, service string, tr models.TimeRange, limit int) ([]string, error) {
	errored, err := c.Search(ctx, BuildErrorSpansQuery(service), tr, limit)
	if err != nil {
		return nil, err
	}
	all, err := c.Search(ctx, BuildServiceQuery(service), tr, limit)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var ids []string
	for _, t := range append(errored, all...) {
		if seen[t.TraceID] {
			continue
		}
		seen[t.TraceID] = true
		ids = append(ids, t.TraceID)
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}
