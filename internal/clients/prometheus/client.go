// Package prometheus reads per-service metric time series from the Prometheus HTTP API.
package prometheus

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"golang.org/x/sync/errgroup"

	"rootscope/internal/models"
)

// ServicePlaceholder is replaced with the service name in query templates.
const ServicePlaceholder = "{{service}}"

// DefaultQueries maps metric names to PromQL templates.
var DefaultQueries = map[string]string{
	"latency_p95_ms": `histogram_quantile(0.95, sum(rate(http_server_duration_milliseconds_bucket{service_name="{{service}}"}[1m])) by (le))`,
	"error_rate":     `sum(rate(http_requests_total{service="{{service}}",status=~"5.."}[1m])) / sum(rate(http_requests_total{service="{{service}}"}[1m]))`,
	"rps":            `sum(rate(http_requests_total{service="{{service}}"}[1m]))`,
}

// Client wraps Prometheus range queries
type Client struct {
	api     v1.API
	queries map[string]string
	step    time.Duration
	logger  *slog.Logger
}

// NewClient creates a new Prometheus client. A nil queries map selects
// DefaultQueries.
func NewClient(baseURL string, queries map[string]string, step time.Duration, logger *slog.Logger) (*Client, error) {
	client, err := api.NewClient(api.Config{Address: baseURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	if len(queries) == 0 {
		queries = DefaultQueries
	}
	if step <= 0 {
		step = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:     v1.NewAPI(client),
		queries: queries,
		step:    step,
		logger:  logger,
	}, nil
}

// QueryRange executes a range query and returns the matrix result.
func (c *Client) QueryRange(ctx context.Context, query string, tr models.TimeRange) (model.Matrix, error) {
	result, warnings, err := c.api.QueryRange(ctx, query, v1.Range{Start: tr.Start, End: tr.End, Step: c.step})
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	if len(warnings) > 0 {
		c.logger.Warn("Prometheus returned warnings", "query", query, "warnings", warnings)
	}
	matrix, ok := result.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %s", result.Type())
	}
	return matrix, nil
}

// ServiceMetrics evaluates every configured query for every service over tr.
// Individual query failures are logged; an error is returned only when
// nothing could be queried.
func (c *Client) ServiceMetrics(ctx context.Context, services []string, tr models.TimeRange) ([]models.MetricPoint, error) {
	names := make([]string, 0, len(c.queries))
	for name := range c.queries {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		mu       sync.Mutex
		out      []models.MetricPoint
		failures int
		firstErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, service := range services {
		for _, name := range names {
			service, name := service, name
			query := strings.ReplaceAll(c.queries[name], ServicePlaceholder, service)
			g.Go(func() error {
				matrix, err := c.QueryRange(gctx, query, tr)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failures++
					if firstErr == nil {
						firstErr = err
					}
					c.logger.Warn("Metric query failed", "service", service, "metric", name, "error", err)
					return nil
				}
				out = append(out, toPoints(service, name, matrix)...)
				return nil
			})
		}
	}
	_ = g.Wait()

	if total := len(services) * len(names); total > 0 && failures == total {
		return nil, fmt.Errorf("all %d metric queries failed: %w", total, firstErr)
	}
	return out, nil
}

func toPoints(service, name string, matrix model.Matrix) []models.MetricPoint {
	var out []models.MetricPoint
	for _, stream := range matrix {
		labels := make(map[string]string, len(stream.Metric))
		for k, v := range stream.Metric {
			labels[string(k)] = string(v)
		}
		for _, sample := range stream.Values {
			v := float64(sample.Value)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			out = append(out, models.MetricPoint{
				ServiceName: service,
				MetricName:  name,
				Timestamp:   sample.Timestamp.Time().UTC(),
				Value:       v,
				Labels:      labels,
			})
		}
	}
	return out
}
