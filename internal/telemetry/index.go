package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"rootscope/internal/metrics"
	"rootscope/internal/models"
)

// Options bound the index's latency and cache footprint.
type Options struct {
	Timeout        time.Duration
	CacheSize      int
	CacheTTL       time.Duration
	BaselineWindow time.Duration
	SkewTolerance  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 256
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 5 * time.Minute
	}
	if o.BaselineWindow <= 0 {
		o.BaselineWindow = 15 * time.Minute
	}
	if o.SkewTolerance < 0 {
		o.SkewTolerance = 0
	}
	return o
}

// Index is the read-through entry point to telemetry. Construct one per
// process with NewIndex and release it with Close.
type Index struct {
	store  Store
	opts   Options
	cache  *expirable.LRU[string, *models.Telemetry]
	group  singleflight.Group
	logger *slog.Logger
}

// NewIndex creates an index over store.
func NewIndex(store Store, opts Options, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Index{
		store:  store,
		opts:   opts,
		cache:  expirable.NewLRU[string, *models.Telemetry](opts.CacheSize, nil, opts.CacheTTL),
		logger: logger,
	}
}

// Close drops every cached entry.
func (i *Index) Close() {
	i.cache.Purge()
}

// Invalidate removes a trace from the cache.
func (i *Index) Invalidate(traceID string) {
	i.cache.Remove(traceID)
}

// Retrieve returns the spans of traceID plus correlated logs and metrics.
// The returned value is shared with other callers and must not be mutated.
func (i *Index) Retrieve(ctx context.Context, traceID string) (*models.Telemetry, error) {
	traceID = strings.TrimSpace(traceID)
	if traceID == "" {
		return nil, models.NewError(models.KindInvalidRequest, "trace id is required")
	}

	if cached, ok := i.cache.Get(traceID); ok {
		metrics.CacheRequests.WithLabelValues("hit").Inc()
		return cached, nil
	}
	metrics.CacheRequests.WithLabelValues("miss").Inc()

	tel, err := i.do(ctx, "trace:"+traceID, func(fctx context.Context) (*models.Telemetry, error) {
		if cached, ok := i.cache.Get(traceID); ok {
			return cached, nil
		}
		tel, err := i.fetchTrace(fctx, traceID)
		if err != nil {
			return nil, err
		}
		i.cache.Add(traceID, tel)
		return tel, nil
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve trace %s: %w", traceID, err)
	}
	return tel, nil
}

// RetrieveWindow returns telemetry for services over tr. An empty service set
// means every service the backend knows about. Window results are not cached.
func (i *Index) RetrieveWindow(ctx context.Context, services []string, tr models.TimeRange) (*models.Telemetry, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	services = normalizeServices(services)
	key := fmt.Sprintf("window:%s:%d:%d", strings.Join(services, ","), tr.Start.UnixNano(), tr.End.UnixNano())

	tel, err := i.do(ctx, key, func(fctx context.Context) (*models.Telemetry, error) {
		return i.fetchWindow(fctx, services, tr)
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve window %s: %w", tr, err)
	}
	return tel, nil
}

// do runs fetch once per key across concurrent callers. The fetch runs under
// its own deadline so a caller that gives up early does not fail the others.
func (i *Index) do(ctx context.Context, key string, fetch func(context.Context) (*models.Telemetry, error)) (*models.Telemetry, error) {
	ch := i.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.opts.Timeout)
		defer cancel()
		return fetch(fctx)
	})

	timer := time.NewTimer(i.opts.Timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, classify(res.Err)
		}
		return res.Val.(*models.Telemetry), nil
	case <-timer.C:
		return nil, models.NewError(models.KindRetrievalTimeout, "no response within %s", i.opts.Timeout)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, models.WrapError(models.KindRetrievalTimeout, ctx.Err(), "caller deadline")
		}
		return nil, ctx.Err()
	}
}

func classify(err error) error {
	var typed *models.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.WrapError(models.KindRetrievalTimeout, err, "backend did not answer in time")
	}
	return err
}

func (i *Index) fetchTrace(ctx context.Context, traceID string) (*models.Telemetry, error) {
	spans, err := i.store.Spans.TraceSpans(ctx, traceID)
	if err != nil {
		metrics.RetrievalErrors.WithLabelValues("spans").Inc()
		return nil, fmt.Errorf("spans: %w", err)
	}
	spans = DedupSpans(spans)
	if len(spans) == 0 {
		return nil, models.NewError(models.KindNotFound, "no spans for trace %s", traceID)
	}

	window := models.SpanWindow(spans)
	services := models.ServicesOf(spans)
	tel := &models.Telemetry{TraceID: traceID, Window: window, Spans: spans}

	logWindow := window.Pad(i.opts.SkewTolerance)
	metricWindow := models.TimeRange{
		Start: window.Start.Add(-i.opts.BaselineWindow),
		End:   window.End.Add(i.opts.SkewTolerance),
	}

	g, gctx := errgroup.WithContext(ctx)
	if i.store.Logs != nil {
		g.Go(func() error {
			logs, err := i.store.Logs.TraceLogs(gctx, traceID, services, logWindow)
			if err := i.absorb("logs", err); err != nil {
				return err
			}
			tel.Logs = DedupLogs(filterLogs(logs, func(l models.LogRecord) bool {
				return l.TraceID == traceID
			}))
			return nil
		})
	}
	if i.store.Metrics != nil {
		g.Go(func() error {
			points, err := i.store.Metrics.ServiceMetrics(gctx, services, metricWindow)
			if err := i.absorb("metrics", err); err != nil {
				return err
			}
			tel.Metrics = DedupMetrics(points)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	i.logger.Debug("retrieved trace telemetry",
		"trace_id", traceID,
		"spans", len(tel.Spans),
		"logs", len(tel.Logs),
		"metrics", len(tel.Metrics))
	return tel, nil
}

func (i *Index) fetchWindow(ctx context.Context, services []string, tr models.TimeRange) (*models.Telemetry, error) {
	spans, err := i.store.Spans.WindowSpans(ctx, services, tr)
	if err != nil {
		metrics.RetrievalErrors.WithLabelValues("spans").Inc()
		return nil, fmt.Errorf("spans: %w", err)
	}
	spans = DedupSpans(spans)
	if len(spans) == 0 {
		return nil, models.NewError(models.KindNotFound, "no spans for %v in %s", services, tr)
	}

	observed := services
	if len(observed) == 0 {
		observed = models.ServicesOf(spans)
	}
	tel := &models.Telemetry{Window: tr, Spans: spans}

	g, gctx := errgroup.WithContext(ctx)
	if i.store.Logs != nil {
		g.Go(func() error {
			logs, err := i.store.Logs.WindowLogs(gctx, observed, tr.Pad(i.opts.SkewTolerance))
			if err := i.absorb("logs", err); err != nil {
				return err
			}
			tel.Logs = DedupLogs(logs)
			return nil
		})
	}
	if i.store.Metrics != nil {
		g.Go(func() error {
			mtr := models.TimeRange{Start: tr.Start.Add(-i.opts.BaselineWindow), End: tr.End}
			points, err := i.store.Metrics.ServiceMetrics(gctx, observed, mtr)
			if err := i.absorb("metrics", err); err != nil {
				return err
			}
			tel.Metrics = DedupMetrics(points)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tel, nil
}

// absorb turns a modality failure into an empty modality unless the
// retrieval budget itself ran out.
func (i *Index) absorb(modality string, err error) error {
	if err == nil {
		return nil
	}
	metrics.RetrievalErrors.WithLabelValues(modality).Inc()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", modality, err)
	}
	i.logger.Warn("telemetry modality unavailable, continuing without it",
		"modality", modality, "error", err)
	return nil
}

func normalizeServices(services []string) []string {
	seen := make(map[string]struct{}, len(services))
	out := make([]string, 0, len(services))
	for _, s := range services {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
