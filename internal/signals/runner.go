package signals

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"rootscope/internal/metrics"
)

// DefaultExtractorTimeout bounds each extractor when none is configured.
const DefaultExtractorTimeout = 2 * time.Second

// Runner evaluates extractors concurrently over the same input.
type Runner struct {
	extractors []Extractor
	timeout    time.Duration
	logger     *slog.Logger
}

// NewRunner creates a runner giving each extractor up to timeout.
func NewRunner(extractors []Extractor, timeout time.Duration, logger *slog.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultExtractorTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{extractors: extractors, timeout: timeout, logger: logger}
}

// Names lists the extractors in evaluation order.
func (r *Runner) Names() []string {
	names := make([]string, len(r.extractors))
	for i, e := range r.extractors {
		names[i] = e.Name()
	}
	return names
}

// Run blocks until every extractor has finished or run out of time. An
// extractor that times out or panics contributes an empty (neutral) value set.
func (r *Runner) Run(ctx context.Context, in Input) map[string]Values {
	results := make([]Values, len(r.extractors))

	var g errgroup.Group
	for i, e := range r.extractors {
		i, e := i, e
		g.Go(func() error {
			results[i] = r.runOne(ctx, e, in)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]Values, len(r.extractors))
	for i, e := range r.extractors {
		out[e.Name()] = results[i]
	}
	return out
}

func (r *Runner) runOne(ctx context.Context, e Extractor, in Input) Values {
	ectx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan Values, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("Signal extractor panicked", "extractor", e.Name(), "panic", fmt.Sprint(p))
				done <- Values{}
			}
		}()
		done <- e.Extract(ectx, in)
	}()

	var v Values
	select {
	case v = <-done:
	case <-ectx.Done():
	}
	// Results produced after the deadline may be partial.
	if ectx.Err() != nil {
		metrics.ExtractorTimeouts.WithLabelValues(e.Name()).Inc()
		r.logger.Warn("Signal extractor exceeded its budget, using neutral values",
			"extractor", e.Name(), "timeout", r.timeout)
		return Values{}
	}
	if v == nil {
		v = Values{}
	}
	return v
}
