// Package harness runs fault-injection experiments and scores the rankings
// against the injected ground truth.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"rootscope/internal/chaos"
	"rootscope/internal/metrics"
	"rootscope/internal/models"
	"rootscope/internal/orchestrator"
	"rootscope/internal/telemetry"
)

// Pipeline is the slice of the orchestrator the harness drives.
type Pipeline interface {
	Analyze(ctx context.Context, traceID string) (*orchestrator.Result, error)
	RankTrace(ctx context.Context, traceID string) (*orchestrator.Ranked, error)
	RankTelemetry(ctx context.Context, tel *models.Telemetry) (*orchestrator.Ranked, error)
	Strategy() string
}

// Archive persists incidents and their scores. *db.DB implements it.
type Archive interface {
	SaveIncident(ctx context.Context, inc *models.Incident) error
	SaveEvaluation(ctx context.Context, r *models.EvaluationResult) error
}

// Options tune experiments.
type Options struct {
	// K is the cutoff for top-k accuracy.
	K                int
	MaxFaultDuration time.Duration
	ObserveTimeout   time.Duration
	PollInterval     time.Duration
	// NoiseLevels are drop fractions in [0,1) for robustness runs. Empty
	// disables robustness mode.
	NoiseLevels []float64
	Trials      int
	Seed        int64
	// Concurrent runs suite batches with disjoint targets in parallel.
	Concurrent bool
	// Reason asks the reasoning provider for a verdict in each experiment.
	Reason bool
}

func (o Options) withDefaults() Options {
	if o.K <= 0 {
		o.K = 3
	}
	if o.MaxFaultDuration <= 0 {
		o.MaxFaultDuration = 10 * time.Minute
	}
	if o.ObserveTimeout <= 0 {
		o.ObserveTimeout = 2 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.Trials <= 0 {
		o.Trials = 5
	}
	return o
}

// Harness injects faults and evaluates the pipeline against them.
type Harness struct {
	injector chaos.Injector
	finder   telemetry.TraceFinder
	pipeline Pipeline
	archive  Archive
	opts     Options
	logger   *slog.Logger
}

// New creates a harness. archive may be nil.
func New(injector chaos.Injector, finder telemetry.TraceFinder, pipeline Pipeline, archive Archive, opts Options, logger *slog.Logger) *Harness {
	if logger == nil {
		logger = slog.Default()
	}
	return &Harness{
		injector: injector,
		finder:   finder,
		pipeline: pipeline,
		archive:  archive,
		opts:     opts.withDefaults(),
		logger:   logger,
	}
}

// RunExperiment injects spec, waits for an affected trace, ranks it and
// scores the ranking against the target service.
func (h *Harness) RunExperiment(ctx context.Context, spec models.FaultSpec) (*models.EvaluationResult, error) {
	res, err := h.runExperiment(ctx, spec)
	outcome := "ok"
	if err != nil {
		outcome = string(models.KindOf(err))
	}
	metrics.ExperimentsTotal.WithLabelValues(string(spec.Type), outcome).Inc()
	return res, err
}

func (h *Harness) runExperiment(ctx context.Context, spec models.FaultSpec) (*models.EvaluationResult, error) {
	if err := spec.Validate(h.opts.MaxFaultDuration); err != nil {
		return nil, err
	}
	started := time.Now().UTC()
	logger := h.logger.With("target", spec.TargetService, "fault_type", spec.Type)

	handle, err := h.injector.InjectFault(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("failed to inject fault: %w", err)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := h.injector.ClearFault(cctx, handle); err != nil {
			logger.Warn("Failed to clear fault", "fault_id", handle.ID, "error", err)
		}
	}()

	inc := &models.Incident{
		ID:                 uuid.New().String(),
		Fault:              spec,
		InjectionWindow:    handle.Window,
		GroundTruthService: spec.TargetService,
	}
	logger = logger.With("incident_id", inc.ID)
	logger.Info("Fault injected, waiting for incident", "window", handle.Window.String())

	traceID, err := h.observe(ctx, handle)
	if err != nil {
		h.saveIncident(ctx, inc, logger)
		return nil, err
	}
	inc.TraceID = traceID

	ranking, verdict, ranked, err := h.evaluate(ctx, traceID, logger)
	if err != nil {
		h.saveIncident(ctx, inc, logger)
		return nil, err
	}
	inc.GroundTruthSpan = groundTruthSpan(ranked.Telemetry.Spans, spec.TargetService)

	res := &models.EvaluationResult{
		IncidentID:  inc.ID,
		TraceID:     traceID,
		GroundTruth: spec.TargetService,
		Strategy:    h.pipeline.Strategy(),
		K:           h.opts.K,
		Ranking:     ranking,
		Verdict:     verdict,
		StartedAt:   started,
	}
	res.Top1Accuracy, res.TopKAccuracy, res.MRR = Score(ranking, spec.TargetService, h.opts.K)

	if len(h.opts.NoiseLevels) > 0 {
		res.PerNoiseLevelAccuracy = h.robustness(ctx, ranked.Telemetry, spec.TargetService, inc.ID)
	}
	res.FinishedAt = time.Now().UTC()

	h.saveIncident(ctx, inc, logger)
	if h.archive != nil {
		if err := h.archive.SaveEvaluation(context.WithoutCancel(ctx), res); err != nil {
			logger.Warn("Failed to archive evaluation", "error", err)
		}
	}
	logger.Info("Experiment complete",
		"trace_id", traceID, "rank", models.RankOf(ranking, spec.TargetService), "mrr", res.MRR)
	return res, nil
}

// observeScanLimit bounds the traces listed per poll when looking for one
// the injector reported.
const observeScanLimit = 1000

// observe polls the trace finder until a trace touching the target shows
// up. When the injector reported the requests it drove, only those count,
// so concurrent experiments never score each other's traces.
func (h *Harness) observe(ctx context.Context, handle chaos.Handle) (string, error) {
	service, window := handle.Spec.TargetService, handle.Window
	octx, cancel := context.WithTimeout(ctx, h.opts.ObserveTimeout)
	defer cancel()

	limit := 1
	if len(handle.TraceIDs) > 0 {
		limit = observeScanLimit
	}
	ticker := time.NewTicker(h.opts.PollInterval)
	defer ticker.Stop()
	for {
		ids, err := h.finder.FindTraces(octx, service, window, limit)
		if err == nil {
			if id, ok := pickOwn(ids, handle.TraceIDs); ok {
				return id, nil
			}
		}
		if err != nil && octx.Err() == nil {
			h.logger.Warn("Trace search failed, retrying", "service", service, "error", err)
		}
		select {
		case <-octx.Done():
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", models.NewError(models.KindIncidentNotObserved,
				"no trace touching %s within %s", service, h.opts.ObserveTimeout)
		case <-ticker.C:
		}
	}
}

// pickOwn returns the first of own, in injection order, present in found.
// With no own traces the finder's first trace is taken.
func pickOwn(found, own []string) (string, bool) {
	if len(own) == 0 {
		if len(found) == 0 {
			return "", false
		}
		return found[0], true
	}
	present := make(map[string]bool, len(found))
	for _, id := range found {
		present[id] = true
	}
	for _, id := range own {
		if present[id] {
			return id, true
		}
	}
	return "", false
}

// evaluate ranks traceID, with a verdict when reasoning is enabled. A failed
// reasoning step still yields the ranking it was given.
func (h *Harness) evaluate(ctx context.Context, traceID string, logger *slog.Logger) ([]models.SuspectScore, *models.Verdict, *orchestrator.Ranked, error) {
	ranked, err := h.pipeline.RankTrace(ctx, traceID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to rank trace %s: %w", traceID, err)
	}
	if !h.opts.Reason {
		return ranked.Ranking, nil, ranked, nil
	}

	result, err := h.pipeline.Analyze(ctx, traceID)
	if err != nil {
		var f *orchestrator.Failure
		if errors.As(err, &f) && len(f.Ranking) > 0 {
			logger.Warn("Reasoning failed, scoring ranking only", "kind", f.Kind, "error", err)
			return f.Ranking, nil, ranked, nil
		}
		logger.Warn("Reasoning failed, scoring ranking only", "error", err)
		return ranked.Ranking, nil, ranked, nil
	}
	return result.Ranking, result.Verdict, ranked, nil
}

// robustness reranks copies of tel with a fraction of every modality
// dropped and reports top-1 accuracy per drop level.
func (h *Harness) robustness(ctx context.Context, tel *models.Telemetry, target, incidentID string) []models.NoiseLevelAccuracy {
	rng := rand.New(rand.NewSource(h.opts.Seed))
	out := make([]models.NoiseLevelAccuracy, 0, len(h.opts.NoiseLevels))
	for _, level := range h.opts.NoiseLevels {
		hits := 0
		for trial := 0; trial < h.opts.Trials; trial++ {
			degraded := Degrade(tel, level, rng)
			ranked, err := h.pipeline.RankTelemetry(ctx, degraded)
			if err != nil {
				// Everything dropped: a miss.
				continue
			}
			if models.RankOf(ranked.Ranking, target) == 1 {
				hits++
			}
		}
		out = append(out, models.NoiseLevelAccuracy{
			DropFraction: level,
			Top1Accuracy: float64(hits) / float64(h.opts.Trials),
			Trials:       h.opts.Trials,
		})
		h.logger.Debug("Noise level evaluated", "incident_id", incidentID, "drop_fraction", level, "hits", hits)
	}
	return out
}

func (h *Harness) saveIncident(ctx context.Context, inc *models.Incident, logger *slog.Logger) {
	if h.archive == nil {
		return
	}
	if err := h.archive.SaveIncident(context.WithoutCancel(ctx), inc); err != nil {
		logger.Warn("Failed to archive incident", "error", err)
	}
}

// Score returns top-1 accuracy, top-k accuracy and reciprocal rank of target
// in ranking. A target absent from the ranking scores zero everywhere.
func Score(ranking []models.SuspectScore, target string, k int) (top1, topk, mrr float64) {
	r := models.RankOf(ranking, target)
	if r == 0 {
		return 0, 0, 0
	}
	if r == 1 {
		top1 = 1
	}
	if r <= k {
		topk = 1
	}
	return top1, topk, 1 / float64(r)
}

// Degrade returns a copy of tel with each span, log record and metric point
// independently dropped with probability fraction.
func Degrade(tel *models.Telemetry, fraction float64, rng *rand.Rand) *models.Telemetry {
	out := tel.Clone()
	if fraction <= 0 {
		return out
	}
	out.Spans = keep(out.Spans, fraction, rng)
	out.Logs = keep(out.Logs, fraction, rng)
	out.Metrics = keep(out.Metrics, fraction, rng)
	return out
}

func keep[T any](items []T, fraction float64, rng *rand.Rand) []T {
	kept := items[:0]
	for _, it := range items {
		if rng.Float64() >= fraction {
			kept = append(kept, it)
		}
	}
	return kept
}

func groundTruthSpan(spans []models.Span, service string) string {
	var first string
	for _, sp := range spans {
		if sp.ServiceName != service {
			continue
		}
		if sp.IsError() {
			return sp.SpanID
		}
		if first == "" {
			first = sp.SpanID
		}
	}
	return first
}
