// Package orchestrator drives one analysis from retrieval to verdict.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"rootscope/internal/analyzer"
	"rootscope/internal/graph"
	"rootscope/internal/metrics"
	"rootscope/internal/models"
	"rootscope/internal/ranking"
	"rootscope/internal/signals"
)

// Retriever is the telemetry index as seen by the orchestrator.
type Retriever interface {
	Retrieve(ctx context.Context, traceID string) (*models.Telemetry, error)
	RetrieveWindow(ctx context.Context, services []string, tr models.TimeRange) (*models.Telemetry, error)
}

// Archiver stores completed analyses. Implementations must be safe for
// concurrent use.
type Archiver interface {
	SaveAnalysis(ctx context.Context, r *Result) error
}

// DefaultReasoningTimeout bounds the reasoning step when none is configured.
const DefaultReasoningTimeout = 60 * time.Second

// Config wires the pipeline stages.
type Config struct {
	Extractors       []signals.Extractor
	ExtractorTimeout time.Duration
	Strategy         ranking.Strategy
	Analyzer         *analyzer.Analyzer
	// ReasoningTimeout covers the reasoning call and its corrective retry.
	ReasoningTimeout time.Duration
	Archive          Archiver
}

// Result is a completed analysis.
type Result struct {
	AnalysisID  string                `json:"analysis_id"`
	TraceID     string                `json:"trace_id,omitempty"`
	Services    []string              `json:"services,omitempty"`
	Window      models.TimeRange      `json:"window"`
	Strategy    string                `json:"strategy"`
	Verdict     *models.Verdict       `json:"verdict,omitempty"`
	Ranking     []models.SuspectScore `json:"ranking"`
	Edges       []string              `json:"edges"`
	States      []State               `json:"states"`
	Attempts    int                   `json:"attempts"`
	RawResponse string                `json:"raw_response,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	FinishedAt  time.Time             `json:"finished_at"`
}

// Ranked is the output of the ranking-only pipeline.
type Ranked struct {
	Telemetry *models.Telemetry
	Graph     *graph.ServiceGraph
	Ranking   []models.SuspectScore
	Edges     []string
}

// Orchestrator coordinates retrieval, graph building, ranking and reasoning.
type Orchestrator struct {
	index            Retriever
	runner           *signals.Runner
	strategy         ranking.Strategy
	analyzer         *analyzer.Analyzer
	reasoningTimeout time.Duration
	archive          Archiver
	logger           *slog.Logger
}

// New creates a new orchestrator
func New(index Retriever, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Extractors == nil {
		cfg.Extractors = signals.Build(signals.Config{})
	}
	if cfg.Strategy == nil {
		cfg.Strategy = ranking.WeightedSum{}
	}
	if cfg.ReasoningTimeout <= 0 {
		cfg.ReasoningTimeout = DefaultReasoningTimeout
	}
	return &Orchestrator{
		index:            index,
		runner:           signals.NewRunner(cfg.Extractors, cfg.ExtractorTimeout, logger),
		strategy:         cfg.Strategy,
		analyzer:         cfg.Analyzer,
		reasoningTimeout: cfg.ReasoningTimeout,
		archive:          cfg.Archive,
		logger:           logger,
	}
}

// Strategy returns the name of the fusion strategy in use.
func (o *Orchestrator) Strategy() string {
	return o.strategy.Name()
}

// Analyze runs the full pipeline for one trace. Failures are *Failure.
func (o *Orchestrator) Analyze(ctx context.Context, traceID string) (*Result, error) {
	started := time.Now().UTC()
	s := newSession(uuid.New().String(), "trace", o.logger)
	s.logger.Info("Starting analysis", "trace_id", traceID)

	s.enter(StateRetrieving)
	tel, err := o.index.Retrieve(ctx, traceID)
	if err != nil {
		return nil, s.fail(err, nil)
	}

	ranked, f := o.rank(ctx, s, tel)
	if f != nil {
		return nil, f
	}
	ev := &partial{ranking: ranked.Ranking, edges: ranked.Edges}

	s.enter(StatePromptAssembly)
	if o.analyzer == nil || o.analyzer.Provider() == nil {
		return nil, s.fail(models.NewError(models.KindReasoningFailed, "no reasoning provider configured"), ev)
	}
	evidence := prepareEvidence(tel, ranked)

	verdict, attempts, f := o.reason(ctx, s, evidence, ranked.Ranking, ev)
	if f != nil {
		return nil, f
	}
	s.done()

	res := &Result{
		AnalysisID:  s.id,
		TraceID:     traceID,
		Services:    tel.Services(),
		Window:      tel.Window,
		Strategy:    o.strategy.Name(),
		Verdict:     verdict,
		Ranking:     ranked.Ranking,
		Edges:       ranked.Edges,
		States:      s.history,
		Attempts:    attempts,
		RawResponse: ev.raw,
		StartedAt:   started,
		FinishedAt:  time.Now().UTC(),
	}
	s.logger.Info("Analysis complete",
		"trace_id", traceID, "top_suspect", res.Ranking[0].Service, "confidence", verdict.Confidence, "attempts", attempts)
	o.save(ctx, res)
	return res, nil
}

// reason runs AwaitingReasoning and Parsing, with at most one corrective
// retry, under a single deadline.
func (o *Orchestrator) reason(ctx context.Context, s *session, evidence analyzer.Evidence,
	rank []models.SuspectScore, ev *partial) (*models.Verdict, int, *Failure) {
	rctx, cancel := context.WithTimeout(ctx, o.reasoningTimeout)
	defer cancel()

	provider := o.analyzer.Provider().Name()
	defaultConfidence := 0.0
	if len(rank) > 0 {
		defaultConfidence = rank[0].Score
	}

	correction := ""
	for attempt := 1; ; attempt++ {
		s.enter(StateAwaitingReasoning)
		req := o.analyzer.BuildRequest(evidence, correction)
		resp, err := o.analyzer.Reason(rctx, req)
		if err != nil {
			if errors.Is(rctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
				return nil, attempt, s.fail(models.WrapError(models.KindReasoningTimeout, err,
					"reasoning exceeded %s", o.reasoningTimeout), ev)
			}
			return nil, attempt, s.fail(models.WrapError(models.KindReasoningFailed, err, "reasoning provider %s", provider), ev)
		}

		s.enter(StateParsing)
		ev.raw = resp.Raw()
		verdict, err := analyzer.ParseVerdict(ev.raw, defaultConfidence)
		if err == nil {
			return verdict, attempt, nil
		}
		if attempt >= 2 {
			return nil, attempt, s.fail(err, ev)
		}

		var missing *analyzer.MissingFieldsError
		if errors.As(err, &missing) {
			correction = missing.Correction()
		} else {
			correction = "Your previous response could not be parsed (" + err.Error() + "). Call " +
				analyzer.VerdictToolName + " again with valid arguments."
		}
		metrics.ReasoningRetries.WithLabelValues(provider).Inc()
		s.logger.Warn("Malformed reasoning output, retrying once", "error", err)
	}
}

// AnalyzeWindow ranks suspects across every trace touching services in tr.
func (o *Orchestrator) AnalyzeWindow(ctx context.Context, services []string, tr models.TimeRange) ([]models.SuspectScore, error) {
	ranked, err := o.RankWindow(ctx, services, tr)
	if err != nil {
		return nil, err
	}
	return ranked.Ranking, nil
}

// RankWindow is AnalyzeWindow keeping the graph and telemetry.
func (o *Orchestrator) RankWindow(ctx context.Context, services []string, tr models.TimeRange) (*Ranked, error) {
	s := newSession(uuid.New().String(), "window", o.logger)
	s.enter(StateRetrieving)
	tel, err := o.index.RetrieveWindow(ctx, services, tr)
	if err != nil {
		return nil, s.fail(err, nil)
	}
	ranked, f := o.rank(ctx, s, tel)
	if f != nil {
		return nil, f
	}
	s.done()
	return ranked, nil
}

// RankTrace retrieves one trace and ranks its services without reasoning.
func (o *Orchestrator) RankTrace(ctx context.Context, traceID string) (*Ranked, error) {
	s := newSession(uuid.New().String(), "rank", o.logger)
	s.enter(StateRetrieving)
	tel, err := o.index.Retrieve(ctx, traceID)
	if err != nil {
		return nil, s.fail(err, nil)
	}
	ranked, f := o.rank(ctx, s, tel)
	if f != nil {
		return nil, f
	}
	s.done()
	return ranked, nil
}

// RankTelemetry ranks already retrieved telemetry, typically a degraded
// copy produced by the evaluation harness.
func (o *Orchestrator) RankTelemetry(ctx context.Context, tel *models.Telemetry) (*Ranked, error) {
	s := newSession(uuid.New().String(), "offline", o.logger)
	s.enter(StateRetrieving)
	if tel == nil || len(tel.Spans) == 0 {
		return nil, s.fail(models.NewError(models.KindNotFound, "no spans to rank"), nil)
	}
	ranked, f := o.rank(ctx, s, tel)
	if f != nil {
		return nil, f
	}
	s.done()
	return ranked, nil
}

// rank runs GraphBuilding and Ranking.
func (o *Orchestrator) rank(ctx context.Context, s *session, tel *models.Telemetry) (*Ranked, *Failure) {
	s.enter(StateGraphBuilding)
	g := graph.Build(tel.Spans)
	if g.Len() == 0 {
		return nil, s.fail(models.NewError(models.KindNotFound, "telemetry contains no spans"), nil)
	}
	edges := g.EdgeList()

	s.enter(StateRanking)
	window := tel.Window
	if window.Start.IsZero() {
		window = models.SpanWindow(tel.Spans)
	}
	values := o.runner.Run(ctx, signals.Input{
		Graph:   g,
		Spans:   tel.Spans,
		Logs:    tel.Logs,
		Metrics: tel.Metrics,
		Window:  window,
	})
	ranked := ranking.Rank(g, values, o.strategy)
	if len(ranked) == 0 {
		return nil, s.fail(models.NewError(models.KindInternal, "ranking produced no suspects"), &partial{edges: edges})
	}
	return &Ranked{Telemetry: tel, Graph: g, Ranking: ranked, Edges: edges}, nil
}

func (o *Orchestrator) save(ctx context.Context, res *Result) {
	if o.archive == nil {
		return
	}
	if err := o.archive.SaveAnalysis(context.WithoutCancel(ctx), res); err != nil {
		o.logger.Error("Failed to archive analysis", "analysis_id", res.AnalysisID, "error", err)
	}
}
