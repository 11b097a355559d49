// Package app assembles rootscope's components from configuration. The HTTP
// server, the MCP server and the evaluation CLI share it.
package app

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"rootscope/internal/analyzer"
	"rootscope/internal/chaos"
	"rootscope/internal/clients/elasticsearch"
	"rootscope/internal/clients/loki"
	"rootscope/internal/clients/prometheus"
	"rootscope/internal/clients/tempo"
	"rootscope/internal/config"
	"rootscope/internal/db"
	"rootscope/internal/harness"
	"rootscope/internal/ingest"
	"rootscope/internal/orchestrator"
	"rootscope/internal/output"
	"rootscope/internal/ranking"
	"rootscope/internal/signals"
	"rootscope/internal/telemetry"
	"rootscope/pkg/llm"
)

// Backend names accepted in the index section.
const (
	BackendTempo         = "tempo"
	BackendLoki          = "loki"
	BackendPrometheus    = "prometheus"
	BackendElasticsearch = "elasticsearch"
	BackendMemory        = "memory"
	BackendNone          = "none"
)

// App holds the wired components. Optional parts are nil when disabled.
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Memory       *telemetry.MemoryStore
	Index        *telemetry.Index
	Finder       telemetry.TraceFinder
	Orchestrator *orchestrator.Orchestrator
	Provider     llm.Provider
	Injector     chaos.Injector
	Harness      *harness.Harness
	DB           *db.DB
	Receiver     *ingest.Receiver
	Slack        *output.SlackSender
}

// NewLogger builds the process logger from the app section.
func NewLogger(cfg config.AppConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// New wires every component described by cfg.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	simulated := strings.EqualFold(cfg.Chaos.Mode, "simulator")
	if simulated || cfg.Ingest.Enabled || usesMemory(cfg.Index) {
		a.Memory = telemetry.NewMemoryStore(cfg.Ingest.GetRetentionDuration())
	}

	store, finder, err := a.buildStore(simulated)
	if err != nil {
		return nil, err
	}
	a.Finder = finder
	a.Index = telemetry.NewIndex(store, telemetry.Options{
		Timeout:        cfg.Index.GetRetrievalTimeoutDuration(),
		CacheSize:      cfg.Index.CacheSize,
		CacheTTL:       cfg.Index.GetCacheTTLDuration(),
		BaselineWindow: cfg.Index.GetBaselineWindowDuration(),
		SkewTolerance:  cfg.Index.GetSkewToleranceDuration(),
	}, logger)

	a.Provider, err = llm.NewProvider(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}
	if a.Provider == nil {
		logger.Warn("No reasoning provider configured; only ranking endpoints will succeed")
	}

	strategy, err := ranking.NewStrategy(cfg.Ranking.Strategy, cfg.Ranking.Weights, cfg.Ranking.Boost)
	if err != nil {
		return nil, err
	}

	if cfg.DB.Path != "" {
		a.DB, err = db.New(cfg.DB.Path)
		if err != nil {
			return nil, err
		}
		if err := a.DB.Migrate(); err != nil {
			a.DB.Close()
			return nil, err
		}
	}

	ocfg := orchestrator.Config{
		Extractors: signals.Build(signals.Config{
			Decay:             cfg.Signals.Decay,
			BaselineWindow:    cfg.Index.GetBaselineWindowDuration(),
			IncidentPad:       cfg.Signals.GetIncidentPadDuration(),
			ZScale:            cfg.Signals.ZScale,
			MinBaselinePoints: cfg.Signals.MinBaselinePoints,
			LogKeywords:       cfg.Signals.LogKeywords,
			SkewTolerance:     cfg.Index.GetSkewToleranceDuration(),
			Enabled:           cfg.Signals.Enabled,
		}),
		ExtractorTimeout: cfg.Signals.GetExtractorTimeoutDuration(),
		Strategy:         strategy,
		Analyzer: analyzer.New(a.Provider, analyzer.Limits{
			MaxSuspects: cfg.Reasoning.MaxSuspects,
			MaxEdges:    cfg.Reasoning.MaxEdges,
			MaxHints:    cfg.Reasoning.MaxHints,
		}),
		ReasoningTimeout: cfg.Reasoning.GetTimeoutDuration(),
	}
	if a.DB != nil {
		ocfg.Archive = a.DB
	}
	a.Orchestrator = orchestrator.New(a.Index, ocfg, logger)

	if simulated {
		a.Injector = chaos.NewSimulator(a.Memory, chaos.DefaultTopology(), 0, cfg.Harness.Seed, logger)
	} else {
		a.Injector = chaos.NewHTTPInjector(cfg.Chaos.URL, cfg.Chaos.GetTimeoutDuration(), logger)
	}
	var archive harness.Archive
	if a.DB != nil {
		archive = a.DB
	}
	a.Harness = harness.New(a.Injector, a.Finder, a.Orchestrator, archive, harness.Options{
		K:                cfg.Harness.K,
		MaxFaultDuration: cfg.Harness.GetMaxFaultDuration(),
		ObserveTimeout:   cfg.Harness.GetObserveTimeoutDuration(),
		PollInterval:     cfg.Harness.GetPollIntervalDuration(),
		NoiseLevels:      cfg.Harness.NoiseLevels,
		Trials:           cfg.Harness.Trials,
		Seed:             cfg.Harness.Seed,
		Concurrent:       cfg.Harness.Concurrent,
		Reason:           cfg.Harness.Reason,
	}, logger)

	if cfg.Ingest.Enabled {
		a.Receiver = ingest.NewReceiver(a.Memory, logger)
	}
	a.Slack = output.NewSlackSenderFromConfig(cfg.Output.Slack, logger)
	return a, nil
}

func usesMemory(c config.IndexConfig) bool {
	return strings.EqualFold(c.SpanBackend, BackendMemory) ||
		strings.EqualFold(c.LogBackend, BackendMemory) ||
		strings.EqualFold(c.MetricBackend, BackendMemory)
}

// buildStore selects a source per modality. The simulator writes into the
// memory store, so it takes over every modality.
func (a *App) buildStore(simulated bool) (telemetry.Store, telemetry.TraceFinder, error) {
	cfg := a.Config
	if simulated {
		a.Logger.Info("Chaos simulator enabled; reading telemetry from the in-memory store")
		return a.Memory.Store(), a.Memory, nil
	}

	var es *elasticsearch.Client
	elastic := func() (*elasticsearch.Client, error) {
		if es != nil {
			return es, nil
		}
		var err error
		es, err = elasticsearch.NewClient(elasticsearch.Config{
			Addresses: cfg.Elasticsearch.Addresses,
			Username:  cfg.Elasticsearch.Username,
			Password:  cfg.Elasticsearch.Password,
			SpanIndex: cfg.Elasticsearch.SpanIndex,
			LogIndex:  cfg.Elasticsearch.LogIndex,
			MaxHits:   cfg.Elasticsearch.MaxHits,
		}, a.Logger)
		return es, err
	}

	var store telemetry.Store
	var finder telemetry.TraceFinder
	switch strings.ToLower(cfg.Index.SpanBackend) {
	case BackendTempo, "":
		t := tempo.NewClient(cfg.Tempo.URL, cfg.Tempo.GetTimeoutDuration(), cfg.Tempo.SearchLimit, a.Logger)
		store.Spans, finder = t, t
	case BackendElasticsearch:
		c, err := elastic()
		if err != nil {
			return store, nil, err
		}
		store.Spans, finder = c, c
	case BackendMemory:
		store.Spans, finder = a.Memory, a.Memory
	default:
		return store, nil, fmt.Errorf("unknown span backend %q", cfg.Index.SpanBackend)
	}

	switch strings.ToLower(cfg.Index.LogBackend) {
	case BackendLoki:
		store.Logs = loki.NewClient(cfg.Loki.URL, cfg.Loki.GetTimeoutDuration(), cfg.Loki.ServiceLabel, cfg.Loki.Limit, a.Logger)
	case BackendElasticsearch:
		c, err := elastic()
		if err != nil {
			return store, nil, err
		}
		store.Logs = c
	case BackendMemory:
		store.Logs = a.Memory
	case BackendNone, "":
	default:
		return store, nil, fmt.Errorf("unknown log backend %q", cfg.Index.LogBackend)
	}

	switch strings.ToLower(cfg.Index.MetricBackend) {
	case BackendPrometheus:
		p, err := prometheus.NewClient(cfg.Prometheus.URL, cfg.Prometheus.Queries, cfg.Prometheus.GetStepDuration(), a.Logger)
		if err != nil {
			return store, nil, err
		}
		store.Metrics = p
	case BackendMemory:
		store.Metrics = a.Memory
	case BackendNone, "":
	default:
		return store, nil, fmt.Errorf("unknown metric backend %q", cfg.Index.MetricBackend)
	}
	return store, finder, nil
}

// StartIngest serves the OTLP receiver in the background when enabled.
func (a *App) StartIngest() {
	if a.Receiver == nil {
		return
	}
	go func() {
		if err := a.Receiver.Serve(a.Config.Ingest.Addr); err != nil {
			a.Logger.Error("OTLP receiver stopped", "error", err)
		}
	}()
}

// Close releases every component.
func (a *App) Close() {
	if a.Receiver != nil {
		a.Receiver.Stop()
	}
	if a.Index != nil {
		a.Index.Close()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Warn("Failed to close database", "error", err)
		}
	}
}
