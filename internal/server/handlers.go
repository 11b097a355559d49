package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"rootscope/internal/config"
	"rootscope/internal/graph"
	"rootscope/internal/metrics"
	"rootscope/internal/models"
	"rootscope/internal/orchestrator"
	"rootscope/internal/remediation"
	"rootscope/internal/timeutil"
)

// Pipeline is the analysis surface the API exposes.
type Pipeline interface {
	Analyze(ctx context.Context, traceID string) (*orchestrator.Result, error)
	RankTrace(ctx context.Context, traceID string) (*orchestrator.Ranked, error)
	RankWindow(ctx context.Context, services []string, tr models.TimeRange) (*orchestrator.Ranked, error)
	Strategy() string
}

// Experimenter runs fault-injection experiments.
type Experimenter interface {
	RunExperiment(ctx context.Context, spec models.FaultSpec) (*models.EvaluationResult, error)
}

// Archive reads archived analyses and experiment results.
type Archive interface {
	GetAnalysis(ctx context.Context, id string) (*orchestrator.Result, error)
	ListEvaluations(ctx context.Context, since time.Time, limit int) ([]*models.EvaluationResult, error)
}

// Notifier delivers alert-triggered analyses.
type Notifier interface {
	SendAnalysis(ctx context.Context, alert string, res *orchestrator.Result) error
}

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Handler holds the server dependencies
type Handler struct {
	cfg      *config.Config
	pipeline Pipeline
	harness  Experimenter
	archive  Archive
	hints    *remediation.Engine
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler creates a new handler. harness and archive may be nil, which
// disables their routes.
func NewHandler(cfg *config.Config, pipeline Pipeline, harness Experimenter, archive Archive, logger *slog.Logger) *Handler {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:      cfg,
		pipeline: pipeline,
		harness:  harness,
		archive:  archive,
		hints:    remediation.NewEngine(),
		logger:   logger,
		now:      time.Now,
	}
}

// SetNotifier enables delivery of webhook-driven analyses.
func (h *Handler) SetNotifier(n Notifier) {
	h.notifier = n
}

// RegisterRoutes registers all HTTP routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/webhook", h.HandleWebhook)
	r.Get("/health", h.HandleHealth)
	r.Get("/ready", h.HandleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/traces/{traceID}/analysis", h.HandleAnalyzeTrace)
		r.Get("/traces/{traceID}/graph", h.HandleTraceGraph)
		r.Get("/traces/{traceID}/suspects", h.HandleTraceSuspects)
		r.Post("/analysis/window", h.HandleAnalyzeWindow)
		r.Get("/analyses/{id}", h.HandleGetAnalysis)
		r.Post("/experiments", h.HandleRunExperiment)
		r.Get("/experiments", h.HandleListExperiments)
	})
}

// HandleAnalyzeTrace runs the full pipeline, reasoning included, for one trace.
func (h *Handler) HandleAnalyzeTrace(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceID")
	res, err := h.pipeline.Analyze(r.Context(), traceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type graphResponse struct {
	TraceID  string       `json:"trace_id"`
	Nodes    []graph.Node `json:"nodes"`
	Edges    []graph.Edge `json:"edges"`
	EdgeList []string     `json:"edge_list"`
	Roots    []string     `json:"roots"`
	HasCycle bool         `json:"has_cycle"`
}

// HandleTraceGraph exports the service dependency graph of a trace.
func (h *Handler) HandleTraceGraph(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceID")
	ranked, err := h.pipeline.RankTrace(r.Context(), traceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, graphResponse{
		TraceID:  traceID,
		Nodes:    ranked.Graph.Nodes(),
		Edges:    ranked.Graph.Edges(),
		EdgeList: ranked.Edges,
		Roots:    ranked.Graph.Roots(),
		HasCycle: ranked.Graph.HasCycle(),
	})
}

type suspectsResponse struct {
	TraceID     string                   `json:"trace_id,omitempty"`
	Services    []string                 `json:"services,omitempty"`
	Window      models.TimeRange         `json:"window"`
	Strategy    string                   `json:"strategy"`
	Ranking     []models.SuspectScore    `json:"ranking"`
	Suggestions []remediation.Suggestion `json:"suggestions,omitempty"`
}

// HandleTraceSuspects ranks a trace's services without reasoning.
func (h *Handler) HandleTraceSuspects(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceID")
	ranked, err := h.pipeline.RankTrace(r.Context(), traceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.suspects(ranked, traceID, nil))
}

func (h *Handler) suspects(ranked *orchestrator.Ranked, traceID string, services []string) suspectsResponse {
	resp := suspectsResponse{
		TraceID:     traceID,
		Services:    services,
		Strategy:    h.pipeline.Strategy(),
		Ranking:     ranked.Ranking,
		Suggestions: h.hints.Suggest(ranked.Ranking, 3),
	}
	if ranked.Telemetry != nil {
		resp.Window = ranked.Telemetry.Window
	}
	return resp
}

// windowRequest accepts RFC3339, epoch, relative ("now-15m") or free-form times.
type windowRequest struct {
	Services []string `json:"services"`
	Start    string   `json:"start"`
	End      string   `json:"end"`
}

// HandleAnalyzeWindow ranks suspects across every trace in a time range.
func (h *Handler) HandleAnalyzeWindow(w http.ResponseWriter, r *http.Request) {
	var req windowRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	now := h.now()
	if req.End == "" {
		req.End = "now"
	}
	start, err := timeutil.ParseRelative(req.Start, now)
	if err != nil {
		h.writeError(w, models.WrapError(models.KindInvalidRequest, err, "start"))
		return
	}
	end, err := timeutil.ParseRelative(req.End, now)
	if err != nil {
		h.writeError(w, models.WrapError(models.KindInvalidRequest, err, "end"))
		return
	}
	tr := models.TimeRange{Start: start, End: end}
	if err := tr.Validate(); err != nil {
		h.writeError(w, err)
		return
	}

	ranked, err := h.pipeline.RankWindow(r.Context(), req.Services, tr)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := h.suspects(ranked, "", req.Services)
	resp.Window = tr
	writeJSON(w, http.StatusOK, resp)
}

// HandleGetAnalysis returns an archived analysis.
func (h *Handler) HandleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		http.Error(w, "archive disabled", http.StatusNotImplemented)
		return
	}
	res, err := h.archive.GetAnalysis(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleRunExperiment injects one fault and returns its evaluation. The
// request blocks until the experiment finishes.
func (h *Handler) HandleRunExperiment(w http.ResponseWriter, r *http.Request) {
	if h.harness == nil {
		http.Error(w, "experiments disabled", http.StatusNotImplemented)
		return
	}
	var spec models.FaultSpec
	if err := decodeBody(r, &spec); err != nil {
		h.writeError(w, err)
		return
	}
	res, err := h.harness.RunExperiment(r.Context(), spec)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleListExperiments lists archived evaluation results. since accepts the
// same formats as window bounds, e.g. "now-24h" or "yesterday".
func (h *Handler) HandleListExperiments(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		http.Error(w, "archive disabled", http.StatusNotImplemented)
		return
	}
	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := timeutil.ParseRelative(s, h.now())
		if err != nil {
			h.writeError(w, models.WrapError(models.KindInvalidRequest, err, "since"))
			return
		}
		since = t
	}
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.writeError(w, models.NewError(models.KindInvalidRequest, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	results, err := h.archive.ListEvaluations(r.Context(), since, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"summary": models.Summarize(results, 0),
	})
}

// HandleWebhook receives alerts from Prometheus AlertManager
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Error("Failed to read request body", "error", err)
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	// Parse AlertManager webhook payload
	var alertPayload models.AlertManagerPayload
	if err := json.Unmarshal(body, &alertPayload); err != nil {
		h.logger.Error("Failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid webhook payload", http.StatusBadRequest)
		return
	}

	if len(alertPayload.Alerts) == 0 {
		h.logger.Warn("No alerts in payload")
		http.Error(w, "No alerts in payload", http.StatusBadRequest)
		return
	}

	h.logger.Info("Received alerts", "count", len(alertPayload.Alerts), "receiver", alertPayload.Receiver)

	// Process alerts asynchronously
	ctx := context.WithoutCancel(r.Context())
	go h.processAlerts(ctx, alertPayload)

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "accepted",
		"message": fmt.Sprintf("Processing %d alerts", len(alertPayload.Alerts)),
	})
}

// processAlerts analyzes each firing alert: the attached exemplar trace when
// there is one, otherwise the alerting services over the alert window.
func (h *Handler) processAlerts(ctx context.Context, payload models.AlertManagerPayload) {
	if h.pipeline == nil {
		return
	}
	lookback := h.cfg.App.GetAlertLookbackDuration()
	for _, alert := range payload.Alerts {
		if !alert.IsFiring() {
			continue
		}
		name := alert.Labels["alertname"]
		logger := h.logger.With("alert", name)

		if traceID := alert.TraceID(); traceID != "" {
			res, err := h.pipeline.Analyze(ctx, traceID)
			if err != nil {
				logger.Error("Alert trace analysis failed", "trace_id", traceID, "error", err)
				continue
			}
			logger.Info("Alert trace analyzed", "trace_id", traceID,
				"top_suspect", res.Ranking[0].Service, "summary", res.Verdict.RootCauseSummary)
			h.notify(ctx, name, res)
			continue
		}

		services := alert.Services()
		if len(services) == 0 {
			logger.Warn("Skipping alert without service label or trace_id")
			continue
		}
		tr := alert.Window(lookback, h.now())
		ranked, err := h.pipeline.RankWindow(ctx, services, tr)
		if err != nil {
			logger.Error("Alert window analysis failed", "services", services, "error", err)
			continue
		}
		logger.Info("Alert window analyzed", "services", services,
			"window", tr.String(), "top_suspect", ranked.Ranking[0].Service, "score", ranked.Ranking[0].Score)
		h.notify(ctx, name, &orchestrator.Result{
			AnalysisID: uuid.NewString(),
			Services:   services,
			Window:     tr,
			Strategy:   h.pipeline.Strategy(),
			Ranking:    ranked.Ranking,
			Edges:      ranked.Edges,
			StartedAt:  h.now(),
		})
	}
}

func (h *Handler) notify(ctx context.Context, alert string, res *orchestrator.Result) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.SendAnalysis(ctx, alert, res); err != nil {
		h.logger.Warn("Failed to deliver analysis", "alert", alert, "error", err)
	}
}

// HandleHealth returns health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

// HandleReady returns readiness status
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if h.pipeline == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"strategy":    h.pipeline.Strategy(),
		"experiments": h.harness != nil,
		"archive":     h.archive != nil,
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return models.WrapError(models.KindInvalidRequest, err, "invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindRetrievalTimeout, models.KindReasoningTimeout, models.KindIncidentNotObserved:
		return http.StatusGatewayTimeout
	case models.KindReasoningFailed, models.KindMalformedReasoningOutput:
		return http.StatusBadGateway
	case models.KindInvalidRequest, models.KindInvalidFaultSpec:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string           `json:"error"`
	Kind  models.ErrorKind `json:"kind"`
	// Set for pipeline failures.
	LastState orchestrator.State    `json:"last_state,omitempty"`
	FailedIn  orchestrator.State    `json:"failed_in,omitempty"`
	Ranking   []models.SuspectScore `json:"ranking,omitempty"`
	Edges     []string              `json:"edges,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := models.KindOf(err)
	resp := errorResponse{Error: err.Error(), Kind: kind}
	var f *orchestrator.Failure
	if errors.As(err, &f) {
		resp.LastState = f.LastState
		resp.FailedIn = f.FailedIn
		resp.Ranking = f.Ranking
		resp.Edges = f.Edges
	}
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "kind", kind, "error", err)
	} else if kind != models.KindNotFound {
		h.logger.Warn("Request rejected", "kind", kind, "error", err)
	}
	writeJSON(w, status, resp)
}
