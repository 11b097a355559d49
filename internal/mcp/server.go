// Package mcp binds rootscope functionality to the Model Context Protocol (MCP) server standard.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"rootscope/internal/config"
	"rootscope/internal/models"
	"rootscope/internal/orchestrator"
	"rootscope/internal/remediation"
	"rootscope/internal/report"
	"rootscope/internal/timeutil"
)

// Pipeline is the analysis surface exposed as tools.
type Pipeline interface {
	Analyze(ctx context.Context, traceID string) (*orchestrator.Result, error)
	RankTrace(ctx context.Context, traceID string) (*orchestrator.Ranked, error)
	RankWindow(ctx context.Context, services []string, tr models.TimeRange) (*orchestrator.Ranked, error)
}

// Experimenter runs fault-injection experiments.
type Experimenter interface {
	RunExperiment(ctx context.Context, spec models.FaultSpec) (*models.EvaluationResult, error)
}

// Server defines the core MCP capability layer, exposing native handler functions to connected AI agents.
type Server struct {
	cfg      *config.Config
	pipeline Pipeline
	harness  Experimenter
	hints    *remediation.Engine
	now      func() time.Time
}

const maxHints = 5

// New creates a new MCP server wrapper. harness may be nil, which leaves
// run_experiment unregistered.
func New(cfg *config.Config, pipeline Pipeline, harness Experimenter) *Server {
	return &Server{
		cfg:      cfg,
		pipeline: pipeline,
		harness:  harness,
		hints:    remediation.NewEngine(),
		now:      time.Now,
	}
}

// RegisterTools registers the rootscope tools with the MCP server
func (s *Server) RegisterTools(mcpServer *server.MCPServer) {
	// 1. Full analysis of one trace
	analyzeTool := mcp.NewTool("analyze_trace",
		mcp.WithDescription("Localizes the root cause of a failing trace: ranks the services it touches and, unless rank_only is set, asks the reasoning model for a verdict."),
		mcp.WithString("trace_id", mcp.Required(), mcp.Description("Hex trace id")),
		mcp.WithBoolean("rank_only", mcp.Description("Skip the reasoning step and return the ranking only")),
	)
	mcpServer.AddTool(analyzeTool, s.HandleAnalyzeTrace)

	// 2. Ranking over a time window
	windowTool := mcp.NewTool("rank_window",
		mcp.WithDescription("Ranks suspect services across all traces in a time window."),
		mcp.WithString("start", mcp.Required(), mcp.Description("Window start: RFC3339, epoch, or relative such as now-15m")),
		mcp.WithString("end", mcp.Description("Window end, defaults to now")),
		mcp.WithString("services", mcp.Description("Comma separated services to restrict the search to")),
	)
	mcpServer.AddTool(windowTool, s.HandleRankWindow)

	// 3. Dependency graph export
	graphTool := mcp.NewTool("get_service_graph",
		mcp.WithDescription("Returns the service dependency graph of a trace as an edge list with call and error counts."),
		mcp.WithString("trace_id", mcp.Required(), mcp.Description("Hex trace id")),
	)
	mcpServer.AddTool(graphTool, s.HandleGetServiceGraph)

	// 4. Fault injection
	if s.harness != nil {
		experimentTool := mcp.NewTool("run_experiment",
			mcp.WithDescription("Injects a fault into the system under test, waits for it to show up in traces and scores the ranking against it."),
			mcp.WithString("target_service", mcp.Required(), mcp.Description("Service to inject the fault into")),
			mcp.WithString("fault_type", mcp.Required(), mcp.Description("Kind of fault"),
				mcp.Enum(string(models.FaultLatency), string(models.FaultError), string(models.FaultResourceExhaustion))),
			mcp.WithNumber("magnitude", mcp.Required(), mcp.Description("Added latency in ms, error probability, or exhaustion severity")),
			mcp.WithString("duration", mcp.Required(), mcp.Description("How long the fault stays active, e.g. 60s")),
		)
		mcpServer.AddTool(experimentTool, s.HandleRunExperiment)
	}
}

// HandleAnalyzeTrace runs the pipeline for one trace.
func (s *Server) HandleAnalyzeTrace(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	traceID, err := request.RequireString("trace_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if request.GetBool("rank_only", false) {
		ranked, err := s.pipeline.RankTrace(ctx, traceID)
		if err != nil {
			return toolError("Ranking failed", err), nil
		}
		return mcp.NewToolResultText(formatRanking(ranked.Ranking)), nil
	}

	result, err := s.pipeline.Analyze(ctx, traceID)
	if err != nil {
		return toolError("Analysis failed", err), nil
	}

	return mcp.NewToolResultText(report.Analysis(result, s.hints.Suggest(result.Ranking, maxHints))), nil
}

// HandleRankWindow ranks suspects across a time window.
func (s *Server) HandleRankWindow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawStart, err := request.RequireString("start")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	now := s.now()
	start, err := timeutil.ParseRelative(rawStart, now)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid start: %v", err)), nil
	}
	end, err := timeutil.ParseRelative(request.GetString("end", "now"), now)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid end: %v", err)), nil
	}
	tr := models.TimeRange{Start: start, End: end}
	if err := tr.Validate(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var services []string
	for _, svc := range strings.Split(request.GetString("services", ""), ",") {
		if svc = strings.TrimSpace(svc); svc != "" {
			services = append(services, svc)
		}
	}

	ranked, err := s.pipeline.RankWindow(ctx, services, tr)
	if err != nil {
		return toolError("Window ranking failed", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Suspects for %s:\n%s", tr, formatRanking(ranked.Ranking))), nil
}

// HandleGetServiceGraph exports a trace's dependency graph.
func (s *Server) HandleGetServiceGraph(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	traceID, err := request.RequireString("trace_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ranked, err := s.pipeline.RankTrace(ctx, traceID)
	if err != nil {
		return toolError("Graph build failed", err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Service graph for trace %s (roots: %s):\n", traceID, strings.Join(ranked.Graph.Roots(), ", "))
	for _, e := range ranked.Edges {
		fmt.Fprintf(&b, "- %s\n", e)
	}
	if len(ranked.Edges) == 0 {
		b.WriteString("(single service, no cross-service calls)\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

// HandleRunExperiment runs one fault-injection experiment.
func (s *Server) HandleRunExperiment(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target, err := request.RequireString("target_service")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	faultType, err := request.RequireString("fault_type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	magnitude, err := request.RequireFloat("magnitude")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rawDuration, err := request.RequireString("duration")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	d, err := time.ParseDuration(rawDuration)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid duration: %v", err)), nil
	}

	res, err := s.harness.RunExperiment(ctx, models.FaultSpec{
		TargetService: target,
		Type:          models.FaultType(faultType),
		Magnitude:     magnitude,
		Duration:      models.Duration(d),
	})
	if err != nil {
		return toolError("Experiment failed", err), nil
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s (%s): %v", prefix, models.KindOf(err), err))
}

func formatRanking(ranking []models.SuspectScore) string {
	var b strings.Builder
	b.WriteString("Ranked suspects:\n")
	for i, s := range ranking {
		fmt.Fprintf(&b, "%d. %s score=%.3f depth=%d", i+1, s.Service, s.Score, s.Depth)
		if sig, ok := s.DominantSignal(); ok {
			fmt.Fprintf(&b, " dominant=%s(%.2f)", sig.Signal, sig.RawValue)
		}
		if s.SpanID != "" {
			fmt.Fprintf(&b, " span=%s", s.SpanID)
		}
		b.WriteString("\n")
	}
	return b.String()
}
