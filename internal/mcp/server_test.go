package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rootscope/internal/chaos"
	"rootscope/internal/config"
	"rootscope/internal/harness"
	"rootscope/internal/models"
	"rootscope/internal/orchestrator"
	"rootscope/internal/telemetry"
)

const traceID = "5b8aa5a2d2c872e8321cf37308d69df2"

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newServer(t *testing.T) (*Server, *telemetry.MemoryStore) {
	t.Helper()
	store := telemetry.NewMemoryStore(0)
	store.AddSpans(
		models.Span{TraceID: traceID, SpanID: "a", ServiceName: "frontend", StartTime: t0, EndTime: t0.Add(25 * time.Millisecond), Status: models.StatusOK},
		models.Span{TraceID: traceID, SpanID: "b", ParentID: "a", ServiceName: "checkout-service",
			StartTime: t0, EndTime: t0.Add(325 * time.Millisecond), Status: models.StatusError},
	)
	index := telemetry.NewIndex(store.Store(), telemetry.Options{}, nil)
	t.Cleanup(index.Close)
	pipeline := orchestrator.New(index, orchestrator.Config{}, nil)
	sim := chaos.NewSimulator(store, nil, 3, 1, nil)
	h := harness.New(sim, store, pipeline, nil, harness.Options{PollInterval: 10 * time.Millisecond, ObserveTimeout: time.Second}, nil)

	s := New(&config.Config{}, pipeline, h)
	s.now = func() time.Time { return t0.Add(time.Minute) }
	return s, store
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "unexpected content %T", res.Content[0])
	return tc.Text
}

func TestRegisterTools(t *testing.T) {
	s, _ := newServer(t)
	mcpServer := server.NewMCPServer("rootscope-test", "0.0.0", server.WithToolCapabilities(true))
	assert.NotPanics(t, func() { s.RegisterTools(mcpServer) })
}

func TestAnalyzeTraceRankOnly(t *testing.T) {
	s, _ := newServer(t)
	res, err := s.HandleAnalyzeTrace(context.Background(), call(map[string]any{"trace_id": traceID, "rank_only": true}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	out := text(t, res)
	assert.Contains(t, out, "1. checkout-service")
	assert.Contains(t, out, "dominant=error_propagation")
}

func TestAnalyzeTraceWithoutProvider(t *testing.T) {
	s, _ := newServer(t)
	res, err := s.HandleAnalyzeTrace(context.Background(), call(map[string]any{"trace_id": traceID}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), string(models.KindReasoningFailed))

	res, err = s.HandleAnalyzeTrace(context.Background(), call(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestRankWindow(t *testing.T) {
	s, _ := newServer(t)
	res, err := s.HandleRankWindow(context.Background(), call(map[string]any{"start": "now-5m", "services": "checkout-service, frontend"}))
	require.NoError(t, err)
	assert.False(t, res.IsError, text(t, res))
	assert.Contains(t, text(t, res), "1. checkout-service")

	res, err = s.HandleRankWindow(context.Background(), call(map[string]any{"start": "now-5m", "end": "now-10m"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestGetServiceGraph(t *testing.T) {
	s, _ := newServer(t)
	res, err := s.HandleGetServiceGraph(context.Background(), call(map[string]any{"trace_id": traceID}))
	require.NoError(t, err)
	out := text(t, res)
	assert.Contains(t, out, "roots: frontend")
	assert.Contains(t, out, "frontend -> checkout-service")

	res, err = s.HandleGetServiceGraph(context.Background(), call(map[string]any{"trace_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), string(models.KindNotFound))
}

func TestRunExperiment(t *testing.T) {
	s, _ := newServer(t)
	res, err := s.HandleRunExperiment(context.Background(), call(map[string]any{
		"target_service": "payment-service",
		"fault_type":     "error",
		"magnitude":      1.0,
		"duration":       "30s",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))
	assert.Contains(t, text(t, res), `"ground_truth": "payment-service"`)

	res, err = s.HandleRunExperiment(context.Background(), call(map[string]any{
		"target_service": "payment-service",
		"fault_type":     "meteor",
		"magnitude":      1.0,
		"duration":       "30s",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), string(models.KindInvalidFaultSpec))
}

type verdictPipeline struct{ Pipeline }

func (verdictPipeline) Analyze(_ context.Context, traceID string) (*orchestrator.Result, error) {
	return &orchestrator.Result{
		AnalysisID: "an-1",
		TraceID:    traceID,
		Ranking: []models.SuspectScore{{Service: "checkout-service", Score: 0.9,
			Contributions: []models.SignalContribution{{Signal: "error_propagation", RawValue: 1, Weight: 1}}}},
		Verdict: &models.Verdict{
			RootCauseSummary:   "checkout-service returns 500s",
			RecommendedActions: []string{"roll back checkout-service"},
			Confidence:         0.75,
		},
	}, nil
}

func TestAnalyzeTraceVerdict(t *testing.T) {
	s := New(&config.Config{}, verdictPipeline{}, nil)
	res, err := s.HandleAnalyzeTrace(context.Background(), call(map[string]any{"trace_id": traceID}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	out := text(t, res)
	assert.Contains(t, out, "checkout-service returns 500s")
	assert.Contains(t, out, "**Confidence:** 0.75")
	assert.Contains(t, out, "- roll back checkout-service")
	assert.Contains(t, out, "| 1 | checkout-service | 0.900 |")
	assert.Contains(t, out, "## Rule-based suggestions")
}
