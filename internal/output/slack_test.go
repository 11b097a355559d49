package output

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rootscope/internal/config"
	"rootscope/internal/models"
	"rootscope/internal/orchestrator"
)

func result() *orchestrator.Result {
	return &orchestrator.Result{
		AnalysisID: "a-1",
		TraceID:    "abc123",
		Strategy:   "graph_aware",
		Ranking: []models.SuspectScore{
			{Service: "payment-service", Score: 0.9, Contributions: []models.SignalContribution{{Signal: "error_propagation", RawValue: 1, Weight: 1}}},
			{Service: "checkout-service", Score: 0.3},
		},
		Verdict:   &models.Verdict{RootCauseSummary: "payment-service is failing", Confidence: 0.9},
		StartedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestSendAnalysis(t *testing.T) {
	var got SlackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSlackSender(srv.URL, time.Second, nil)
	require.NoError(t, s.SendAnalysis(context.Background(), "HighErrorRate", result()))

	assert.Equal(t, "HighErrorRate: top suspect payment-service", got.Text)
	require.NotEmpty(t, got.Blocks)
	assert.Equal(t, "header", got.Blocks[0].Type)
	assert.Contains(t, got.Blocks[0].Text.Text, "🚨")
	assert.Contains(t, got.Blocks[2].Text.Text, "payment-service is failing")
	assert.Contains(t, got.Blocks[3].Text.Text, "1. `payment-service` 0.900 (error_propagation)")
	assert.Equal(t, "context", got.Blocks[len(got.Blocks)-1].Type)
}

func TestSendAnalysisRankingOnly(t *testing.T) {
	res := result()
	res.Verdict = nil
	res.TraceID = ""
	res.Services = []string{"checkout-service"}

	msg := NewSlackSender("http://unused", time.Second, nil).buildMessage("SlowCheckout", res)
	assert.Contains(t, msg.Blocks[0].Text.Text, "🔍")
	assert.Contains(t, msg.Blocks[1].Fields[2].Text, "checkout-service")
	assert.Contains(t, msg.Blocks[2].Text.Text, "Ranking only")
}

func TestSendAnalysisSlackError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewSlackSender(srv.URL, time.Second, nil).SendAnalysis(context.Background(), "a", result())
	assert.ErrorContains(t, err, "slack returned status: 403")
}

func TestNewSlackSenderFromConfig(t *testing.T) {
	assert.Nil(t, NewSlackSenderFromConfig(config.SlackOutputConfig{}, nil))
	assert.NotNil(t, NewSlackSenderFromConfig(config.SlackOutputConfig{WebhookURL: "http://hooks.local/x"}, nil))
}
