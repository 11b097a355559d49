package analyzer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rootscope/internal/models"
	"rootscope/internal/signals"
	"rootscope/pkg/llm"
)

type stubProvider struct {
	reqs []llm.Request
	resp *llm.Response
	err  error
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Reason(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.reqs = append(s.reqs, req)
	return s.resp, s.err
}

func evidence(n int) Evidence {
	ev := Evidence{
		TraceID: "abc123",
		Window:  models.TimeRange{Start: time.Unix(0, 0).UTC(), End: time.Unix(1, 0).UTC()},
	}
	for i := 0; i < n; i++ {
		svc := fmt.Sprintf("svc-%02d", i)
		ev.Ranking = append(ev.Ranking, models.SuspectScore{
			Service: svc,
			Score:   1 - float64(i)/float64(n),
			Contributions: []models.SignalContribution{
				{Signal: signals.ErrorPropagation, RawValue: 0.9, Weight: 1},
			},
		})
		ev.Edges = append(ev.Edges, fmt.Sprintf("frontend -> %s calls=1 errors=0", svc))
	}
	return ev
}

func TestBuildRequestIsBounded(t *testing.T) {
	a := New(nil, Limits{MaxSuspects: 3, MaxEdges: 4, MaxHints: 2})
	req := a.BuildRequest(evidence(50), "")

	assert.Equal(t, VerdictToolName, req.Tool.Name)
	assert.Contains(t, req.Instructions, "submit_verdict")
	assert.Contains(t, req.Context, "RANKED SUSPECTS (top 3 of 50)")
	assert.Contains(t, req.Context, "svc-02")
	assert.NotContains(t, req.Context, "svc-03 score")
	assert.Contains(t, req.Context, "46 more edges omitted")
	assert.Equal(t, 2, strings.Count(req.Context, "\n- ["))
	assert.NotContains(t, req.Context, "CORRECTION")
}

func TestBuildRequestCorrection(t *testing.T) {
	a := New(nil, Limits{})
	req := a.BuildRequest(evidence(1), "Your previous response was missing field confidence.")
	assert.Contains(t, req.Context, "CORRECTION: Your previous response was missing field confidence.")
}

func TestReasonWrapsProviderError(t *testing.T) {
	p := &stubProvider{err: errors.New("boom")}
	a := New(p, Limits{})
	_, err := a.Reason(context.Background(), a.BuildRequest(evidence(1), ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	require.Len(t, p.reqs, 1)

	_, err = New(nil, Limits{}).Reason(context.Background(), llm.Request{})
	assert.Error(t, err)
}

func TestParseVerdict(t *testing.T) {
	raw := "```json\n" + `{
		"root_cause_summary": "checkout-service times out calling payment-service",
		"affected_services": ["frontend", "checkout-service", "checkout-service"],
		"supporting_evidence": [{"kind": "span", "ref": "b1"}, "error log in checkout-service"],
		"recommended_actions": ["check payment-service health"]
	}` + "\n```"

	v, err := ParseVerdict(raw, 0.8)
	require.NoError(t, err)
	assert.Equal(t, []string{"checkout-service", "frontend"}, v.AffectedServices)
	assert.Equal(t, 0.8, v.Confidence)
	require.Len(t, v.SupportingEvidence, 2)
	assert.Equal(t, "note", v.SupportingEvidence[1].Kind)
	assert.True(t, v.Affects("checkout-service"))
}

func TestParseVerdictClampsConfidence(t *testing.T) {
	v, err := ParseVerdict(`{"root_cause_summary":"x","affected_services":[],"supporting_evidence":[],"recommended_actions":[],"confidence":7}`, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v.Confidence)
}

func TestParseVerdictMissingFields(t *testing.T) {
	_, err := ParseVerdict(`{"root_cause_summary":"x","affected_services":["a"],"recommended_actions":null}`, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrMalformedReasoningOutput)

	var missing *MissingFieldsError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []string{"supporting_evidence", "recommended_actions"}, missing.Fields)
	assert.Contains(t, missing.Correction(), "missing field supporting_evidence, recommended_actions")
}

func TestParseVerdictGarbage(t *testing.T) {
	for _, raw := range []string{"", "I think it is the database.", `{"root_cause_summary": `} {
		_, err := ParseVerdict(raw, 0)
		assert.ErrorIs(t, err, models.ErrMalformedReasoningOutput, raw)
	}
}

func TestParseVerdictWrongTypes(t *testing.T) {
	_, err := ParseVerdict(`{"root_cause_summary":"x","affected_services":"a","supporting_evidence":[],"recommended_actions":[]}`, 0)
	assert.ErrorIs(t, err, models.ErrMalformedReasoningOutput)
}
