package remediation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rootscope/internal/models"
	"rootscope/internal/signals"
)

func suspect(service, signal string, value float64) models.SuspectScore {
	return models.SuspectScore{
		Service: service,
		SpanID:  "abc",
		Score:   value,
		Contributions: []models.SignalContribution{
			{Signal: signal, RawValue: value, Weight: 1},
		},
	}
}

func TestSuggestByDominantSignal(t *testing.T) {
	e := NewEngine()
	tests := []struct {
		signal string
		title  string
	}{
		{signals.ErrorPropagation, "Investigate Recent Deployments"},
		{signals.MetricAnomaly, "Check Resource Saturation"},
		{signals.LogAnomaly, "Check Downstream Dependencies"},
	}
	for _, tt := range tests {
		t.Run(tt.signal, func(t *testing.T) {
			out := e.Suggest([]models.SuspectScore{suspect("payment", tt.signal, 0.9)}, 0)
			require.NotEmpty(t, out)
			assert.Equal(t, tt.title, out[0].Title)
			assert.Equal(t, "payment", out[0].Service)
			assert.Contains(t, out[0].Action, "payment")
		})
	}
}

func TestSuggestSkipsWeakEvidence(t *testing.T) {
	out := NewEngine().Suggest([]models.SuspectScore{
		suspect("a", signals.LogAnomaly, 0.05),
		{Service: "b"},
	}, 0)
	assert.Empty(t, out)
}

func TestSuggestHonorsLimit(t *testing.T) {
	out := NewEngine().Suggest([]models.SuspectScore{
		suspect("a", signals.LogAnomaly, 0.9),
		suspect("b", signals.LogAnomaly, 0.8),
	}, 1)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].Service)
}
