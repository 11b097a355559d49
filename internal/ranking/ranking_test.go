package ranking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rootscope/internal/graph"
	"rootscope/internal/models"
	"rootscope/internal/signals"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func chain() *graph.ServiceGraph {
	return graph.Build([]models.Span{
		{TraceID: "t", SpanID: "1", ServiceName: "frontend", StartTime: t0, EndTime: t0.Add(time.Second)},
		{TraceID: "t", SpanID: "2", ParentID: "1", ServiceName: "checkout", StartTime: t0, EndTime: t0.Add(time.Second)},
		{TraceID: "t", SpanID: "3", ParentID: "2", ServiceName: "payment", StartTime: t0, EndTime: t0.Add(time.Second), Status: models.StatusError},
		{TraceID: "t", SpanID: "4", ParentID: "1", ServiceName: "cart", StartTime: t0, EndTime: t0.Add(time.Second)},
	})
}

func TestRankCoversEveryNode(t *testing.T) {
	g := chain()
	ranked := Rank(g, map[string]signals.Values{
		signals.ErrorPropagation: {"payment": 1, "checkout": 0.7, "frontend": 0.49},
	}, WeightedSum{})

	require.Len(t, ranked, g.Len())
	assert.Equal(t, "payment", ranked[0].Service)
	assert.Equal(t, "3", ranked[0].SpanID)
	assert.Equal(t, "checkout", ranked[1].Service)
	assert.Equal(t, "frontend", ranked[2].Service)
	assert.Equal(t, "cart", ranked[3].Service)
	assert.Equal(t, 0.0, ranked[3].Score)

	for _, s := range ranked {
		assert.GreaterOrEqual(t, s.Score, 0.0)
		assert.LessOrEqual(t, s.Score, 1.0)
	}
}

func TestRankTieBreak(t *testing.T) {
	ranked := Rank(chain(), map[string]signals.Values{}, RuleBased{})
	require.Len(t, ranked, 4)
	// All zero: depth first, then name.
	assert.Equal(t, []string{"frontend", "cart", "checkout", "payment"}, services(ranked))
}

func TestRankDeterministic(t *testing.T) {
	sigs := map[string]signals.Values{
		signals.ErrorPropagation: {"payment": 0.5, "cart": 0.5},
		signals.LogAnomaly:       {"checkout": 0.25},
	}
	first := Rank(chain(), sigs, GraphAware{Boost: DefaultBoost})
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Rank(chain(), sigs, GraphAware{Boost: DefaultBoost}))
	}
}

func TestRankNilGraph(t *testing.T) {
	assert.Nil(t, Rank(nil, nil, nil))
}

func TestRuleBased(t *testing.T) {
	score, contribs := RuleBased{}.Score(NodeContext{}, map[string]float64{"a": 0.2, "b": 0.9, "c": 0})
	assert.Equal(t, 0.9, score)
	require.Len(t, contribs, 3)
	assert.Equal(t, "b", contribs[1].Signal)
	assert.Equal(t, 1.0, contribs[1].Weight)
	assert.Equal(t, 0.0, contribs[0].Weight)
}

func TestWeightedSumEqualByDefault(t *testing.T) {
	score, contribs := WeightedSum{}.Score(NodeContext{}, map[string]float64{"a": 1, "b": 0})
	assert.InDelta(t, 0.5, score, 1e-9)
	require.Len(t, contribs, 2)
	assert.InDelta(t, 0.5, contribs[0].Weight, 1e-9)
}

func TestWeightedSumNormalizesWeights(t *testing.T) {
	w := WeightedSum{Weights: map[string]float64{"a": 3, "b": 1}}
	score, _ := w.Score(NodeContext{}, map[string]float64{"a": 1, "b": 0, "c": 1})
	assert.InDelta(t, 0.75, score, 1e-9)
}

func TestWeightedSumEmpty(t *testing.T) {
	score, contribs := WeightedSum{}.Score(NodeContext{}, nil)
	assert.Equal(t, 0.0, score)
	assert.Empty(t, contribs)
}

func TestGraphAwareBoostsCentralNodes(t *testing.T) {
	g := GraphAware{Boost: 0.25}
	in := map[string]float64{"a": 0.4}

	leaf, _ := g.Score(NodeContext{Reach: 0, MaxReach: 3}, in)
	hub, contribs := g.Score(NodeContext{Reach: 3, MaxReach: 3}, in)

	assert.InDelta(t, 0.4, leaf, 1e-9)
	assert.InDelta(t, 0.5, hub, 1e-9)
	assert.Equal(t, CentralitySignal, contribs[len(contribs)-1].Signal)

	capped, _ := g.Score(NodeContext{Reach: 3, MaxReach: 3}, map[string]float64{"a": 1})
	assert.Equal(t, 1.0, capped)
}

func TestNewStrategy(t *testing.T) {
	for name, want := range map[string]string{
		"rule_based":   RuleBasedName,
		"weighted-sum": WeightedSumName,
		"":             WeightedSumName,
		"Graph_Aware":  GraphAwareName,
	} {
		s, err := NewStrategy(name, nil, 0)
		require.NoError(t, err, name)
		assert.Equal(t, want, s.Name())
	}

	_, err := NewStrategy("magic", nil, 0)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func services(ranked []models.SuspectScore) []string {
	out := make([]string, len(ranked))
	for i, s := range ranked {
		out[i] = s.Service
	}
	return out
}
