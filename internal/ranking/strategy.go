// Package ranking fuses per-service signals into an ordered list of suspects.
package ranking

import (
	"sort"
	"strings"

	"rootscope/internal/models"
)

// Strategy names accepted by NewStrategy.
const (
	RuleBasedName   = "rule_based"
	WeightedSumName = "weighted_sum"
	GraphAwareName  = "graph_aware"
)

// CentralitySignal labels the graph-aware multiplier in contributions.
const CentralitySignal = "centrality"

// DefaultBoost is the maximum centrality uplift of the graph-aware strategy.
const DefaultBoost = 0.25

// NodeContext is the structural information a strategy may use.
type NodeContext struct {
	Service  string
	Depth    int
	Reach    int
	MaxReach int
}

// Strategy scores one node from its signal values. signals maps every signal
// under consideration to the node's raw value; missing evidence is 0.
type Strategy interface {
	Name() string
	Score(node NodeContext, signals map[string]float64) (float64, []models.SignalContribution)
}

func sortedNames(signals map[string]float64) []string {
	names := make([]string, 0, len(signals))
	for name := range signals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RuleBased takes the single strongest signal.
type RuleBased struct{}

func (RuleBased) Name() string { return RuleBasedName }

// Score returns max(signals). The winning signal carries weight 1.
func (RuleBased) Score(_ NodeContext, signals map[string]float64) (float64, []models.SignalContribution) {
	names := sortedNames(signals)
	best, bestName := 0.0, ""
	for _, name := range names {
		if v := signals[name]; v > best {
			best, bestName = v, name
		}
	}
	contribs := make([]models.SignalContribution, 0, len(names))
	for _, name := range names {
		w := 0.0
		if name == bestName {
			w = 1
		}
		contribs = append(contribs, models.SignalContribution{Signal: name, RawValue: signals[name], Weight: w})
	}
	return models.Clamp01(best), contribs
}

// WeightedSum combines signals linearly. Weights are normalized to sum to 1
// over the signals being ranked; with no usable weights every signal counts
// equally. Signals missing from a non-empty weight map get weight 0.
type WeightedSum struct {
	Weights map[string]float64
}

func (WeightedSum) Name() string { return WeightedSumName }

func (w WeightedSum) weights(names []string) map[string]float64 {
	out := make(map[string]float64, len(names))
	total := 0.0
	for _, name := range names {
		v := w.Weights[name]
		if v < 0 {
			v = 0
		}
		out[name] = v
		total += v
	}
	if total == 0 {
		for _, name := range names {
			out[name] = 1 / float64(len(names))
		}
		return out
	}
	for _, name := range names {
		out[name] /= total
	}
	return out
}

// Score returns Σ weight·signal.
func (w WeightedSum) Score(_ NodeContext, signals map[string]float64) (float64, []models.SignalContribution) {
	names := sortedNames(signals)
	if len(names) == 0 {
		return 0, nil
	}
	weights := w.weights(names)
	score := 0.0
	contribs := make([]models.SignalContribution, 0, len(names))
	for _, name := range names {
		score += weights[name] * signals[name]
		contribs = append(contribs, models.SignalContribution{Signal: name, RawValue: signals[name], Weight: weights[name]})
	}
	return models.Clamp01(score), contribs
}

// GraphAware is WeightedSum scaled by 1 + Boost·reach/maxReach, so callers
// with many downstream dependents are not penalized for sitting far from the
// failing leaf.
type GraphAware struct {
	WeightedSum
	Boost float64
}

func (GraphAware) Name() string { return GraphAwareName }

// Score applies the centrality factor to the weighted sum, capped at 1.
func (g GraphAware) Score(node NodeContext, signals map[string]float64) (float64, []models.SignalContribution) {
	base, contribs := g.WeightedSum.Score(node, signals)
	centrality := 0.0
	if node.MaxReach > 0 {
		centrality = float64(node.Reach) / float64(node.MaxReach)
	}
	contribs = append(contribs, models.SignalContribution{Signal: CentralitySignal, RawValue: centrality, Weight: g.Boost})
	return models.Clamp01(base * (1 + g.Boost*centrality)), contribs
}

// NewStrategy builds a strategy by name. Hyphenated names are accepted.
func NewStrategy(name string, weights map[string]float64, boost float64) (Strategy, error) {
	if boost <= 0 {
		boost = DefaultBoost
	}
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_") {
	case RuleBasedName:
		return RuleBased{}, nil
	case WeightedSumName, "":
		return WeightedSum{Weights: weights}, nil
	case GraphAwareName:
		return GraphAware{WeightedSum: WeightedSum{Weights: weights}, Boost: boost}, nil
	default:
		return nil, models.NewError(models.KindInvalidRequest, "unknown ranking strategy %q", name)
	}
}
