package ranking

import (
	"sort"

	"rootscope/internal/graph"
	"rootscope/internal/models"
	"rootscope/internal/signals"
)

// Rank scores every node of g and returns them by descending score. Ties
// go to the shallower service, then to the lexicographically smaller name.
// Every service in the graph appears exactly once, even without evidence.
func Rank(g *graph.ServiceGraph, sigs map[string]signals.Values, strategy Strategy) []models.SuspectScore {
	if g == nil {
		return nil
	}
	if strategy == nil {
		strategy = WeightedSum{}
	}

	nodes := g.Nodes()
	reach := make(map[string]int, len(nodes))
	maxReach := 0
	for _, n := range nodes {
		r := g.Reach(n.Service)
		reach[n.Service] = r
		if r > maxReach {
			maxReach = r
		}
	}

	out := make([]models.SuspectScore, 0, len(nodes))
	for _, n := range nodes {
		values := make(map[string]float64, len(sigs))
		for name, v := range sigs {
			values[name] = models.Clamp01(v[n.Service])
		}
		score, contribs := strategy.Score(NodeContext{
			Service:  n.Service,
			Depth:    n.Depth,
			Reach:    reach[n.Service],
			MaxReach: maxReach,
		}, values)
		out = append(out, models.SuspectScore{
			Service:       n.Service,
			SpanID:        n.SuspectSpanID,
			Score:         models.Clamp01(score),
			Depth:         n.Depth,
			Contributions: contribs,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		return out[i].Service < out[j].Service
	})
	return out
}
