package signals

import (
	"context"
	"math"
)

// DefaultDecay is the per-hop attenuation applied when error evidence is
// propagated to callers.
const DefaultDecay = 0.7

type errorPropagation struct {
	decay float64
}

// NewErrorPropagation scores services by the errors they originate and
// propagates a decayed share of that score to their callers.
func NewErrorPropagation(decay float64) Extractor {
	if decay <= 0 || decay >= 1 {
		decay = DefaultDecay
	}
	return &errorPropagation{decay: decay}
}

func (e *errorPropagation) Name() string { return ErrorPropagation }

// Extract computes own(s) = origin errors / spans for each service, then
// relaxes score(p) = max(own(p), max_c decay * share(p,c) * score(c)) over
// cross-service edges, where share is the fraction of p's outgoing calls
// that go to c. Causality follows span parentage, never wall-clock order.
// The result is scaled so the strongest service scores 1.
func (e *errorPropagation) Extract(ctx context.Context, in Input) Values {
	g := in.Graph
	if g == nil || g.Len() == 0 {
		return Values{}
	}
	services := g.Services()

	own := make(map[string]float64, len(services))
	score := make(map[string]float64, len(services))
	for _, s := range services {
		n, _ := g.Node(s)
		if n.SpanCount > 0 {
			own[s] = float64(n.OriginErrors) / float64(n.SpanCount)
		}
		score[s] = own[s]
	}

	// Each round pushes evidence one hop further up; |V| rounds reach every
	// ancestor even when windowed graphs contain cycles.
	for round := 0; round < len(services); round++ {
		if ctx.Err() != nil {
			break
		}
		changed := false
		for _, p := range services {
			total := g.OutgoingCalls(p)
			if total == 0 {
				continue
			}
			best := own[p]
			for _, c := range g.Children(p) {
				edge, _ := g.Edge(p, c)
				share := float64(edge.Calls) / float64(total)
				if v := e.decay * share * score[c]; v > best {
					best = v
				}
			}
			if best > score[p]+1e-12 {
				score[p] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	return normalize(score)
}

func normalize(score map[string]float64) Values {
	maxV := 0.0
	for _, v := range score {
		maxV = math.Max(maxV, v)
	}
	out := make(Values, len(score))
	for s, v := range score {
		if maxV > 0 {
			v /= maxV
		}
		out[s] = v
	}
	return out
}
