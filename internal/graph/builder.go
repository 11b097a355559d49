// Package graph reconstructs service dependency graphs from span parent/child relations.
package graph

import (
	"fmt"
	"sort"

	"rootscope/internal/models"
)

// Node is one service observed in the input spans.
type Node struct {
	Service string `json:"service"`
	// Depth is the shallowest position of any of the service's spans in the
	// span tree; root spans have depth 0.
	Depth        int `json:"depth"`
	SpanCount    int `json:"span_count"`
	ErrorCount   int `json:"error_count"`
	OriginErrors int `json:"origin_errors"`
	Orphans      int `json:"orphans"`
	// SuspectSpanID is the span used for leaf-level attribution.
	SuspectSpanID string `json:"suspect_span_id,omitempty"`
}

// Edge aggregates calls from one service to another.
type Edge struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Calls  int    `json:"calls"`
	Errors int    `json:"errors"`
}

// Self reports whether the edge is an intra-service call.
func (e Edge) Self() bool {
	return e.From == e.To
}

// ErrorRate is the fraction of calls on this edge whose child span errored.
func (e Edge) ErrorRate() float64 {
	if e.Calls == 0 {
		return 0
	}
	return float64(e.Errors) / float64(e.Calls)
}

type edgeKey struct {
	from, to string
}

// ServiceGraph is a directed service call graph. It is immutable once built.
type ServiceGraph struct {
	nodes map[string]*Node
	edges map[edgeKey]*Edge
	out   map[string][]string
	roots []string
	// spanDepth keeps the structural depth of each span, used instead of wall
	// clock order when reasoning about causality.
	spanDepth map[string]int
}

type spanState struct {
	span       models.Span
	errorChild bool
}

// Build constructs the service graph for the given spans. It holds no state
// across calls.
func Build(spans []models.Span) *ServiceGraph {
	g := &ServiceGraph{
		nodes:     make(map[string]*Node),
		edges:     make(map[edgeKey]*Edge),
		out:       make(map[string][]string),
		spanDepth: make(map[string]int, len(spans)),
	}

	byID := make(map[string]*spanState, len(spans))
	for _, s := range spans {
		byID[s.SpanID] = &spanState{span: s}
	}

	for _, s := range spans {
		n := g.node(s.ServiceName)
		n.SpanCount++
		if s.IsError() {
			n.ErrorCount++
		}

		parent, ok := byID[s.ParentID]
		if !s.HasParent() || !ok || s.ParentID == s.SpanID {
			if s.HasParent() {
				n.Orphans++
			}
			continue
		}
		if s.IsError() {
			parent.errorChild = true
		}

		key := edgeKey{from: parent.span.ServiceName, to: s.ServiceName}
		e, ok := g.edges[key]
		if !ok {
			e = &Edge{From: key.from, To: key.to}
			g.edges[key] = e
			if !e.Self() {
				g.out[key.from] = append(g.out[key.from], key.to)
			}
		}
		e.Calls++
		if s.IsError() {
			e.Errors++
		}
	}

	for from := range g.out {
		sort.Strings(g.out[from])
	}

	g.assignDepths(spans, byID)
	g.assignSuspects(spans, byID)
	g.collectRoots()
	return g
}

func (g *ServiceGraph) node(service string) *Node {
	n, ok := g.nodes[service]
	if !ok {
		n = &Node{Service: service, Depth: -1}
		g.nodes[service] = n
	}
	return n
}

// assignDepths walks parent links for each span. Parent chains that loop
// (corrupt data) are cut at the first revisit.
func (g *ServiceGraph) assignDepths(spans []models.Span, byID map[string]*spanState) {
	var depthOf func(id string, visiting map[string]bool) int
	depthOf = func(id string, visiting map[string]bool) int {
		if d, ok := g.spanDepth[id]; ok {
			return d
		}
		st := byID[id]
		parent, ok := byID[st.span.ParentID]
		if !st.span.HasParent() || !ok || visiting[st.span.ParentID] {
			g.spanDepth[id] = 0
			return 0
		}
		visiting[id] = true
		d := depthOf(parent.span.SpanID, visiting) + 1
		g.spanDepth[id] = d
		return d
	}

	for _, s := range spans {
		d := depthOf(s.SpanID, map[string]bool{})
		n := g.nodes[s.ServiceName]
		if n.Depth < 0 || d < n.Depth {
			n.Depth = d
		}
	}
}

// assignSuspects counts origin errors (ERROR spans with no ERROR child) and
// picks each node's attribution span.
func (g *ServiceGraph) assignSuspects(spans []models.Span, byID map[string]*spanState) {
	ordered := append([]models.Span(nil), spans...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].StartTime.Equal(ordered[j].StartTime) {
			return ordered[i].StartTime.Before(ordered[j].StartTime)
		}
		return ordered[i].SpanID < ordered[j].SpanID
	})

	type pick struct {
		rank int
		span models.Span
	}
	best := make(map[string]pick)

	for _, s := range ordered {
		rank := 0
		if s.IsError() {
			rank = 1
			if st := byID[s.SpanID]; st != nil && !st.errorChild {
				rank = 2
				g.nodes[s.ServiceName].OriginErrors++
			}
		}
		cur, ok := best[s.ServiceName]
		switch {
		case !ok || rank > cur.rank:
			best[s.ServiceName] = pick{rank: rank, span: s}
		case rank == cur.rank && rank == 0 && s.Duration() > cur.span.Duration():
			best[s.ServiceName] = pick{rank: rank, span: s}
		}
	}

	for service, p := range best {
		g.nodes[service].SuspectSpanID = p.span.SpanID
	}
}

func (g *ServiceGraph) collectRoots() {
	for name, n := range g.nodes {
		if n.Depth == 0 {
			g.roots = append(g.roots, name)
		}
	}
	sort.Strings(g.roots)
}

// Len returns the number of services in the graph.
func (g *ServiceGraph) Len() int {
	return len(g.nodes)
}

// Node returns the node for service.
func (g *ServiceGraph) Node(service string) (Node, bool) {
	n, ok := g.nodes[service]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Nodes returns all nodes sorted by service name.
func (g *ServiceGraph) Nodes() []Node {
	out := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Services returns the sorted service names.
func (g *ServiceGraph) Services() []string {
	out := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Edges returns every edge, self-edges included, sorted by (from, to).
func (g *ServiceGraph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// EdgeList renders edges as "from -> to" lines with their counts, in the
// same order as Edges.
func (g *ServiceGraph) EdgeList() []string {
	edges := g.Edges()
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		line := fmt.Sprintf("%s -> %s calls=%d errors=%d", e.From, e.To, e.Calls, e.Errors)
		if e.Self() {
			line += " (self)"
		}
		out = append(out, line)
	}
	return out
}

// Edge returns the edge between two services.
func (g *ServiceGraph) Edge(from, to string) (Edge, bool) {
	e, ok := g.edges[edgeKey{from: from, to: to}]
	if !ok {
		return Edge{}, false
	}
	return *e, true
}

// Children returns the cross-service callees of service, sorted.
func (g *ServiceGraph) Children(service string) []string {
	return g.out[service]
}

// OutgoingCalls sums the cross-service calls made by service.
func (g *ServiceGraph) OutgoingCalls(service string) int {
	total := 0
	for _, child := range g.out[service] {
		total += g.edges[edgeKey{from: service, to: child}].Calls
	}
	return total
}

// Roots returns the services owning at least one root span.
func (g *ServiceGraph) Roots() []string {
	return g.roots
}

// SpanDepth returns the structural depth of a span, and whether it is known.
func (g *ServiceGraph) SpanDepth(spanID string) (int, bool) {
	d, ok := g.spanDepth[spanID]
	return d, ok
}

// Reach counts the distinct services reachable downstream of service over
// cross-service edges. Cycles are tolerated.
func (g *ServiceGraph) Reach(service string) int {
	seen := map[string]bool{service: true}
	stack := append([]string(nil), g.out[service]...)
	count := 0
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		count++
		stack = append(stack, g.out[cur]...)
	}
	return count
}

// HasCycle reports whether the cross-service edges contain a cycle. Graphs
// built from one trace never do; windowed graphs may.
func (g *ServiceGraph) HasCycle() bool {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.nodes))
	var visit func(string) bool
	visit = func(n string) bool {
		color[n] = grey
		for _, c := range g.out[n] {
			switch color[c] {
			case grey:
				return true
			case white:
				if visit(c) {
					return true
				}
			}
		}
		color[n] = black
		return false
	}
	for _, n := range g.Services() {
		if color[n] == white && visit(n) {
			return true
		}
	}
	return false
}
