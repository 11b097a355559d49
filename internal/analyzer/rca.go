// Package analyzer assembles ranked evidence into a bounded reasoning request
// and turns the model's answer back into a validated verdict.
package analyzer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"rootscope/internal/models"
	"rootscope/internal/remediation"
	"rootscope/pkg/llm"
)

// Limits bound how much evidence reaches the model.
type Limits struct {
	MaxSuspects int
	MaxEdges    int
	MaxHints    int
	MaxExcerpts int
}

func (l Limits) withDefaults() Limits {
	if l.MaxSuspects <= 0 {
		l.MaxSuspects = 5
	}
	if l.MaxEdges <= 0 {
		l.MaxEdges = 30
	}
	if l.MaxHints <= 0 {
		l.MaxHints = 6
	}
	if l.MaxExcerpts <= 0 {
		l.MaxExcerpts = 2 * l.MaxSuspects
	}
	return l
}

// Evidence is everything the reasoning step may see about one incident.
type Evidence struct {
	TraceID  string
	Services []string
	Window   models.TimeRange
	Ranking  []models.SuspectScore
	Edges    []string
	Excerpts []string
}

// Analyzer utilizes an underlying LLM provider to reason over ranked evidence.
type Analyzer struct {
	provider llm.Provider
	limits   Limits
	hints    *remediation.Engine
}

// New initializes a new Analyzer with the given LLM provider.
func New(provider llm.Provider, limits Limits) *Analyzer {
	return &Analyzer{
		provider: provider,
		limits:   limits.withDefaults(),
		hints:    remediation.NewEngine(),
	}
}

// Provider returns the configured provider, which may be nil.
func (a *Analyzer) Provider() llm.Provider {
	return a.provider
}

// BuildRequest renders the evidence into a reasoning request. A non-empty
// correction is appended as feedback on a previous malformed answer.
func (a *Analyzer) BuildRequest(ev Evidence, correction string) llm.Request {
	return llm.Request{
		Instructions: instructions,
		Context:      a.buildContext(ev, correction),
		Tool:         VerdictTool(),
	}
}

// Reason sends one request to the provider.
func (a *Analyzer) Reason(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if a.provider == nil {
		return nil, fmt.Errorf("no reasoning provider configured")
	}
	resp, err := a.provider.Reason(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("LLM analysis failed: %w", err)
	}
	return resp, nil
}

const instructions = `You are an SRE localizing the root cause of an incident in a microservice system.
You are given suspects ranked by an automated fusion of trace error propagation, metric anomalies and log anomalies, the service call graph, and short telemetry excerpts.
The ranking is strong evidence but not ground truth; disagree with it only when the excerpts contradict it.
Answer by calling submit_verdict exactly once. Every field except confidence is required:
- root_cause_summary: 1-3 sentences naming the failing service and the mechanism.
- affected_services: the services impacted by the fault, including the root cause.
- supporting_evidence: references to the suspects, edges or excerpts you relied on.
- recommended_actions: concrete next steps for the on-call engineer.
- confidence: a number between 0 and 1.`

func (a *Analyzer) buildContext(ev Evidence, correction string) string {
	var b strings.Builder

	b.WriteString("INCIDENT:\n")
	if ev.TraceID != "" {
		fmt.Fprintf(&b, "- Trace: %s\n", ev.TraceID)
	}
	if len(ev.Services) > 0 {
		fmt.Fprintf(&b, "- Services: %s\n", strings.Join(ev.Services, ", "))
	}
	if !ev.Window.Start.IsZero() {
		fmt.Fprintf(&b, "- Window: %s to %s (%s)\n",
			ev.Window.Start.Format(time.RFC3339Nano), ev.Window.End.Format(time.RFC3339Nano), ev.Window.Duration())
	}

	suspects := ev.Ranking
	if len(suspects) > a.limits.MaxSuspects {
		suspects = suspects[:a.limits.MaxSuspects]
	}
	fmt.Fprintf(&b, "\nRANKED SUSPECTS (top %d of %d):\n", len(suspects), len(ev.Ranking))
	for i, s := range suspects {
		fmt.Fprintf(&b, "%d. %s score=%.3f depth=%d", i+1, s.Service, s.Score, s.Depth)
		if s.SpanID != "" {
			fmt.Fprintf(&b, " span=%s", s.SpanID)
		}
		b.WriteString("\n   signals:")
		for _, c := range s.Contributions {
			fmt.Fprintf(&b, " %s=%.3f(w=%.2f)", c.Signal, c.RawValue, c.Weight)
		}
		b.WriteString("\n")
	}

	edges := ev.Edges
	fmt.Fprintf(&b, "\nCALL GRAPH (%d edges):\n", len(edges))
	if len(edges) > a.limits.MaxEdges {
		edges = edges[:a.limits.MaxEdges]
	}
	for _, e := range edges {
		fmt.Fprintf(&b, "- %s\n", e)
	}
	if len(ev.Edges) > len(edges) {
		fmt.Fprintf(&b, "- ... %d more edges omitted\n", len(ev.Edges)-len(edges))
	}

	if len(ev.Excerpts) > 0 {
		excerpts := ev.Excerpts
		if len(excerpts) > a.limits.MaxExcerpts {
			excerpts = excerpts[:a.limits.MaxExcerpts]
		}
		b.WriteString("\nTELEMETRY EXCERPTS:\n")
		for _, e := range excerpts {
			fmt.Fprintf(&b, "- %s\n", truncate(e, 240))
		}
	}

	if hints := a.hints.Suggest(suspects, 0); len(hints) > 0 {
		if len(hints) > a.limits.MaxHints {
			hints = hints[:a.limits.MaxHints]
		}
		b.WriteString("\nCANDIDATE ACTIONS:\n")
		for _, h := range hints {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", h.Service, h.Title, h.Action)
		}
	}

	if correction != "" {
		fmt.Fprintf(&b, "\nCORRECTION: %s\n", correction)
	}
	return b.String()
}

// truncate truncates a string
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
