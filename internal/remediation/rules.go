// Package remediation provides a fast, rule-based engine for suggesting incident fixes.
package remediation

import (
	"fmt"

	"rootscope/internal/models"
	"rootscope/internal/signals"
)

// Suggestion is an actionable remediation step for one suspect service.
type Suggestion struct {
	Service     string `json:"service"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Action      string `json:"action"` // E.g., a CLI command or a query to run
}

// minEvidence is the raw signal value below which no rule fires.
const minEvidence = 0.2

// Engine maps the dominant signal of each suspect to heuristic suggestions.
type Engine struct{}

// NewEngine initializes a generic heuristic remediation engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Suggest evaluates the first limit suspects (all when limit <= 0) and
// returns their suggestions in ranking order.
func (e *Engine) Suggest(suspects []models.SuspectScore, limit int) []Suggestion {
	if limit <= 0 || limit > len(suspects) {
		limit = len(suspects)
	}
	var out []Suggestion
	for _, s := range suspects[:limit] {
		out = append(out, e.forSuspect(s)...)
	}
	return out
}

func (e *Engine) forSuspect(s models.SuspectScore) []Suggestion {
	dominant, ok := s.DominantSignal()
	if !ok || dominant.RawValue < minEvidence {
		return nil
	}
	svc := s.Service

	switch dominant.Signal {
	case signals.ErrorPropagation:
		out := []Suggestion{{
			Service:     svc,
			Title:       "Investigate Recent Deployments",
			Description: "Errors originate in this service rather than in its dependencies; spikes in error rates strongly correlate with recent rollouts.",
			Action:      fmt.Sprintf("kubectl rollout history deployment %s", svc),
		}}
		if s.SpanID != "" {
			out = append(out, Suggestion{
				Service:     svc,
				Title:       "Inspect The Failing Span",
				Description: "The suspect span is the earliest error with no failing child.",
				Action:      fmt.Sprintf("Open span %s and review its status message and events.", s.SpanID),
			})
		}
		return out
	case signals.MetricAnomaly:
		return []Suggestion{
			{
				Service:     svc,
				Title:       "Check Resource Saturation",
				Description: "Metrics deviate sharply from the trailing baseline; the service might be underprovisioned or throttled.",
				Action:      fmt.Sprintf("kubectl top pods -l app=%s", svc),
			},
			{
				Service:     svc,
				Title:       "Scale Up Service Replicas",
				Description: "If latency rose with traffic, adding capacity buys time while the cause is found.",
				Action:      fmt.Sprintf("kubectl scale deployment %s --replicas=3", svc),
			},
		}
	case signals.LogAnomaly:
		return []Suggestion{{
			Service:     svc,
			Title:       "Check Downstream Dependencies",
			Description: "Error logs dominate; ensure databases and called services are not rejecting connections or timing out.",
			Action:      fmt.Sprintf(`{service_name="%s"} |~ "(?i)refused|timeout|exception"`, svc),
		}}
	}
	return nil
}
