package orchestrator

import (
	"fmt"

	"rootscope/internal/analyzer"
	"rootscope/internal/models"
)

// excerptSuspects is how many top suspects contribute telemetry excerpts.
const excerptSuspects = 3

// logsPerSuspect caps the log lines quoted per suspect.
const logsPerSuspect = 2

// prepareEvidence gathers the reasoning context for one analysis: the
// ranking, the edge list and short excerpts of the top suspects' spans and
// warning logs.
func prepareEvidence(tel *models.Telemetry, ranked *Ranked) analyzer.Evidence {
	ev := analyzer.Evidence{
		TraceID:  tel.TraceID,
		Services: ranked.Graph.Services(),
		Window:   tel.Window,
		Ranking:  ranked.Ranking,
		Edges:    ranked.Edges,
	}

	spans := make(map[string]models.Span, len(tel.Spans))
	for _, sp := range tel.Spans {
		spans[sp.SpanID] = sp
	}

	top := ranked.Ranking
	if len(top) > excerptSuspects {
		top = top[:excerptSuspects]
	}
	for _, s := range top {
		if sp, ok := spans[s.SpanID]; ok {
			ev.Excerpts = append(ev.Excerpts, formatSpan(sp))
		}
		quoted := 0
		for _, l := range tel.Logs {
			if quoted >= logsPerSuspect {
				break
			}
			if l.ServiceName != s.Service || l.Level() < models.SeverityWarn {
				continue
			}
			ev.Excerpts = append(ev.Excerpts, fmt.Sprintf("log %s %s: %s", l.ServiceName, l.Level(), l.Message))
			quoted++
		}
	}
	return ev
}

func formatSpan(sp models.Span) string {
	out := fmt.Sprintf("span %s %s %q status=%s duration=%s",
		sp.SpanID, sp.ServiceName, sp.OperationName, sp.Status, sp.Duration())
	if msg := sp.StatusMessage(); msg != "" {
		out += ": " + msg
	}
	return out
}
