// Package report renders analyses and evaluation runs as Markdown for humans.
package report

import (
	"fmt"
	"strings"
	"time"

	"rootscope/internal/harness"
	"rootscope/internal/models"
	"rootscope/internal/orchestrator"
	"rootscope/internal/remediation"
)

// Analysis renders one pipeline result with its rule-based hints.
func Analysis(res *orchestrator.Result, hints []remediation.Suggestion) string {
	var b strings.Builder

	subject := res.TraceID
	if subject == "" {
		subject = strings.Join(res.Services, ", ")
	}
	fmt.Fprintf(&b, "# Root cause analysis: %s\n", subject)
	fmt.Fprintf(&b, "**Analysis:** %s\n", res.AnalysisID)
	if !res.Window.Start.IsZero() {
		fmt.Fprintf(&b, "**Window:** %s\n", res.Window)
	}
	fmt.Fprintf(&b, "**Strategy:** %s\n\n", res.Strategy)

	if v := res.Verdict; v != nil {
		b.WriteString("## Verdict\n")
		fmt.Fprintf(&b, "%s\n\n", v.RootCauseSummary)
		fmt.Fprintf(&b, "**Confidence:** %.2f\n", v.Confidence)
		if len(v.AffectedServices) > 0 {
			fmt.Fprintf(&b, "**Affected:** %s\n", strings.Join(v.AffectedServices, ", "))
		}
		if len(v.SupportingEvidence) > 0 {
			b.WriteString("\n**Evidence:**\n")
			for _, e := range v.SupportingEvidence {
				fmt.Fprintf(&b, "- %s `%s`", e.Kind, e.Ref)
				if e.Note != "" {
					fmt.Fprintf(&b, ": %s", e.Note)
				}
				b.WriteString("\n")
			}
		}
		if len(v.RecommendedActions) > 0 {
			b.WriteString("\n**Next steps:**\n")
			for _, step := range v.RecommendedActions {
				fmt.Fprintf(&b, "- %s\n", step)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString(Ranking(res.Ranking))

	if len(res.Edges) > 0 {
		b.WriteString("\n## Service graph\n")
		for _, e := range res.Edges {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}

	b.WriteString("\n## Rule-based suggestions\n")
	if len(hints) == 0 {
		b.WriteString("No rule matched the ranked evidence.\n")
	}
	for _, h := range hints {
		fmt.Fprintf(&b, "### %s (%s)\n", h.Title, h.Service)
		fmt.Fprintf(&b, "%s\n\n", h.Description)
		fmt.Fprintf(&b, "```\n%s\n```\n\n", h.Action)
	}
	return b.String()
}

// Ranking renders the suspect table.
func Ranking(ranking []models.SuspectScore) string {
	var b strings.Builder
	b.WriteString("## Suspects\n")
	b.WriteString("| # | Service | Score | Depth | Dominant signal |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for i, s := range ranking {
		dominant := "-"
		if sig, ok := s.DominantSignal(); ok {
			dominant = fmt.Sprintf("%s (%.2f)", sig.Signal, sig.RawValue)
		}
		fmt.Fprintf(&b, "| %d | %s | %.3f | %d | %s |\n", i+1, s.Service, s.Score, s.Depth, dominant)
	}
	return b.String()
}

// Suite renders an evaluation report.
func Suite(name string, r *harness.Report, generated time.Time) string {
	var b strings.Builder
	if name == "" {
		name = "unnamed suite"
	}
	fmt.Fprintf(&b, "# Evaluation: %s\n", name)
	fmt.Fprintf(&b, "**Date:** %s\n\n", generated.Format("2006-01-02 15:04:05"))

	sum := r.Summary
	b.WriteString("## Summary\n")
	fmt.Fprintf(&b, "- Experiments: %d (%d failed)\n", sum.Experiments, sum.Failed)
	fmt.Fprintf(&b, "- Top-1 accuracy: %.3f\n", sum.Top1Accuracy)
	fmt.Fprintf(&b, "- Top-k accuracy: %.3f\n", sum.TopKAccuracy)
	fmt.Fprintf(&b, "- MRR: %.3f\n", sum.MRR)
	if len(sum.PerNoiseLevelAccuracy) > 0 {
		b.WriteString("\n| Drop fraction | Top-1 | Trials |\n|---|---|---|\n")
		for _, n := range sum.PerNoiseLevelAccuracy {
			fmt.Fprintf(&b, "| %.2f | %.3f | %d |\n", n.DropFraction, n.Top1Accuracy, n.Trials)
		}
	}

	if len(r.Results) > 0 {
		b.WriteString("\n## Experiments\n")
		b.WriteString("| Ground truth | Top suspect | Rank | MRR | Trace |\n|---|---|---|---|---|\n")
		for _, res := range r.Results {
			top := "-"
			if len(res.Ranking) > 0 {
				top = res.Ranking[0].Service
			}
			rank := "missed"
			if n := models.RankOf(res.Ranking, res.GroundTruth); n > 0 {
				rank = fmt.Sprintf("%d", n)
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %.3f | %s |\n", res.GroundTruth, top, rank, res.MRR, res.TraceID)
		}
	}

	if len(r.Failures) > 0 {
		b.WriteString("\n## Failures\n")
		for _, f := range r.Failures {
			fmt.Fprintf(&b, "- %s %s: %s (%s)\n", f.Spec.Type, f.Spec.TargetService, f.Error, f.Kind)
		}
	}
	return b.String()
}
