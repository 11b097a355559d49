package models

import (
	"encoding/json"
	"sort"
	"strings"
)

// SignalContribution records how one signal fed into a suspect score.
type SignalContribution struct {
	Signal   string  `json:"signal"`
	RawValue float64 `json:"raw_value"`
	Weight   float64 `json:"weight"`
}

// SuspectScore is one ranked candidate root cause.
type SuspectScore struct {
	Service       string               `json:"service"`
	SpanID        string               `json:"span_id,omitempty"`
	Score         float64              `json:"score"`
	Depth         int                  `json:"depth"`
	Contributions []SignalContribution `json:"contributing_signals"`
}

// DominantSignal returns the contribution with the largest weighted value.
func (s SuspectScore) DominantSignal() (SignalContribution, bool) {
	var best SignalContribution
	found := false
	for _, c := range s.Contributions {
		if c.RawValue <= 0 {
			continue
		}
		if !found || c.RawValue*c.Weight > best.RawValue*best.Weight {
			best = c
			found = true
		}
	}
	return best, found
}

// RankOf returns the 1-based position of service in the ranking, or 0.
func RankOf(ranking []SuspectScore, service string) int {
	for i, s := range ranking {
		if s.Service == service {
			return i + 1
		}
	}
	return 0
}

// EvidenceRef points at a piece of telemetry backing a verdict.
type EvidenceRef struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
	Note string `json:"note,omitempty"`
}

// UnmarshalJSON accepts either an object or a bare string; reasoning
// backends are not consistent about which they emit.
func (e *EvidenceRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*e = EvidenceRef{Kind: "note", Ref: s}
		return nil
	}
	type plain EvidenceRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = EvidenceRef(p)
	return nil
}

// Verdict is the structured root-cause conclusion returned to the caller.
type Verdict struct {
	RootCauseSummary   string        `json:"root_cause_summary"`
	AffectedServices   []string      `json:"affected_services"`
	SupportingEvidence []EvidenceRef `json:"supporting_evidence"`
	RecommendedActions []string      `json:"recommended_actions"`
	Confidence         float64       `json:"confidence"`
}

// Normalize deduplicates and sorts affected services and clamps confidence.
func (v *Verdict) Normalize() {
	seen := make(map[string]struct{}, len(v.AffectedServices))
	services := make([]string, 0, len(v.AffectedServices))
	for _, s := range v.AffectedServices {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		services = append(services, s)
	}
	sort.Strings(services)
	v.AffectedServices = services
	v.Confidence = Clamp01(v.Confidence)
}

// Affects reports whether the verdict names service as affected.
func (v *Verdict) Affects(service string) bool {
	for _, s := range v.AffectedServices {
		if s == service {
			return true
		}
	}
	return false
}

// Clamp01 limits v to the unit interval.
func Clamp01(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
