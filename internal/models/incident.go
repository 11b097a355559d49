package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FaultType enumerates the kinds of faults the harness can inject.
type FaultType string

const (
	FaultLatency            FaultType = "latency"
	FaultError              FaultType = "error"
	FaultResourceExhaustion FaultType = "resource-exhaustion"
)

// Valid reports whether t is a known fault type.
func (t FaultType) Valid() bool {
	switch t {
	case FaultLatency, FaultError, FaultResourceExhaustion:
		return true
	}
	return false
}

// Duration is a time.Duration that reads and writes as a Go duration string
// ("30s") in JSON and YAML. Plain integers are read as nanoseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string or integer: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// FaultSpec describes one controlled incident.
type FaultSpec struct {
	TargetService   string    `json:"target_service" yaml:"target_service"`
	TargetOperation string    `json:"target_operation,omitempty" yaml:"target_operation,omitempty"`
	Type            FaultType `json:"fault_type" yaml:"fault_type"`
	Magnitude       float64   `json:"magnitude" yaml:"magnitude"`
	Duration        Duration  `json:"duration" yaml:"duration"`
}

// Validate checks the spec against the harness limits. maxDuration <= 0
// disables the upper bound.
func (f FaultSpec) Validate(maxDuration time.Duration) error {
	var problems []string
	if strings.TrimSpace(f.TargetService) == "" {
		problems = append(problems, "target_service is required")
	}
	if !f.Type.Valid() {
		problems = append(problems, fmt.Sprintf("unknown fault_type %q", f.Type))
	}
	if f.Magnitude < 0 || f.Magnitude != f.Magnitude {
		problems = append(problems, "magnitude must be non-negative")
	}
	if f.Type == FaultError && f.Magnitude > 1 {
		problems = append(problems, "error magnitude is a rate and must be <= 1")
	}
	if f.Duration <= 0 {
		problems = append(problems, "duration must be positive")
	} else if maxDuration > 0 && f.Duration.Std() > maxDuration {
		problems = append(problems, fmt.Sprintf("duration %s exceeds limit %s", f.Duration, maxDuration))
	}
	if len(problems) > 0 {
		return NewError(KindInvalidFaultSpec, "%s", strings.Join(problems, "; "))
	}
	return nil
}

// Incident is the harness record of one injected fault and its ground truth.
type Incident struct {
	ID                 string    `json:"id"`
	Fault              FaultSpec `json:"fault"`
	InjectionWindow    TimeRange `json:"injection_window"`
	GroundTruthService string    `json:"ground_truth_service"`
	GroundTruthSpan    string    `json:"ground_truth_span,omitempty"`
	TraceID            string    `json:"trace_id,omitempty"`
}

// NoiseLevelAccuracy is the mean top-1 accuracy measured at one drop fraction.
type NoiseLevelAccuracy struct {
	DropFraction float64 `json:"drop_fraction"`
	Top1Accuracy float64 `json:"top1_accuracy"`
	Trials       int     `json:"trials"`
}

// EvaluationResult scores one experiment.
type EvaluationResult struct {
	IncidentID            string               `json:"incident_id"`
	TraceID               string               `json:"trace_id"`
	GroundTruth           string               `json:"ground_truth"`
	Strategy              string               `json:"strategy"`
	K                     int                  `json:"k"`
	Top1Accuracy          float64              `json:"top1_accuracy"`
	TopKAccuracy          float64              `json:"topk_accuracy"`
	MRR                   float64              `json:"mrr"`
	PerNoiseLevelAccuracy []NoiseLevelAccuracy `json:"per_noise_level_accuracy"`
	Ranking               []SuspectScore       `json:"ranking"`
	Verdict               *Verdict             `json:"verdict,omitempty"`
	StartedAt             time.Time            `json:"started_at"`
	FinishedAt            time.Time            `json:"finished_at"`
}

// SuiteSummary aggregates a batch of experiment results.
type SuiteSummary struct {
	Experiments           int                  `json:"experiments"`
	Failed                int                  `json:"failed"`
	Top1Accuracy          float64              `json:"top1_accuracy"`
	TopKAccuracy          float64              `json:"topk_accuracy"`
	MRR                   float64              `json:"mrr"`
	PerNoiseLevelAccuracy []NoiseLevelAccuracy `json:"per_noise_level_accuracy"`
}

// Summarize averages the metrics of successful results. failed counts the
// experiments that produced no result.
func Summarize(results []*EvaluationResult, failed int) SuiteSummary {
	sum := SuiteSummary{Experiments: len(results) + failed, Failed: failed}
	if len(results) == 0 {
		return sum
	}

	type acc struct {
		total  float64
		count  int
		trials int
	}
	noise := make(map[float64]*acc)
	for _, r := range results {
		sum.Top1Accuracy += r.Top1Accuracy
		sum.TopKAccuracy += r.TopKAccuracy
		sum.MRR += r.MRR
		for _, n := range r.PerNoiseLevelAccuracy {
			a, ok := noise[n.DropFraction]
			if !ok {
				a = &acc{}
				noise[n.DropFraction] = a
			}
			a.total += n.Top1Accuracy
			a.count++
			a.trials += n.Trials
		}
	}
	n := float64(len(results))
	sum.Top1Accuracy /= n
	sum.TopKAccuracy /= n
	sum.MRR /= n

	levels := make([]float64, 0, len(noise))
	for level := range noise {
		levels = append(levels, level)
	}
	sort.Float64s(levels)
	for _, level := range levels {
		a := noise[level]
		sum.PerNoiseLevelAccuracy = append(sum.PerNoiseLevelAccuracy, NoiseLevelAccuracy{
			DropFraction: level,
			Top1Accuracy: a.total / float64(a.count),
			Trials:       a.trials,
		})
	}
	return sum
}
