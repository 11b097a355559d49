package harness

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"rootscope/internal/chaos"
	"rootscope/internal/models"
)

// Suite is a named list of experiments, as stored in YAML suite files.
type Suite struct {
	Name        string             `yaml:"name" json:"name"`
	Experiments []models.FaultSpec `yaml:"experiments" json:"experiments"`
}

// LoadSuite reads a YAML suite file.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite: %w", err)
	}
	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse suite %s: %w", path, err)
	}
	if len(s.Experiments) == 0 {
		return nil, models.NewError(models.KindInvalidRequest, "suite %s has no experiments", path)
	}
	return &s, nil
}

// ExperimentFailure records an experiment that produced no result.
type ExperimentFailure struct {
	Spec  models.FaultSpec `json:"spec"`
	Kind  models.ErrorKind `json:"kind"`
	Error string           `json:"error"`
}

// Report is the outcome of a suite run.
type Report struct {
	Results  []*models.EvaluationResult `json:"results"`
	Failures []ExperimentFailure        `json:"failures,omitempty"`
	Summary  models.SuiteSummary        `json:"summary"`
}

// RunSuite runs every experiment and summarizes the scores. Experiments run
// one at a time unless the harness is concurrent, in which case batches of
// experiments with disjoint targets run in parallel. Individual failures are
// reported, not returned; only a cancelled context aborts the suite.
func (h *Harness) RunSuite(ctx context.Context, specs []models.FaultSpec) (*Report, error) {
	results := make([]*models.EvaluationResult, len(specs))
	errs := make([]error, len(specs))

	run := func(i int) {
		results[i], errs[i] = h.RunExperiment(ctx, specs[i])
		if errs[i] != nil {
			h.logger.Warn("Experiment failed", "target", specs[i].TargetService, "fault_type", specs[i].Type, "error", errs[i])
		}
	}

	if !h.opts.Concurrent {
		for i := range specs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			run(i)
		}
	} else {
		conflict := h.conflicts()
		for _, batch := range Batches(specs, conflict) {
			if err := CheckDisjoint(specs, batch, conflict); err != nil {
				return nil, err
			}
			g, gctx := errgroup.WithContext(ctx)
			for _, i := range batch {
				i := i
				g.Go(func() error {
					run(i)
					return gctx.Err()
				})
			}
			if err := g.Wait(); err != nil {
				return nil, err
			}
		}
	}

	report := &Report{}
	for i, r := range results {
		if errs[i] != nil {
			report.Failures = append(report.Failures, ExperimentFailure{
				Spec:  specs[i],
				Kind:  models.KindOf(errs[i]),
				Error: errs[i].Error(),
			})
			continue
		}
		report.Results = append(report.Results, r)
	}
	report.Summary = models.Summarize(report.Results, len(report.Failures))
	return report, nil
}

// Conflict reports whether experiments on targets a and b would see each
// other's faults if run together.
type Conflict func(a, b string) bool

func sameService(a, b string) bool {
	return strings.EqualFold(a, b)
}

// conflicts returns the injector's notion of interfering targets. Without a
// known topology only faults on the same service interfere.
func (h *Harness) conflicts() Conflict {
	if t, ok := h.injector.(interface{ Topology() chaos.Topology }); ok {
		return t.Topology().Related
	}
	return sameService
}

// Batches groups spec indexes so that no two specs in a batch conflict. Specs
// keep their relative order and land in the earliest batch that can take
// them. A nil conflict compares service names.
func Batches(specs []models.FaultSpec, conflict Conflict) [][]int {
	if conflict == nil {
		conflict = sameService
	}
	var batches [][]int
	for i, s := range specs {
		placed := false
		for b := range batches {
			if !conflictsWith(specs, batches[b], s.TargetService, conflict) {
				batches[b] = append(batches[b], i)
				placed = true
				break
			}
		}
		if !placed {
			batches = append(batches, []int{i})
		}
	}
	return batches
}

func conflictsWith(specs []models.FaultSpec, batch []int, target string, conflict Conflict) bool {
	for _, j := range batch {
		if conflict(specs[j].TargetService, target) {
			return true
		}
	}
	return false
}

// CheckDisjoint fails when two experiments of batch conflict.
func CheckDisjoint(specs []models.FaultSpec, batch []int, conflict Conflict) error {
	if conflict == nil {
		conflict = sameService
	}
	for x, i := range batch {
		for _, j := range batch[:x] {
			if conflict(specs[j].TargetService, specs[i].TargetService) {
				return models.NewError(models.KindInvalidRequest,
					"experiments %d (%s) and %d (%s) share a call path and cannot run concurrently",
					j, specs[j].TargetService, i, specs[i].TargetService)
			}
		}
	}
	return nil
}
