package harness

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rootscope/internal/chaos"
	"rootscope/internal/models"
	"rootscope/internal/orchestrator"
	"rootscope/internal/telemetry"
)

type recordingArchive struct {
	mu          sync.Mutex
	incidents   []*models.Incident
	evaluations []*models.EvaluationResult
}

func (a *recordingArchive) SaveIncident(_ context.Context, inc *models.Incident) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.incidents = append(a.incidents, inc)
	return nil
}

func (a *recordingArchive) SaveEvaluation(_ context.Context, r *models.EvaluationResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.evaluations = append(a.evaluations, r)
	return nil
}

// silentInjector accepts every fault and produces no telemetry.
type silentInjector struct {
	injected, cleared int
}

func (s *silentInjector) InjectFault(_ context.Context, spec models.FaultSpec) (chaos.Handle, error) {
	s.injected++
	now := time.Now().UTC()
	return chaos.Handle{ID: "quiet", Spec: spec, Window: models.TimeRange{Start: now, End: now.Add(spec.Duration.Std())}}, nil
}

func (s *silentInjector) ClearFault(context.Context, chaos.Handle) error {
	s.cleared++
	return nil
}

func fault(target string, typ models.FaultType, magnitude float64) models.FaultSpec {
	return models.FaultSpec{TargetService: target, Type: typ, Magnitude: magnitude, Duration: models.Duration(30 * time.Second)}
}

func simulated(t *testing.T, opts Options) (*Harness, *recordingArchive) {
	t.Helper()
	store := telemetry.NewMemoryStore(0)
	sim := chaos.NewSimulator(store, nil, 5, 1, nil)
	index := telemetry.NewIndex(store.Store(), telemetry.Options{}, nil)
	t.Cleanup(index.Close)
	pipeline := orchestrator.New(index, orchestrator.Config{}, nil)
	archive := &recordingArchive{}
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.ObserveTimeout == 0 {
		opts.ObserveTimeout = time.Second
	}
	return New(sim, store, pipeline, archive, opts, nil), archive
}

func TestRunExperimentLocalizesErrorFault(t *testing.T) {
	h, archive := simulated(t, Options{K: 3})

	res, err := h.RunExperiment(context.Background(), fault("payment-service", models.FaultError, 1))
	require.NoError(t, err)

	assert.Equal(t, "payment-service", res.GroundTruth)
	assert.Equal(t, "payment-service", res.Ranking[0].Service)
	assert.Equal(t, 1.0, res.Top1Accuracy)
	assert.Equal(t, 1.0, res.TopKAccuracy)
	assert.Equal(t, 1.0, res.MRR)
	assert.Equal(t, 3, res.K)
	assert.NotEmpty(t, res.TraceID)
	assert.Empty(t, res.PerNoiseLevelAccuracy)

	require.Len(t, archive.incidents, 1)
	require.Len(t, archive.evaluations, 1)
	inc := archive.incidents[0]
	assert.Equal(t, res.IncidentID, inc.ID)
	assert.Equal(t, res.TraceID, inc.TraceID)
	assert.NotEmpty(t, inc.GroundTruthSpan)
}

func TestRunExperimentRejectsInvalidSpec(t *testing.T) {
	inj := &silentInjector{}
	h := New(inj, telemetry.NewMemoryStore(0), nil, nil, Options{MaxFaultDuration: time.Minute}, nil)

	_, err := h.RunExperiment(context.Background(), fault("payment-service", models.FaultError, 3))
	assert.ErrorIs(t, err, models.ErrInvalidFaultSpec)

	long := fault("payment-service", models.FaultLatency, 100)
	long.Duration = models.Duration(time.Hour)
	_, err = h.RunExperiment(context.Background(), long)
	assert.ErrorIs(t, err, models.ErrInvalidFaultSpec)
	assert.Zero(t, inj.injected)
}

func TestRunExperimentNotObserved(t *testing.T) {
	inj := &silentInjector{}
	archive := &recordingArchive{}
	h := New(inj, telemetry.NewMemoryStore(0), nil, archive, Options{
		ObserveTimeout: 50 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	}, nil)

	_, err := h.RunExperiment(context.Background(), fault("payment-service", models.FaultLatency, 200))
	assert.ErrorIs(t, err, models.ErrIncidentNotObserved)
	assert.Equal(t, 1, inj.injected)
	assert.Equal(t, 1, inj.cleared)
	require.Len(t, archive.incidents, 1)
	assert.Empty(t, archive.incidents[0].TraceID)
	assert.Empty(t, archive.evaluations)
}

func TestRunExperimentRobustness(t *testing.T) {
	h, _ := simulated(t, Options{NoiseLevels: []float64{0, 0.5}, Trials: 4, Seed: 3})

	res, err := h.RunExperiment(context.Background(), fault("cart-service", models.FaultError, 1))
	require.NoError(t, err)
	require.Len(t, res.PerNoiseLevelAccuracy, 2)

	clean := res.PerNoiseLevelAccuracy[0]
	assert.Equal(t, 0.0, clean.DropFraction)
	assert.Equal(t, 4, clean.Trials)
	assert.Equal(t, res.Top1Accuracy, clean.Top1Accuracy)

	noisy := res.PerNoiseLevelAccuracy[1]
	assert.Equal(t, 0.5, noisy.DropFraction)
	assert.GreaterOrEqual(t, noisy.Top1Accuracy, 0.0)
	assert.LessOrEqual(t, noisy.Top1Accuracy, 1.0)
}

func TestRunExperimentRobustnessDegradesWithNoise(t *testing.T) {
	h, _ := simulated(t, Options{NoiseLevels: []float64{0, 0.25, 0.5}, Trials: 400, Seed: 11})

	res, err := h.RunExperiment(context.Background(), fault("checkout-service", models.FaultError, 1))
	require.NoError(t, err)
	require.Len(t, res.PerNoiseLevelAccuracy, 3)

	levels := res.PerNoiseLevelAccuracy
	assert.Equal(t, res.Top1Accuracy, levels[0].Top1Accuracy)
	for i := 1; i < len(levels); i++ {
		assert.Equal(t, 400, levels[i].Trials)
		assert.LessOrEqual(t, levels[i].Top1Accuracy, levels[i-1].Top1Accuracy+0.05,
			"drop %.2f scored above drop %.2f", levels[i].DropFraction, levels[i-1].DropFraction)
	}
}

func TestRunSuite(t *testing.T) {
	for _, concurrent := range []bool{false, true} {
		h, archive := simulated(t, Options{Concurrent: concurrent})
		specs := []models.FaultSpec{
			fault("payment-service", models.FaultError, 1),
			fault("email-service", models.FaultError, 1),
			fault("payment-service", models.FaultLatency, 300),
			fault("mainframe", models.FaultError, 1),
		}

		report, err := h.RunSuite(context.Background(), specs)
		require.NoError(t, err)
		assert.Len(t, report.Results, 3)
		require.Len(t, report.Failures, 1)
		assert.Equal(t, models.KindInvalidFaultSpec, report.Failures[0].Kind)
		assert.Equal(t, "mainframe", report.Failures[0].Spec.TargetService)
		assert.Equal(t, 4, report.Summary.Experiments)
		assert.Equal(t, 1, report.Summary.Failed)
		for _, r := range report.Results {
			assert.Equal(t, 1.0, r.Top1Accuracy, "concurrent=%v target=%s top=%s", concurrent, r.GroundTruth, r.Ranking[0].Service)
		}
		assert.Equal(t, 1.0, report.Summary.Top1Accuracy)
		assert.Equal(t, 1.0, report.Summary.MRR)
		assert.Len(t, archive.evaluations, 3)
	}
}

func TestRunSuiteConcurrentSharedPath(t *testing.T) {
	h, _ := simulated(t, Options{Concurrent: true})
	specs := []models.FaultSpec{
		fault("checkout-service", models.FaultError, 1),
		fault("payment-service", models.FaultError, 1),
		fault("redis", models.FaultError, 1),
	}
	// checkout-service calls both other targets; payment-service and redis
	// never meet on a request.
	assert.Equal(t, [][]int{{0}, {1, 2}}, Batches(specs, h.conflicts()))

	report, err := h.RunSuite(context.Background(), specs)
	require.NoError(t, err)
	require.Len(t, report.Results, 3)
	assert.Empty(t, report.Failures)
	for i, r := range report.Results {
		assert.Equal(t, specs[i].TargetService, r.GroundTruth)
		assert.Equal(t, r.GroundTruth, r.Ranking[0].Service)
		assert.Equal(t, 1.0, r.Top1Accuracy, "target=%s", r.GroundTruth)
	}
	assert.Equal(t, 1.0, report.Summary.Top1Accuracy)
}

type fixedFinder struct {
	ids   []string
	limit int
}

func (f *fixedFinder) FindTraces(_ context.Context, _ string, _ models.TimeRange, limit int) ([]string, error) {
	f.limit = limit
	if limit > 0 && len(f.ids) > limit {
		return f.ids[:limit], nil
	}
	return f.ids, nil
}

func TestObservePicksOwnTrace(t *testing.T) {
	finder := &fixedFinder{ids: []string{"foreign-error", "own-2", "own-1"}}
	h := New(&silentInjector{}, finder, nil, nil, Options{
		ObserveTimeout: 50 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	}, nil)

	handle := chaos.Handle{Spec: fault("payment-service", models.FaultError, 1), TraceIDs: []string{"own-1", "own-2"}}
	id, err := h.observe(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, "own-1", id)
	assert.Equal(t, observeScanLimit, finder.limit)

	id, err = h.observe(context.Background(), chaos.Handle{Spec: handle.Spec})
	require.NoError(t, err)
	assert.Equal(t, "foreign-error", id)
	assert.Equal(t, 1, finder.limit)

	_, err = h.observe(context.Background(), chaos.Handle{Spec: handle.Spec, TraceIDs: []string{"gone"}})
	assert.ErrorIs(t, err, models.ErrIncidentNotObserved)
}

func TestBatches(t *testing.T) {
	specs := []models.FaultSpec{
		fault("a", models.FaultError, 1),
		fault("b", models.FaultError, 1),
		fault("A", models.FaultLatency, 10),
		fault("c", models.FaultError, 1),
		fault("a", models.FaultError, 1),
	}
	batches := Batches(specs, nil)
	assert.Equal(t, [][]int{{0, 1, 3}, {2}, {4}}, batches)
	for _, b := range batches {
		assert.NoError(t, CheckDisjoint(specs, b, nil))
	}
	assert.ErrorIs(t, CheckDisjoint(specs, []int{0, 2}, nil), models.ErrInvalidRequest)
}

func TestBatchesSharedCallPath(t *testing.T) {
	topo := chaos.DefaultTopology()
	specs := []models.FaultSpec{
		fault("checkout-service", models.FaultError, 1),
		fault("payment-service", models.FaultError, 1),
		fault("email-service", models.FaultLatency, 200),
		fault("cart-service", models.FaultError, 1),
		fault("redis", models.FaultError, 1),
	}
	batches := Batches(specs, topo.Related)
	assert.Equal(t, [][]int{{0}, {1, 2, 3}, {4}}, batches)
	for _, b := range batches {
		assert.NoError(t, CheckDisjoint(specs, b, topo.Related))
	}

	err := CheckDisjoint(specs, []int{0, 1}, topo.Related)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
	assert.Contains(t, err.Error(), "share a call path")
	assert.NoError(t, CheckDisjoint(specs, []int{0, 1}, nil))
}

func TestScore(t *testing.T) {
	ranking := []models.SuspectScore{{Service: "a"}, {Service: "b"}, {Service: "c"}, {Service: "d"}}
	tests := []struct {
		target          string
		top1, topk, mrr float64
	}{
		{"a", 1, 1, 1},
		{"b", 0, 1, 0.5},
		{"d", 0, 0, 0.25},
		{"z", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			top1, topk, mrr := Score(ranking, tt.target, 3)
			assert.Equal(t, tt.top1, top1)
			assert.Equal(t, tt.topk, topk)
			assert.InDelta(t, tt.mrr, mrr, 1e-9)
		})
	}
}

func TestDegrade(t *testing.T) {
	tel := &models.Telemetry{TraceID: "t"}
	for i := 0; i < 1000; i++ {
		tel.Spans = append(tel.Spans, models.Span{SpanID: string(rune('a' + i%26))})
	}

	same := Degrade(tel, 0, rand.New(rand.NewSource(1)))
	assert.Len(t, same.Spans, 1000)

	half := Degrade(tel, 0.5, rand.New(rand.NewSource(1)))
	assert.InDelta(t, 500, len(half.Spans), 80)
	assert.Len(t, tel.Spans, 1000, "input must not be modified")

	again := Degrade(tel, 0.5, rand.New(rand.NewSource(1)))
	assert.Equal(t, half.Spans, again.Spans)
}

func TestLoadSuite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "suite.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: smoke
experiments:
  - target_service: payment-service
    fault_type: latency
    magnitude: 500
    duration: 30s
  - target_service: cart-service
    fault_type: error
    magnitude: 0.5
    duration: 1m
`), 0o644))

	s, err := LoadSuite(path)
	require.NoError(t, err)
	assert.Equal(t, "smoke", s.Name)
	require.Len(t, s.Experiments, 2)
	assert.Equal(t, models.FaultLatency, s.Experiments[0].Type)
	assert.Equal(t, time.Minute, s.Experiments[1].Duration.Std())

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("name: none\n"), 0o644))
	_, err = LoadSuite(empty)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}
