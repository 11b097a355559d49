package chaos

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"rootscope/internal/models"
)

// Sink receives simulated telemetry. telemetry.MemoryStore implements it.
type Sink interface {
	AddSpans(spans ...models.Span)
	AddLogs(logs ...models.LogRecord)
	AddMetrics(points ...models.MetricPoint)
}

// Topology maps each caller to the services it calls.
type Topology map[string][]string

// DefaultTopology is a small online-boutique style call graph.
func DefaultTopology() Topology {
	return Topology{
		"frontend":         {"product-catalog", "cart-service", "checkout-service"},
		"checkout-service": {"cart-service", "payment-service", "shipping-service", "email-service"},
		"cart-service":     {"redis"},
		"shipping-service": {"quote-service"},
	}
}

// Services lists every service in the topology, sorted.
func (t Topology) Services() []string {
	seen := map[string]struct{}{}
	for caller, callees := range t {
		seen[caller] = struct{}{}
		for _, c := range callees {
			seen[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Roots lists services nobody calls.
func (t Topology) Roots() []string {
	called := map[string]struct{}{}
	for _, callees := range t {
		for _, c := range callees {
			called[c] = struct{}{}
		}
	}
	var roots []string
	for _, s := range t.Services() {
		if _, ok := called[s]; !ok {
			roots = append(roots, s)
		}
	}
	return roots
}

// Related reports whether a and b share a call path: they are the same
// service or one calls the other, directly or transitively.
func (t Topology) Related(a, b string) bool {
	if strings.EqualFold(a, b) {
		return true
	}
	return t.reaches(a, b) || t.reaches(b, a)
}

func (t Topology) reaches(from, to string) bool {
	seen := map[string]bool{}
	queue := []string{from}
	for len(queue) > 0 {
		svc := queue[0]
		queue = queue[1:]
		for _, c := range t[svc] {
			if strings.EqualFold(c, to) {
				return true
			}
			if !seen[c] {
				seen[c] = true
				queue = append(queue, c)
			}
		}
	}
	return false
}

// pathTo returns the first call path from a root to target, or nil.
func (t Topology) pathTo(target string) []string {
	var walk func(svc string, path []string) []string
	walk = func(svc string, path []string) []string {
		for _, p := range path {
			if p == svc {
				return nil
			}
		}
		path = append(path, svc)
		if svc == target {
			return path
		}
		for _, c := range t[svc] {
			if found := walk(c, append([]string(nil), path...)); found != nil {
				return found
			}
		}
		return nil
	}
	for _, r := range t.Roots() {
		if p := walk(r, nil); p != nil {
			return p
		}
	}
	return nil
}

const (
	simSelfTime       = 5 * time.Millisecond
	simMetricInterval = 30 * time.Second
	simBaseline       = 15 * time.Minute
	simBaseLatencyMs  = 20.0
	simBaseErrorRate  = 0.01
	simBaseCPU        = 0.3
)

// Simulator is an in-process Injector. Each injected fault immediately
// emits request traces through the target, logs and metric history into a
// Sink, shaped by every fault active at that moment.
type Simulator struct {
	sink     Sink
	topology Topology
	traces   int
	logger   *slog.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	active map[string]Handle
	clock  time.Time
	now    func() time.Time
}

// NewSimulator creates a simulator. tracesPerFault <= 0 uses 10.
func NewSimulator(sink Sink, topology Topology, tracesPerFault int, seed int64, logger *slog.Logger) *Simulator {
	if topology == nil {
		topology = DefaultTopology()
	}
	if tracesPerFault <= 0 {
		tracesPerFault = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		sink:     sink,
		topology: topology,
		traces:   tracesPerFault,
		logger:   logger,
		rng:      rand.New(rand.NewSource(seed)),
		active:   make(map[string]Handle),
		now:      time.Now,
	}
}

// Topology returns the simulated call graph.
func (s *Simulator) Topology() Topology {
	return s.topology
}

// InjectFault activates spec and emits the telemetry of the affected requests.
func (s *Simulator) InjectFault(ctx context.Context, spec models.FaultSpec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	path := s.topology.pathTo(spec.TargetService)
	if path == nil {
		return Handle{}, models.NewError(models.KindInvalidFaultSpec, "service %q is not part of the simulated topology", spec.TargetService)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Keep experiments strictly ordered in time so one never sees another's traces.
	start := s.now().UTC()
	if !start.After(s.clock) {
		start = s.clock.Add(time.Millisecond)
	}
	h := Handle{
		ID:     uuid.New().String(),
		Spec:   spec,
		Window: models.TimeRange{Start: start, End: start.Add(spec.Duration.Std())},
	}
	s.active[h.ID] = h

	s.emitBaseline(start)
	at := start
	for i := 0; i < s.traces; i++ {
		s.emitIncidentSample(at)
		// The first request always manifests this fault so that every
		// injection is observable. Other active faults stay probabilistic.
		owner := ""
		if i == 0 {
			owner = h.ID
		}
		traceID, end := s.emitTrace(path, at, owner)
		h.TraceIDs = append(h.TraceIDs, traceID)
		at = end.Add(time.Millisecond)
	}
	s.active[h.ID] = h
	s.clock = at

	s.logger.Info("Simulated fault injected", "fault_id", h.ID, "service", spec.TargetService, "type", spec.Type)
	return h, nil
}

// ClearFault deactivates a fault.
func (s *Simulator) ClearFault(_ context.Context, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, h.ID)
	return nil
}

// Active returns the number of active faults.
func (s *Simulator) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// faultsFor returns the active faults targeting service.
func (s *Simulator) faultsFor(service string) []Handle {
	var out []Handle
	for _, h := range s.active {
		if h.Spec.TargetService == service {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Spec.Type != out[j].Spec.Type {
			return out[i].Spec.Type < out[j].Spec.Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Simulator) id(n int) string {
	b := make([]byte, n)
	s.rng.Read(b)
	return hex.EncodeToString(b)
}

// emitTrace builds one request along path, with the last service's callees
// included, and returns its trace id and end time. Faults owned by the
// handle id owner always manifest.
func (s *Simulator) emitTrace(path []string, start time.Time, owner string) (string, time.Time) {
	traceID := s.id(16)
	var spans []models.Span
	var logs []models.LogRecord

	var call func(i int, service, parentID string, at time.Time, chain []string) (time.Time, bool)
	call = func(i int, service, parentID string, at time.Time, chain []string) (time.Time, bool) {
		span := models.Span{
			TraceID:       traceID,
			SpanID:        s.id(8),
			ParentID:      parentID,
			ServiceName:   service,
			OperationName: "handle " + service,
			StartTime:     at,
			Status:        models.StatusOK,
		}
		chain = append(chain, service)

		self := simSelfTime
		failed := false
		var message string
		for _, h := range s.faultsFor(service) {
			f, force := h.Spec, owner != "" && h.ID == owner
			switch f.Type {
			case models.FaultLatency:
				self += time.Duration(f.Magnitude * float64(time.Millisecond))
				logs = append(logs, s.log(traceID, span.SpanID, service, at, "WARN",
					fmt.Sprintf("slow response from %s handler", service)))
			case models.FaultError:
				if force || s.rng.Float64() < f.Magnitude {
					failed = true
					message = "internal error in " + service
				}
			case models.FaultResourceExhaustion:
				self += time.Duration(50*(1+f.Magnitude)) * time.Millisecond
				if force || s.rng.Float64() < 0.5 {
					failed = true
					message = "resource exhausted: memory limit reached"
				}
			}
		}

		// Callees: the next hop on the path, or every callee past the target.
		var next []string
		switch {
		case i+1 < len(path):
			next = []string{path[i+1]}
		case i+1 >= len(path):
			next = s.topology[service]
		}
		cursor := at.Add(simSelfTime / 2)
		childFailed := false
		for _, callee := range next {
			if containsString(chain, callee) {
				continue
			}
			end, ok := call(i+1, callee, span.SpanID, cursor, chain)
			cursor = end
			if !ok {
				childFailed = true
				message = "failed calling " + callee
			}
		}

		span.EndTime = cursor.Add(self)
		if failed || childFailed {
			span.Status = models.StatusError
			span.Attributes = map[string]any{models.StatusDescriptionAttr: message}
			logs = append(logs, s.log(traceID, span.SpanID, service, span.EndTime, "ERROR", message))
		} else {
			logs = append(logs, s.log(traceID, span.SpanID, service, span.EndTime, "INFO", "request handled"))
		}
		spans = append(spans, span)
		return span.EndTime, !(failed || childFailed)
	}

	end, _ := call(0, path[0], "", start, nil)
	s.sink.AddSpans(spans...)
	s.sink.AddLogs(logs...)
	return traceID, end
}

func (s *Simulator) log(traceID, spanID, service string, ts time.Time, severity, msg string) models.LogRecord {
	return models.LogRecord{
		TraceID:     traceID,
		SpanID:      spanID,
		ServiceName: service,
		Timestamp:   ts,
		Severity:    severity,
		Message:     msg,
	}
}

// emitBaseline writes a healthy metric history for every service, ending a
// minute before start.
func (s *Simulator) emitBaseline(start time.Time) {
	var points []models.MetricPoint
	for _, svc := range s.topology.Services() {
		for ts := start.Add(-simBaseline); ts.Before(start.Add(-time.Minute)); ts = ts.Add(simMetricInterval) {
			points = append(points, s.sample(svc, ts, nil)...)
		}
	}
	s.sink.AddMetrics(points...)
}

// emitIncidentSample writes one sample per service at ts, shaped by the
// active faults.
func (s *Simulator) emitIncidentSample(ts time.Time) {
	var points []models.MetricPoint
	for _, svc := range s.topology.Services() {
		points = append(points, s.sample(svc, ts, s.faultsFor(svc))...)
	}
	s.sink.AddMetrics(points...)
}

func (s *Simulator) sample(service string, ts time.Time, faults []Handle) []models.MetricPoint {
	latency := simBaseLatencyMs * (1 + 0.05*s.rng.NormFloat64())
	errorRate := simBaseErrorRate * (1 + 0.1*s.rng.NormFloat64())
	cpu := simBaseCPU * (1 + 0.05*s.rng.NormFloat64())
	for _, h := range faults {
		f := h.Spec
		switch f.Type {
		case models.FaultLatency:
			latency += f.Magnitude
		case models.FaultError:
			errorRate = f.Magnitude
		case models.FaultResourceExhaustion:
			cpu = 0.95
			latency *= 1 + f.Magnitude
		}
	}
	return []models.MetricPoint{
		{ServiceName: service, MetricName: "latency_p95_ms", Timestamp: ts, Value: latency},
		{ServiceName: service, MetricName: "error_rate", Timestamp: ts, Value: errorRate},
		{ServiceName: service, MetricName: "cpu_utilization", Timestamp: ts, Value: cpu},
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
