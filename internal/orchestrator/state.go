package orchestrator

import (
	"fmt"
	"log/slog"
	"time"

	"rootscope/internal/metrics"
	"rootscope/internal/models"
)

// State is a step of the analysis pipeline.
type State string

const (
	StateIdle              State = "Idle"
	StateRetrieving        State = "Retrieving"
	StateGraphBuilding     State = "GraphBuilding"
	StateRanking           State = "Ranking"
	StatePromptAssembly    State = "PromptAssembly"
	StateAwaitingReasoning State = "AwaitingReasoning"
	StateParsing           State = "Parsing"
	StateDone              State = "Done"
	StateFailed            State = "Failed"
)

// next lists the legal successors of each state. Parsing may loop back to
// AwaitingReasoning once for the corrective retry.
var next = map[State][]State{
	StateIdle:              {StateRetrieving},
	StateRetrieving:        {StateGraphBuilding},
	StateGraphBuilding:     {StateRanking},
	StateRanking:           {StatePromptAssembly, StateDone},
	StatePromptAssembly:    {StateAwaitingReasoning},
	StateAwaitingReasoning: {StateParsing},
	StateParsing:           {StateAwaitingReasoning, StateDone},
}

// Failure is returned when a pipeline ends in Failed. It carries whatever
// evidence was gathered before the failure.
type Failure struct {
	Kind models.ErrorKind `json:"kind"`
	// LastState is the last state that completed before the failure.
	LastState   State                 `json:"last_state"`
	FailedIn    State                 `json:"failed_in"`
	Ranking     []models.SuspectScore `json:"ranking,omitempty"`
	Edges       []string              `json:"edges,omitempty"`
	RawResponse string                `json:"raw_response,omitempty"`
	States      []State               `json:"states"`
	Err         error                 `json:"-"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("analysis failed in %s: %v", f.FailedIn, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// session is the per-request state machine. It is not shared between
// goroutines.
type session struct {
	id        string
	mode      string
	current   State
	completed State
	history   []State
	entered   time.Time
	logger    *slog.Logger
}

func newSession(id, mode string, logger *slog.Logger) *session {
	return &session{
		id:        id,
		mode:      mode,
		current:   StateIdle,
		completed: StateIdle,
		history:   []State{StateIdle},
		entered:   time.Now(),
		logger:    logger.With("analysis_id", id, "mode", mode),
	}
}

// enter moves to state, marking the current one completed. Illegal
// transitions are programming errors.
func (s *session) enter(state State) {
	legal := false
	for _, n := range next[s.current] {
		if n == state {
			legal = true
			break
		}
	}
	if !legal {
		panic(fmt.Sprintf("orchestrator: illegal transition %s -> %s", s.current, state))
	}
	metrics.ObserveSince(string(s.current), s.entered)
	s.completed = s.current
	s.current = state
	s.history = append(s.history, state)
	s.entered = time.Now()
	s.logger.Debug("Analysis state changed", "from", s.completed, "to", state)
}

// done finishes the session successfully.
func (s *session) done() {
	s.enter(StateDone)
	metrics.AnalysesTotal.WithLabelValues(s.mode, "ok").Inc()
}

// fail ends the session. err should carry a models.ErrorKind; errors
// without one are reported as Internal.
func (s *session) fail(err error, ev *partial) *Failure {
	failedIn := s.current
	metrics.ObserveSince(string(failedIn), s.entered)
	s.history = append(s.history, StateFailed)
	s.current = StateFailed

	f := &Failure{
		Kind:      models.KindOf(err),
		LastState: s.completed,
		FailedIn:  failedIn,
		States:    append([]State(nil), s.history...),
		Err:       err,
	}
	if ev != nil {
		f.Ranking = ev.ranking
		f.Edges = ev.edges
		f.RawResponse = ev.raw
	}
	metrics.AnalysesTotal.WithLabelValues(s.mode, string(f.Kind)).Inc()
	s.logger.Warn("Analysis failed", "state", failedIn, "kind", f.Kind, "error", err)
	return f
}

// partial is the evidence gathered so far, attached to failures.
type partial struct {
	ranking []models.SuspectScore
	edges   []string
	raw     string
}
