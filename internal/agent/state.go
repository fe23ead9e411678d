package agent

import (
	"github.com/ashureev/pte-agent/internal/plan"
)

// State is the per-turn state owned by the graph controller. It is never
// shared between turns or goroutines.
type State struct {
	Input TurnInput

	Intent         string
	RewrittenQuery string
	NeedsTool      bool

	// Plan holds the steps still waiting to run.
	Plan []plan.Step
	// Trail is the append-only audit trail.
	Trail plan.Trail

	ReplanCount int
	// NextStepID is the next id the controller will assign.
	NextStepID int

	Err    *HaltError
	Result string
	Status Status
}

// NewState prepares the state for a new turn.
func NewState(in TurnInput) *State {
	return &State{
		Input:      in,
		NextStepID: 1,
		Status:     StatusRunning,
	}
}

// Query returns the rewritten query, falling back to the raw message.
func (s *State) Query() string {
	if s.RewrittenQuery != "" {
		return s.RewrittenQuery
	}
	return s.Input.Message
}

// LastStepFailed reports whether the most recent executed step failed.
func (s *State) LastStepFailed() bool {
	last, ok := s.Trail.Last()
	return ok && last.Status == plan.StatusFailure
}

// halt records the terminal error unless one is already set.
func (s *State) halt(err *HaltError) {
	if s.Err == nil {
		s.Err = err
	}
}
