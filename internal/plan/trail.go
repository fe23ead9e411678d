package plan

import "sync"

// Trail is the append-only audit trail of one turn.
type Trail struct {
	mu    sync.RWMutex
	steps []PastStep
}

// Append records an executed step.
func (t *Trail) Append(p PastStep) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, p)
}

// Len returns the number of recorded steps.
func (t *Trail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.steps)
}

// Last returns the most recent record.
func (t *Trail) Last() (PastStep, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.steps) == 0 {
		return PastStep{}, false
	}
	return t.steps[len(t.steps)-1], true
}

// Snapshot returns a copy of the records in execution order.
func (t *Trail) Snapshot() []PastStep {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PastStep, len(t.steps))
	copy(out, t.steps)
	return out
}

// OutputOf returns the output of the most recent successful execution of the step id.
func (t *Trail) OutputOf(id int) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := len(t.steps) - 1; i >= 0; i-- {
		p := t.steps[i]
		if p.Step.ID == id && p.Status == StatusSuccess {
			return p.Output, true
		}
	}
	return "", false
}
