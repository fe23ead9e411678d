package plan

import (
	"fmt"
)

// Admission checks decoded steps against the tool manifest and assigns the
// authoritative step ids. Proposed ids only matter for resolving input_from
// references between steps of the same batch.
type Admission struct {
	// Allowed reports manifest membership.
	Allowed func(tool string) bool
	// NextID is the first id to hand out.
	NextID int
	// History is the audit trail so far; input_from may point at any of its steps.
	History []PastStep
}

// Admit validates steps and returns them with fresh ids, plus the next unused id.
func (a Admission) Admit(steps []Step) ([]Step, int, error) {
	next := a.NextID
	if next < 1 {
		next = 1
	}

	past := make(map[int]bool, len(a.History))
	for _, p := range a.History {
		past[p.Step.ID] = true
	}

	explicit := make(map[int]bool, len(steps))
	for _, s := range steps {
		if s.ID != 0 {
			explicit[s.ID] = true
		}
	}

	proposed := make(map[int]int, len(steps))
	out := make([]Step, 0, len(steps))
	for i, s := range steps {
		if a.Allowed == nil || !a.Allowed(s.Tool) {
			return nil, a.NextID, fmt.Errorf("%w: %q", ErrToolNotAllowed, s.Tool)
		}

		pid := s.ID
		if pid == 0 {
			// Positional id, or an unreferenceable one when that position is
			// claimed in the batch or names a step of the audit trail.
			pid = i + 1
			if _, taken := proposed[pid]; taken || explicit[pid] || past[pid] {
				pid = -(i + 1)
			}
		}
		if _, dup := proposed[pid]; dup {
			return nil, a.NextID, fmt.Errorf("%w: %d", ErrDuplicateStepID, pid)
		}

		if s.InputFrom != "" {
			ref, err := ParseRef(s.InputFrom)
			if err != nil {
				return nil, a.NextID, err
			}
			switch assigned, inBatch := proposed[ref]; {
			case inBatch:
				s.InputFrom = Ref(assigned)
			case past[ref]:
			default:
				return nil, a.NextID, fmt.Errorf("%w: step %d refers to %s", ErrBadReference, pid, s.InputFrom)
			}
		}

		s.ID = next
		proposed[pid] = next
		next++
		out = append(out, s)
	}
	return out, next, nil
}

// CheckReplanRisk rejects high-risk tools that the audit trail has not seen.
func CheckReplanRisk(steps []Step, history []PastStep, isHighRisk func(tool string) bool) error {
	seen := make(map[string]bool, len(history))
	for _, p := range history {
		seen[p.Step.Tool] = true
	}
	for _, s := range steps {
		if isHighRisk(s.Tool) && !seen[s.Tool] {
			return fmt.Errorf("%w: %q", ErrHighRiskTool, s.Tool)
		}
	}
	return nil
}

// ApplyPatches edits the working list (the failed step followed by the
// remaining plan) and returns the steps to execute next. The failed step is
// dropped unless a patch references it, since it already has an audit record.
// Inserted and replacement steps keep the ids the model proposed so that
// Admit can resolve references between them.
func ApplyPatches(failed *Step, remaining []Step, patches []Patch) ([]Step, error) {
	type entry struct {
		step    Step
		patched bool
	}

	work := make([]entry, 0, len(remaining)+1)
	if failed != nil {
		work = append(work, entry{step: *failed})
	}
	for _, s := range remaining {
		work = append(work, entry{step: s, patched: true})
	}

	indexOf := func(id int) int {
		for i, e := range work {
			if e.step.ID == id {
				return i
			}
		}
		return -1
	}

	for i, p := range patches {
		switch p.Action {
		case PatchReplace:
			idx := indexOf(p.StepID)
			if idx < 0 {
				return nil, fmt.Errorf("%w: patch %d targets unknown step %d", ErrBadReference, i+1, p.StepID)
			}
			s := *p.NewStep
			// A replacement takes over the target's id unless it names a free one.
			if other := indexOf(s.ID); s.ID == 0 || (other >= 0 && other != idx) {
				s.ID = p.StepID
			}
			work[idx] = entry{step: s, patched: true}
		case PatchInsert:
			e := entry{step: *p.NewStep, patched: true}
			if indexOf(e.step.ID) >= 0 {
				e.step.ID = 0
			}
			if p.StepID == 0 {
				work = append(work, e)
				continue
			}
			idx := indexOf(p.StepID)
			if idx < 0 {
				return nil, fmt.Errorf("%w: patch %d targets unknown step %d", ErrBadReference, i+1, p.StepID)
			}
			work = append(work[:idx], append([]entry{e}, work[idx:]...)...)
		case PatchRemove:
			idx := indexOf(p.StepID)
			if idx < 0 {
				return nil, fmt.Errorf("%w: patch %d targets unknown step %d", ErrBadReference, i+1, p.StepID)
			}
			work = append(work[:idx], work[idx+1:]...)
		default:
			return nil, fmt.Errorf("%w: unknown patch action %q", ErrInvalid, p.Action)
		}
	}

	out := make([]Step, 0, len(work))
	for _, e := range work {
		if e.patched {
			out = append(out, e.step)
		}
	}
	return out, nil
}
