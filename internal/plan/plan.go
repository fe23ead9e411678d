// Package plan defines execution plans, their steps, and the audit trail of executed steps.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the outcome of one executed step.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Intent tags produced by the intent classifier.
const (
	IntentNewQuestion   = "new_question"
	IntentFollowUp      = "follow_up"
	IntentClarification = "clarification"
	IntentChitchat      = "chitchat"
)

var (
	// ErrToolNotAllowed is returned when a step names a tool outside the manifest.
	ErrToolNotAllowed = errors.New("tool not allowed")
	// ErrBadReference is returned when input_from does not point at an earlier step.
	ErrBadReference = errors.New("invalid step reference")
	// ErrDuplicateStepID is returned when a plan proposes the same step id twice.
	ErrDuplicateStepID = errors.New("duplicate step id")
	// ErrHighRiskTool is returned when a replan introduces a high-risk tool that never ran before.
	ErrHighRiskTool = errors.New("high-risk tool cannot be introduced by replan")
)

// Step is one planned tool invocation.
type Step struct {
	ID        int             `json:"step_id"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input,omitempty"`
	InputFrom string          `json:"input_from,omitempty"`
	Task      string          `json:"task,omitempty"`
}

// Plan is an ordered list of steps committed to before execution.
type Plan struct {
	Steps     []Step `json:"steps"`
	Reasoning string `json:"reasoning,omitempty"`
}

// PastStep is the immutable record of an executed step.
type PastStep struct {
	Step       Step      `json:"step"`
	Status     Status    `json:"status"`
	Output     string    `json:"output"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// Intent is the validated output of the intent classifier.
type Intent struct {
	Intent         string `json:"intent"`
	RewrittenQuery string `json:"rewritten_query"`
	NeedsTool      bool   `json:"needs_tool"`
	Reasoning      string `json:"reasoning,omitempty"`
}

// PatchAction is the kind of change a replan patch applies.
type PatchAction string

const (
	PatchReplace PatchAction = "replace"
	PatchInsert  PatchAction = "insert"
	PatchRemove  PatchAction = "remove"
)

// Patch edits the working plan by step id.
type Patch struct {
	Action  PatchAction `json:"action"`
	StepID  int         `json:"step_id,omitempty"`
	NewStep *Step       `json:"new_step,omitempty"`
	Reason  string      `json:"reason"`
}

// Replan is the validated output of the re-planner. Exactly one of
// Steps or Patches is set.
type Replan struct {
	Steps     []Step  `json:"steps,omitempty"`
	Patches   []Patch `json:"patches,omitempty"`
	Reasoning string  `json:"reasoning,omitempty"`
	Analysis  string  `json:"analysis,omitempty"`
}

// Ref renders a step reference in the "step_N" form.
func Ref(id int) string {
	return "step_" + strconv.Itoa(id)
}

// ParseRef extracts N from a "step_N" reference.
func ParseRef(ref string) (int, error) {
	n, ok := strings.CutPrefix(strings.TrimSpace(ref), "step_")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrBadReference, ref)
	}
	id, err := strconv.Atoi(n)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("%w: %q", ErrBadReference, ref)
	}
	return id, nil
}

// InputText returns the step input as display text. String payloads are
// unquoted, everything else is returned as compact JSON.
func (s Step) InputText() string {
	if len(s.Input) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(s.Input, &str); err == nil {
		return str
	}
	return string(s.Input)
}
