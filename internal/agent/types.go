// Package agent implements the plan-then-execute orchestration core: the turn
// state, the graph of nodes that drives it, and the session-level service.
package agent

import (
	"errors"
	"fmt"
	"time"
)

// Node names a state of the turn graph.
type Node string

const (
	NodeClassify Node = "classify"
	NodePlan     Node = "plan"
	NodeExecute  Node = "execute"
	NodeReplan   Node = "replan"
	NodeFinalize Node = "finalize"
	NodeError    Node = "error"
	NodeEnd      Node = "end"
)

// Status is the terminal (or current) status of a turn.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusHalted    Status = "halted"
	StatusCanceled  Status = "canceled"
)

// HaltKind classifies fail-closed conditions.
type HaltKind string

const (
	// HaltParse covers structured output that does not parse or validate.
	HaltParse HaltKind = "parse"
	// HaltPolicy covers disallowed tools and risk violations.
	HaltPolicy HaltKind = "policy"
	// HaltCeiling is the replan limit.
	HaltCeiling HaltKind = "ceiling"
	// HaltUpstream covers LLM timeouts and transport failures.
	HaltUpstream HaltKind = "upstream"
)

// User-facing halt reasons.
const (
	ReasonIntentFailed      = "intent classification failed"
	ReasonPlanInvalid       = "plan validation failed"
	ReasonReplanInvalid     = "replan validation failed"
	ReasonLLMFailed         = "llm call failed"
	ReasonFinalAnswerFailed = "final answer failed"
)

// ErrSessionBusy is returned when a turn cannot acquire its session in time.
var ErrSessionBusy = errors.New("session is busy")

// HaltError is the terminal error of a turn. Reason is the only part shown to the user.
type HaltError struct {
	Kind   HaltKind
	Node   Node
	Reason string
	Err    error
}

func (e *HaltError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s halted (%s): %s", e.Node, e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s halted (%s): %s: %v", e.Node, e.Kind, e.Reason, e.Err)
}

func (e *HaltError) Unwrap() error {
	return e.Err
}

// ToolNotAllowedReason renders the reason for a manifest violation.
func ToolNotAllowedReason(tool string) string {
	return "tool not allowed: " + tool
}

// CeilingReason renders the reason for an exhausted replan budget.
func CeilingReason(ceiling int) string {
	return fmt.Sprintf("replan limit (%d) exceeded", ceiling)
}

// TurnInput is the immutable input of one turn.
type TurnInput struct {
	Message string
	// History is the rendered session memory (summaries then recent turns).
	History string
	// Now is the turn's reference time.
	Now time.Time
	// PrevRewrittenQuery is the previous turn's rewritten query, if any.
	PrevRewrittenQuery string
}

// TurnRequest asks the service to run one turn.
type TurnRequest struct {
	UserID    string `json:"-"`
	SessionID string `json:"-"`
	Message   string `json:"message"`
	// Channel names the transport for the conversation log.
	Channel string `json:"-"`
}

// TurnResult summarizes a finished turn.
type TurnResult struct {
	TurnID         string        `json:"turn_id"`
	Status         Status        `json:"status"`
	Result         string        `json:"result"`
	Intent         string        `json:"intent,omitempty"`
	RewrittenQuery string        `json:"rewritten_query,omitempty"`
	ReplanCount    int           `json:"replan_count"`
	Steps          int           `json:"steps"`
	HaltKind       HaltKind      `json:"halt_kind,omitempty"`
	HaltReason     string        `json:"halt_reason,omitempty"`
	Duration       time.Duration `json:"duration"`
}
