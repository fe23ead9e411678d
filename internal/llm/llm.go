// Package llm defines the language-model capability used by the agent and
// its OpenRouter implementation.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Call roles, used for routing in fakes and as metric labels.
const (
	RoleClassifier = "classifier"
	RolePlanner    = "planner"
	RoleReplanner  = "replanner"
	RoleFinal      = "final"
	RoleSummarizer = "summarizer"
	RoleQuery      = "query_refiner"
)

// Message roles.
const (
	MessageSystem    = "system"
	MessageUser      = "user"
	MessageAssistant = "assistant"
)

// Message is one chat message.
type Message struct {
	Role    string
	Content string
}

// Request is a single completion request.
type Request struct {
	// Role names the caller, e.g. RolePlanner.
	Role        string
	Model       string
	Temperature float32
	System      string
	Messages    []Message
	// JSON asks the provider for a JSON object response when supported.
	JSON bool
}

// Model is the LLM capability. Implementations return *CallError on failure.
type Model interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Func adapts a function to Model.
type Func func(ctx context.Context, req Request) (string, error)

// Complete calls f.
func (f Func) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Kind classifies an LLM failure.
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindMalformed Kind = "malformed_output"
	KindUpstream  Kind = "upstream"
)

// ErrCallFailed matches every *CallError.
var ErrCallFailed = errors.New("llm call failed")

// CallError is a classified LLM failure.
type CallError struct {
	Kind       Kind
	Role       string
	StatusCode int
	Err        error
}

func (e *CallError) Error() string {
	if e.Role != "" {
		return fmt.Sprintf("llm %s call failed (%s): %v", e.Role, e.Kind, e.Err)
	}
	return fmt.Sprintf("llm call failed (%s): %v", e.Kind, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrCallFailed) true for any CallError.
func (e *CallError) Is(target error) bool {
	return target == ErrCallFailed
}

// Classify wraps err as a CallError. Deadline errors become timeouts,
// everything else is an upstream failure. Existing CallErrors pass through.
func Classify(role string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		if ce.Role == "" {
			ce.Role = role
		}
		return ce
	}
	kind := KindUpstream
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &CallError{Kind: kind, Role: role, Err: err}
}

// Malformed reports output that could not be used.
func Malformed(role string, err error) *CallError {
	return &CallError{Kind: KindMalformed, Role: role, Err: err}
}

// KindOf returns the failure kind of err, or "" if err is not a CallError.
func KindOf(err error) Kind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// Generate calls m and decodes the completion. Transport failures are
// returned as *CallError; decode failures are returned unchanged so callers
// can tell a broken provider from a broken document. The raw completion is
// returned in both cases for logging.
func Generate[T any](ctx context.Context, m Model, req Request, decode func(string) (T, error)) (T, string, error) {
	var zero T
	text, err := m.Complete(ctx, req)
	if err != nil {
		return zero, "", Classify(req.Role, err)
	}
	v, err := decode(text)
	if err != nil {
		return zero, text, err
	}
	return v, text, nil
}
