// Package tools provides the tool capability interface, the registry that
// maps names to implementations, and the manifest the planner sees.
package tools

import (
	"context"
	"errors"
)

// Group classifies tools for the manifest.
type Group string

const (
	GroupSearch  Group = "search"
	GroupQuery   Group = "query"
	GroupCompute Group = "compute"
)

// groupOrder is the order groups appear in the manifest.
var groupOrder = []Group{GroupSearch, GroupQuery, GroupCompute}

// Risk is the access-control level of a tool.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

var (
	ErrToolUnregistered = errors.New("tool is not registered")
	ErrToolNameEmpty    = errors.New("tool name is empty")
	ErrNilTool          = errors.New("tool is nil")
	ErrDuplicateTool    = errors.New("tool already registered")
	ErrMissingParam     = errors.New("missing required parameter")
	ErrInvalidInput     = errors.New("invalid tool input")
	ErrNotConfigured    = errors.New("tool backend is not configured")
)

// Param describes one input parameter.
type Param struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Required    bool   `yaml:"required" json:"required"`
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
	Description string `yaml:"description" json:"description"`
}

// Spec is the manifest entry for a tool.
type Spec struct {
	Name        string  `yaml:"name" json:"name"`
	Description string  `yaml:"description" json:"description"`
	Group       Group   `yaml:"group" json:"group"`
	Risk        Risk    `yaml:"risk" json:"risk"`
	Params      []Param `yaml:"params" json:"params"`
	Cacheable   bool    `yaml:"cacheable" json:"-"`
	// Contextual tools read Input.Context, so their results depend on the request.
	Contextual  bool    `yaml:"contextual" json:"-"`
}

// Input is a normalized invocation payload.
type Input struct {
	// Args holds parameters after schema normalization.
	Args map[string]any
	// Context is the user's original request, for tools that refine queries.
	Context string
	// FromPreviousStep is set when Args came from another step's output.
	FromPreviousStep bool
}

// String returns a string argument, or "" if absent.
func (in Input) String(name string) string {
	if v, ok := in.Args[name].(string); ok {
		return v
	}
	return ""
}

// Int returns an integer argument, or fallback if absent.
func (in Input) Int(name string, fallback int) int {
	switch v := in.Args[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

// Tool is a named capability the executor can invoke.
type Tool interface {
	Spec() Spec
	Invoke(ctx context.Context, in Input) (string, error)
}

// Handler implements a tool body.
type Handler func(ctx context.Context, in Input) (string, error)

type funcTool struct {
	spec Spec
	fn   Handler
}

// New binds a spec to a handler.
func New(spec Spec, fn Handler) Tool {
	return &funcTool{spec: spec, fn: fn}
}

func (t *funcTool) Spec() Spec { return t.spec }

func (t *funcTool) Invoke(ctx context.Context, in Input) (string, error) {
	return t.fn(ctx, in)
}
