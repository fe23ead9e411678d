package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashureev/pte-agent/internal/llm"
	"github.com/ashureev/pte-agent/internal/metrics"
	"github.com/ashureev/pte-agent/internal/tools"
)

const (
	defaultReplanCeiling    = 3
	defaultFinalTemperature = 0.7
	defaultLLMTimeout       = 60 * time.Second
	defaultToolTimeout      = 30 * time.Second
)

// ToolExecutor runs one tool call. *tools.Registry implements it.
type ToolExecutor interface {
	Execute(ctx context.Context, call tools.Call) (string, error)
}

// GraphConfig configures the turn graph.
type GraphConfig struct {
	ClassifierModel  string
	PlannerModel     string
	ReplannerModel   string
	FinalModel       string
	FinalTemperature float32
	// JSONMode asks the provider for JSON object output on structured calls.
	JSONMode bool

	// ReplanCeiling bounds replans per turn.
	ReplanCeiling int
	LLMTimeout    time.Duration
	ToolTimeout   time.Duration

	// PlannerFirst starts turns at the planner with needs_tool assumed true.
	PlannerFirst bool
}

func (c GraphConfig) withDefaults() GraphConfig {
	if c.ReplanCeiling <= 0 {
		c.ReplanCeiling = defaultReplanCeiling
	}
	if c.FinalTemperature == 0 {
		c.FinalTemperature = defaultFinalTemperature
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = defaultLLMTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = defaultToolTimeout
	}
	return c
}

// Graph is the controller that drives a turn through its nodes. It holds no
// per-turn state and is safe for concurrent use.
type Graph struct {
	model    llm.Model
	tools    ToolExecutor
	manifest *tools.Manifest
	cfg      GraphConfig
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewGraph creates a controller.
func NewGraph(model llm.Model, executor ToolExecutor, manifest *tools.Manifest, cfg GraphConfig, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	if manifest == nil {
		manifest = tools.NewManifest(nil)
	}
	return &Graph{
		model:    model,
		tools:    executor,
		manifest: manifest,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		tracer:   otel.Tracer("pte-agent/agent"),
	}
}

// WithLogger returns a copy of g that logs to l.
func (g *Graph) WithLogger(l *slog.Logger) *Graph {
	if l == nil {
		return g
	}
	c := *g
	c.logger = l
	return &c
}

// Manifest returns the tool manifest the planner sees.
func (g *Graph) Manifest() *tools.Manifest { return g.manifest }

// ReplanCeiling returns the configured replan limit.
func (g *Graph) ReplanCeiling() int { return g.cfg.ReplanCeiling }

// Run executes one turn. The context is checked before every node; once it is
// done no further node runs and the turn ends canceled. In-flight LLM and tool
// calls are not interrupted by cancellation, only by their own timeouts.
func (g *Graph) Run(ctx context.Context, in TurnInput, emit Emitter) *State {
	s := NewState(in)
	t := &turn{Graph: g, s: s, emit: emit}

	node := NodeClassify
	if g.cfg.PlannerFirst {
		node = NodePlan
		s.NeedsTool = true
	}

	for node != NodeEnd {
		if ctx.Err() != nil {
			s.Status = StatusCanceled
			s.Result = ""
			g.logger.Info("Turn canceled", "before_node", node, "steps", s.Trail.Len())
			break
		}

		summary := t.runNode(ctx, node)
		emit.emit(Event{Type: EventNodeCompleted, Node: node, Summary: summary})

		if node == NodeError {
			break
		}
		nextNode := next(node, s, g.cfg.ReplanCeiling)
		if node == NodeExecute && nextNode == NodeError && s.Err == nil {
			s.halt(&HaltError{Kind: HaltCeiling, Node: NodeExecute, Reason: CeilingReason(g.cfg.ReplanCeiling)})
		}
		node = nextNode
	}

	if s.Status == StatusRunning {
		if s.Err != nil {
			s.Status = StatusHalted
		} else {
			s.Status = StatusCompleted
		}
	}

	switch s.Status {
	case StatusCompleted:
		emit.emit(Event{Type: EventFinalResult, Result: s.Result})
	case StatusHalted:
		emit.emit(Event{Type: EventFinalResult, Result: s.Result})
		emit.emit(Event{Type: EventError, Code: string(s.Err.Kind), Message: s.Err.Reason})
	case StatusCanceled:
		emit.emit(Event{Type: EventError, Code: CodeCanceled, Message: "turn canceled"})
	}
	return s
}

type turn struct {
	*Graph
	s    *State
	emit Emitter
}

func (t *turn) runNode(ctx context.Context, node Node) string {
	ctx, span := t.tracer.Start(ctx, "pte."+string(node), trace.WithAttributes(
		attribute.Int("pte.replan_count", t.s.ReplanCount),
		attribute.Int("pte.trail_len", t.s.Trail.Len()),
	))
	defer span.End()

	start := time.Now()
	var summary string
	switch node {
	case NodeClassify:
		summary = t.classify(ctx)
	case NodePlan:
		summary = t.plan(ctx)
	case NodeExecute:
		summary = t.execute(ctx)
	case NodeReplan:
		summary = t.replan(ctx)
	case NodeFinalize:
		summary = t.finalize(ctx)
	case NodeError:
		summary = t.fail()
	default:
		summary = fmt.Sprintf("unknown node %q", node)
	}
	metrics.NodeDuration.WithLabelValues(string(node)).Observe(time.Since(start).Seconds())

	if t.s.Err != nil && node != NodeError {
		span.SetStatus(codes.Error, t.s.Err.Reason)
	}
	return summary
}

// callContext detaches a side-effecting call from caller cancellation and
// bounds it with its own timeout.
func callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if timeout > 0 {
		return context.WithTimeout(detached, timeout)
	}
	return context.WithCancel(detached)
}
