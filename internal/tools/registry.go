package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/pte-agent/internal/metrics"
)

// Call is one executor request against the registry.
type Call struct {
	Tool string
	// Payload is the step's raw input.
	Payload json.RawMessage
	// Chained holds the referenced step's output when the step uses input_from.
	Chained *string
	// Context is the user's original request.
	Context string
}

// Registry maps tool names to implementations. It is populated at startup and
// read-only afterwards.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	cache  *Cache
	logger *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithCache enables result caching for cacheable tools.
func WithCache(c *Cache) RegistryOption {
	return func(r *Registry) { r.cache = c }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Register adds a tool.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return ErrNilTool
	}
	name := t.Spec().Name
	if name == "" {
		return ErrToolNameEmpty
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Specs returns the specs of all registered tools in registration order.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Spec())
	}
	return out
}

// Manifest snapshots the registered set.
func (r *Registry) Manifest() *Manifest {
	return NewManifest(r.Specs())
}

// Execute normalizes the call's input and invokes the tool. A missing tool is
// reported as ErrToolUnregistered so the caller can record it as a failed step.
func (r *Registry) Execute(ctx context.Context, call Call) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if call.Tool == "" {
		return "", ErrToolNameEmpty
	}

	t, ok := r.Get(call.Tool)
	if !ok {
		metrics.ToolInvocationsTotal.WithLabelValues(call.Tool, "unregistered").Inc()
		return "", fmt.Errorf("%w: %q", ErrToolUnregistered, call.Tool)
	}
	spec := t.Spec()

	var (
		args map[string]any
		err  error
	)
	if call.Chained != nil {
		args, err = FromText(spec, *call.Chained)
	} else {
		args, err = Normalize(spec, call.Payload)
	}
	if err != nil {
		metrics.ToolInvocationsTotal.WithLabelValues(spec.Name, "invalid_input").Inc()
		return "", err
	}

	in := Input{Args: args, Context: call.Context, FromPreviousStep: call.Chained != nil}
	invoke := func() (string, error) { return t.Invoke(ctx, in) }

	start := time.Now()
	var (
		out string
		hit bool
	)
	if spec.Cacheable && r.cache != nil {
		out, hit, err = r.cache.Do(Key(spec, in), invoke)
	} else {
		out, err = invoke()
	}
	elapsed := time.Since(start)

	metrics.ToolDuration.WithLabelValues(spec.Name).Observe(elapsed.Seconds())
	if hit {
		metrics.ToolCacheHits.WithLabelValues(spec.Name).Inc()
	}
	if err != nil {
		metrics.ToolInvocationsTotal.WithLabelValues(spec.Name, "failure").Inc()
		r.logger.Warn("Tool invocation failed", "tool", spec.Name, "duration", elapsed, "error", err)
		return "", err
	}
	metrics.ToolInvocationsTotal.WithLabelValues(spec.Name, "success").Inc()
	r.logger.Debug("Tool invoked", "tool", spec.Name, "duration", elapsed, "cached", hit)
	return out, nil
}
