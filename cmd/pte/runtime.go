package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/pte-agent/internal/agent"
	"github.com/ashureev/pte-agent/internal/api"
	"github.com/ashureev/pte-agent/internal/config"
	"github.com/ashureev/pte-agent/internal/llm"
	"github.com/ashureev/pte-agent/internal/memory"
	"github.com/ashureev/pte-agent/internal/sandbox"
	"github.com/ashureev/pte-agent/internal/store"
	"github.com/ashureev/pte-agent/internal/tools"
	"github.com/ashureev/pte-agent/internal/tools/builtin"
)

const llmRetryBackoff = 500 * time.Millisecond

// runtime is the wired agent shared by serve and chat.
type runtime struct {
	service  *agent.Service
	registry *tools.Registry
	checks   map[string]api.Pinger
	closers  []func()
}

// Close releases everything the runtime opened, newest first.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func newModel(cfg *config.Config, logger *slog.Logger) (llm.Model, error) {
	if err := cfg.RequireLLM(); err != nil {
		return nil, err
	}
	or, err := llm.NewOpenRouter(llm.OpenRouterConfig{
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
		AppName:      cfg.LLM.AppName,
		AppURL:       cfg.LLM.AppURL,
		DefaultModel: cfg.LLM.DefaultModel,
	}, logger)
	if err != nil {
		return nil, err
	}
	return llm.Instrument(llm.WithRetry(or, llm.RetryConfig{
		MaxAttempts: cfg.LLM.MaxAttempts,
		Backoff:     llmRetryBackoff,
	}), logger), nil
}

// toolBackends builds the optional tool backends. A backend that fails to
// start is logged and left out; its tool is then not registered.
func toolBackends(cfg *config.Config, logger *slog.Logger) (builtin.Deps, map[string]api.Pinger, []func()) {
	deps := builtin.Deps{
		OpenWeatherAPIKey: cfg.Tools.OpenWeatherAPIKey,
		TavilyAPIKey:      cfg.Tools.TavilyAPIKey,
		Logger:            logger,
	}
	checks := make(map[string]api.Pinger)
	var closers []func()

	if cfg.Tools.WeaviateHost != "" {
		r, err := builtin.NewWeaviateRetriever(builtin.WeaviateConfig{
			Host:   cfg.Tools.WeaviateHost,
			Scheme: cfg.Tools.WeaviateScheme,
			Class:  cfg.Tools.WeaviateClass,
		})
		if err != nil {
			logger.Warn("Vector store unavailable, rag_retrieve disabled", "error", err)
		} else {
			deps.Retriever = r
			checks["weaviate"] = r
		}
	}

	if cfg.Tools.SandboxEnabled {
		r, err := sandbox.NewDockerRunner(sandbox.Config{
			Image:   cfg.Tools.SandboxImage,
			Runtime: cfg.Tools.SandboxRuntime,
			Timeout: cfg.Agent.ToolTimeout,
		}, logger)
		if err != nil {
			logger.Warn("Sandbox unavailable, python_repl disabled", "error", err)
		} else {
			deps.Sandbox = r
			checks["docker"] = r
			closers = append(closers, func() {
				if err := r.Close(); err != nil {
					logger.Warn("Failed to close docker client", "error", err)
				}
			})
		}
	}
	return deps, checks, closers
}

// buildRuntime wires model, tools, graph, memory and service over st.
func buildRuntime(cfg *config.Config, st store.SessionStore, logger *slog.Logger) (*runtime, error) {
	model, err := newModel(cfg, logger)
	if err != nil {
		return nil, err
	}

	rt := &runtime{checks: map[string]api.Pinger{"database": st}}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	cache, err := tools.NewCache(tools.CacheConfig{MaxCost: cfg.Tools.CacheMaxCost, TTL: cfg.Tools.CacheTTL})
	if err != nil {
		return nil, fmt.Errorf("create tool cache: %w", err)
	}
	rt.closers = append(rt.closers, cache.Close)

	filter, err := tools.NewFilter(cfg.Tools.Enabled)
	if err != nil {
		return nil, fmt.Errorf("TOOLS_ENABLED: %w", err)
	}

	deps, checks, closers := toolBackends(cfg, logger)
	for name, p := range checks {
		rt.checks[name] = p
	}
	rt.closers = append(rt.closers, closers...)
	deps.Refiner = builtin.NewQueryRefiner(model, cfg.LLM.DefaultModel, cfg.LLM.Timeout, logger)

	rt.registry = tools.NewRegistry(tools.WithCache(cache), tools.WithLogger(logger))
	names, err := builtin.Register(rt.registry, deps, filter)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, errors.New("no tools registered; check TOOLS_ENABLED")
	}

	graph := agent.NewGraph(model, rt.registry, rt.registry.Manifest(), agent.GraphConfig{
		ClassifierModel:  cfg.LLM.ClassifierModel,
		PlannerModel:     cfg.LLM.PlannerModel,
		ReplannerModel:   cfg.LLM.ReplannerModel,
		FinalModel:       cfg.LLM.FinalModel,
		FinalTemperature: cfg.LLM.FinalTemperature,
		JSONMode:         cfg.LLM.JSONMode,
		ReplanCeiling:    cfg.Agent.MaxReplanCount,
		LLMTimeout:       cfg.LLM.Timeout,
		ToolTimeout:      cfg.Agent.ToolTimeout,
		PlannerFirst:     cfg.Agent.PlannerFirst,
	}, logger)

	summarizer := memory.NewSummarizer(model, memory.SummarizerConfig{
		Memory: memory.Config{
			RecentCapacity: cfg.Memory.RecentCapacity,
			RecentRetain:   cfg.Memory.RecentRetain,
			SummaryWindow:  cfg.Memory.SummaryWindow,
		},
		Model:       cfg.LLM.SummarizerModel,
		CallTimeout: cfg.LLM.Timeout,
	}, logger)

	convlog, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize conversation logger: %w", err)
	}

	rt.service = agent.NewService(graph, st, summarizer,
		agent.WithConversationLogger(convlog),
		agent.WithServiceLogger(logger),
	)
	rt.closers = append(rt.closers, rt.service.Close)

	ok = true
	logger.Info("Agent ready", "tools", names, "replan_ceiling", cfg.Agent.MaxReplanCount, "planner_first", cfg.Agent.PlannerFirst)
	return rt, nil
}
