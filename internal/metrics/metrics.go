// Package metrics holds the Prometheus collectors exported by the agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TurnsTotal counts finished turns by terminal status.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pte_turns_total",
			Help: "Turns processed, by terminal status.",
		},
		[]string{"status"},
	)

	// NodeDuration observes the wall time of each graph node.
	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pte_node_duration_seconds",
			Help:    "Time spent in each graph node.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"node"},
	)

	// LLMCallsTotal counts model calls by role and outcome.
	LLMCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pte_llm_calls_total",
			Help: "LLM calls, by role and outcome.",
		},
		[]string{"role", "outcome"},
	)

	// ToolInvocationsTotal counts tool calls by tool and status.
	ToolInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pte_tool_invocations_total",
			Help: "Tool invocations, by tool and status.",
		},
		[]string{"tool", "status"},
	)

	// ToolDuration observes tool latency.
	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pte_tool_duration_seconds",
			Help:    "Tool invocation latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// ToolCacheHits counts tool results served from cache.
	ToolCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pte_tool_cache_hits_total",
			Help: "Tool results served from the result cache.",
		},
		[]string{"tool"},
	)

	// ReplansTotal counts accepted replans.
	ReplansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pte_replans_total",
		Help: "Accepted replans.",
	})

	// MemorySummariesTotal counts summary segments produced by compaction.
	MemorySummariesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pte_memory_summaries_total",
		Help: "Summary segments produced by session memory compaction.",
	})

	// ActiveTurns tracks turns currently executing.
	ActiveTurns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pte_active_turns",
		Help: "Turns currently executing.",
	})
)
