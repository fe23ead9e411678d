// Package builtin provides the tools the agent ships with and registers the
// ones whose backends are configured.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/pte-agent/internal/sandbox"
	"github.com/ashureev/pte-agent/internal/tools"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	// Tool outputs feed the next prompt; keep each snippet short.
	snippetLength = 300
)

// Endpoints overrides remote API locations, mainly for tests.
type Endpoints struct {
	OpenWeather string
	Tavily      string
	// Wikipedia is a format string taking the language code, e.g. "https://%s.wikipedia.org".
	Wikipedia string
}

func (e Endpoints) withDefaults() Endpoints {
	if e.OpenWeather == "" {
		e.OpenWeather = "https://api.openweathermap.org/data/2.5/weather"
	}
	if e.Tavily == "" {
		e.Tavily = "https://api.tavily.com/search"
	}
	if e.Wikipedia == "" {
		e.Wikipedia = "https://%s.wikipedia.org"
	}
	return e
}

// Deps carries the backends of the builtin tools. A tool whose backend is
// missing is not registered.
type Deps struct {
	HTTPClient        *http.Client
	Endpoints         Endpoints
	OpenWeatherAPIKey string
	TavilyAPIKey      string
	// Retriever backs rag_retrieve.
	Retriever Retriever
	// Sandbox backs python_repl.
	Sandbox sandbox.Runner
	// Refiner rewrites search queries using the user's request; nil disables it.
	Refiner *QueryRefiner
	Now     func() time.Time
	Logger  *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	d.Endpoints = d.Endpoints.withDefaults()
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// Register adds every configured builtin tool allowed by filter to reg and
// returns the registered names in registration order.
func Register(reg *tools.Registry, deps Deps, filter *tools.Filter) ([]string, error) {
	deps = deps.withDefaults()

	candidates := []struct {
		name  string
		build func(Deps) (tools.Tool, error)
	}{
		{"web_search", newWebSearch},
		{"search_wikipedia", newWikipedia},
		{"rag_retrieve", newRAG},
		{"get_weather", newWeather},
		{"get_current_datetime", newDatetime},
		{"calculator", newCalculator},
		{"python_repl", newPythonREPL},
	}

	var names []string
	for _, c := range candidates {
		if !filter.Allows(c.name) {
			deps.Logger.Info("Tool disabled by allow-list", "tool", c.name)
			continue
		}
		t, err := c.build(deps)
		if err != nil {
			if errors.Is(err, tools.ErrNotConfigured) {
				deps.Logger.Info("Tool backend not configured, skipping", "tool", c.name)
				continue
			}
			return names, fmt.Errorf("build tool %s: %w", c.name, err)
		}
		if err := reg.Register(t); err != nil {
			return names, err
		}
		names = append(names, c.name)
	}
	deps.Logger.Info("Builtin tools registered", "tools", names)
	return names, nil
}

// searchQuery returns the query a search tool should send, refined when a
// refiner is configured and the turn context is known.
func searchQuery(ctx context.Context, deps Deps, in tools.Input) (string, bool) {
	q := in.String("query")
	if deps.Refiner == nil || in.Context == "" {
		return q, false
	}
	return deps.Refiner.Refine(ctx, q, in.Context, in.FromPreviousStep)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
