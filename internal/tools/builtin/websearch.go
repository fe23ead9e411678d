package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/pte-agent/internal/tools"
)

const webSearchResults = 5

type tavilyRequest struct {
	Query         string `json:"query"`
	SearchDepth   string `json:"search_depth"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
}

type tavilyResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func newWebSearch(deps Deps) (tools.Tool, error) {
	if deps.TavilyAPIKey == "" {
		return nil, tools.ErrNotConfigured
	}
	return tools.New(tools.MustBuiltin("web_search"), func(ctx context.Context, in tools.Input) (string, error) {
		original := strings.TrimSpace(in.String("query"))
		if original == "" {
			return "", errors.New("query is empty")
		}
		query, refined := searchQuery(ctx, deps, in)

		var resp tavilyResponse
		err := postJSON(ctx, deps.HTTPClient, "tavily", deps.Endpoints.Tavily,
			map[string]string{"Authorization": "Bearer " + deps.TavilyAPIKey},
			tavilyRequest{Query: query, SearchDepth: "advanced", MaxResults: webSearchResults, IncludeAnswer: true},
			&resp)
		if err != nil {
			return "", fmt.Errorf("web search failed: %w", err)
		}

		parts := []string{queryLine("search query", original, query, refined)}
		if resp.Answer != "" {
			parts = append(parts, "[answer] "+resp.Answer)
		}
		for _, r := range resp.Results {
			parts = append(parts, fmt.Sprintf("- %s\n  %s\n  source: %s", r.Title, truncate(r.Content, snippetLength), r.URL))
		}
		if resp.Answer == "" && len(resp.Results) == 0 {
			parts = append(parts, "no results found")
		}
		return strings.Join(parts, "\n\n"), nil
	}), nil
}

// queryLine shows the query actually sent, with the original when it was rewritten.
func queryLine(label, original, sent string, refined bool) string {
	if refined {
		return fmt.Sprintf("[%s] %s -> %s", label, truncate(original, 50), sent)
	}
	return fmt.Sprintf("[%s] %s", label, sent)
}
