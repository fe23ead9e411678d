package builtin

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ashureev/pte-agent/internal/tools"
)

const (
	wikiSearchLimit      = 3
	defaultWikiSentences = 5
)

// wikiLanguages is the lookup order.
var wikiLanguages = []string{"ko", "en"}

type wikiSearchResponse struct {
	Pages []struct {
		Key   string `json:"key"`
		Title string `json:"title"`
	} `json:"pages"`
}

type wikiSummaryResponse struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Extract string `json:"extract"`
}

func newWikipedia(deps Deps) (tools.Tool, error) {
	return tools.New(tools.MustBuiltin("search_wikipedia"), func(ctx context.Context, in tools.Input) (string, error) {
		original := strings.TrimSpace(in.String("query"))
		if original == "" {
			return "", errors.New("query is empty")
		}

		topic, sentences, refined := original, defaultWikiSentences, false
		if deps.Refiner != nil && in.Context != "" {
			topic, sentences, refined = deps.Refiner.RefineTopic(ctx, original, in.Context)
		}
		header := queryLine("wikipedia query", original, fmt.Sprintf("%s (sentences=%d)", topic, sentences), refined)

		var lastErr error
		for _, lang := range wikiLanguages {
			title, extract, err := wikiLookup(ctx, deps, lang, topic)
			if err != nil {
				deps.Logger.Debug("Wikipedia lookup failed", "lang", lang, "query", topic, "error", err)
				lastErr = err
				continue
			}
			if title == "" {
				continue
			}
			return fmt.Sprintf("%s\n\n[%s] (%s wikipedia)\n%s", header, title, lang, firstSentences(extract, sentences)), nil
		}
		if lastErr != nil {
			return "", fmt.Errorf("wikipedia search failed: %w", lastErr)
		}
		return fmt.Sprintf("%s\n\nno wikipedia article found for %q", header, topic), nil
	}), nil
}

// wikiLookup returns the best matching article in one language, or an empty
// title when nothing matches.
func wikiLookup(ctx context.Context, deps Deps, lang, query string) (string, string, error) {
	base := fmt.Sprintf(deps.Endpoints.Wikipedia, lang)

	var search wikiSearchResponse
	searchURL := fmt.Sprintf("%s/w/rest.php/v1/search/page?q=%s&limit=%d", base, url.QueryEscape(query), wikiSearchLimit)
	if err := getJSON(ctx, deps.HTTPClient, "wikipedia", searchURL, &search); err != nil {
		return "", "", err
	}

	for _, page := range search.Pages {
		var summary wikiSummaryResponse
		summaryURL := base + "/api/rest_v1/page/summary/" + url.PathEscape(page.Key)
		if err := getJSON(ctx, deps.HTTPClient, "wikipedia", summaryURL, &summary); err != nil {
			return "", "", err
		}
		// Disambiguation pages list meanings instead of describing one; try the next hit.
		if summary.Type == "disambiguation" || strings.TrimSpace(summary.Extract) == "" {
			continue
		}
		return summary.Title, summary.Extract, nil
	}
	return "", "", nil
}

// firstSentences keeps at most n sentences of text.
func firstSentences(text string, n int) string {
	text = strings.TrimSpace(text)
	if n <= 0 {
		return text
	}
	count := 0
	for i, r := range text {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		next := i + 1
		if next < len(text) && text[next] != ' ' && text[next] != '\n' {
			continue
		}
		count++
		if count == n {
			return text[:next]
		}
	}
	return text
}
