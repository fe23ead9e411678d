package builtin

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/pte-agent/internal/llm"
)

const (
	maxRefinedQueryLength = 100
	minWikiSentences      = 3
	maxWikiSentences      = 20
)

const refineSearchPrompt = `You rewrite search queries.
Given the user's request and a search query chosen by a planner, write one
search-engine query that will find what the user needs. Use results from the
previous step when they are given. Keep it under 100 characters.
Output only the query, without quotes or explanation.`

const refineTopicPrompt = `You pick encyclopedia lookups.
Given the user's request and a planned query, answer with a JSON object:
{"query": "<article title or short keyword>", "sentences": <3-20, how much detail the request needs>}
Output only the JSON object.`

// QueryRefiner rewrites tool queries with the context of the user's request.
// Failures fall back to the planned query.
type QueryRefiner struct {
	model     llm.Model
	modelName string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewQueryRefiner creates a refiner. A zero timeout leaves the call bounded
// only by the tool deadline.
func NewQueryRefiner(model llm.Model, modelName string, timeout time.Duration, logger *slog.Logger) *QueryRefiner {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryRefiner{model: model, modelName: modelName, timeout: timeout, logger: logger}
}

// Refine returns a search query for query and whether it differs from it.
// fromPrevious marks query as another step's output rather than a planned query.
func (r *QueryRefiner) Refine(ctx context.Context, query, userRequest string, fromPrevious bool) (string, bool) {
	var b strings.Builder
	b.WriteString("User request: ")
	b.WriteString(userRequest)
	if fromPrevious {
		b.WriteString("\nPrevious step result:\n")
		b.WriteString(truncate(query, 1000))
	} else {
		b.WriteString("\nPlanned query: ")
		b.WriteString(query)
	}

	text, err := r.complete(ctx, refineSearchPrompt, b.String(), false)
	if err != nil {
		r.logger.Debug("Query refinement failed, using planned query", "query", query, "error", err)
		return query, false
	}
	refined := cleanQuery(text)
	if refined == "" || len([]rune(refined)) > maxRefinedQueryLength {
		return query, false
	}
	return refined, refined != query
}

// RefineTopic returns an encyclopedia lookup, the number of sentences to keep
// and whether the lookup differs from query.
func (r *QueryRefiner) RefineTopic(ctx context.Context, query, userRequest string) (string, int, bool) {
	prompt := "User request: " + userRequest + "\nPlanned query: " + query
	text, err := r.complete(ctx, refineTopicPrompt, prompt, true)
	if err != nil {
		r.logger.Debug("Topic refinement failed, using planned query", "query", query, "error", err)
		return query, defaultWikiSentences, false
	}

	var out struct {
		Query     string `json:"query"`
		Sentences int    `json:"sentences"`
	}
	if err := json.Unmarshal([]byte(extractObject(text)), &out); err != nil {
		return query, defaultWikiSentences, false
	}
	topic := cleanQuery(out.Query)
	if topic == "" || len([]rune(topic)) > maxRefinedQueryLength {
		topic = query
	}
	return topic, clampSentences(out.Sentences), topic != query
}

func (r *QueryRefiner) complete(ctx context.Context, system, prompt string, jsonMode bool) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	text, err := r.model.Complete(ctx, llm.Request{
		Role:     llm.RoleQuery,
		Model:    r.modelName,
		System:   system,
		Messages: []llm.Message{{Role: llm.MessageUser, Content: prompt}},
		JSON:     jsonMode,
	})
	if err != nil {
		return "", llm.Classify(llm.RoleQuery, err)
	}
	return text, nil
}

func cleanQuery(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return strings.Trim(s, "\"'`“”‘’ ")
}

func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

func clampSentences(n int) int {
	switch {
	case n <= 0:
		return defaultWikiSentences
	case n < minWikiSentences:
		return minWikiSentences
	case n > maxWikiSentences:
		return maxWikiSentences
	}
	return n
}
