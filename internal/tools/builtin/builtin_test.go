package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/pte-agent/internal/llm"
	"github.com/ashureev/pte-agent/internal/llm/llmtest"
	"github.com/ashureev/pte-agent/internal/sandbox"
	"github.com/ashureev/pte-agent/internal/tools"
)

func invoke(t *testing.T, deps Deps, name string, payload string) (string, error) {
	t.Helper()
	reg := tools.NewRegistry()
	_, err := Register(reg, deps, nil)
	require.NoError(t, err)
	return reg.Execute(context.Background(), tools.Call{Tool: name, Payload: json.RawMessage(payload)})
}

func TestCalculate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr string
		want string
	}{
		{"2 + 3 * 4", "14"},
		{"10 / 4", "2.5"},
		{"sqrt(16)", "4"},
		{"pow(2, 10)", "1024"},
		{"abs(-3)", "3"},
		{"round(pi * 100) / 100", "3.14"},
		{"(1 + 2) * (3 + 4)", "21"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Calculate(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCalculateRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := Calculate("   ")
	require.ErrorIs(t, err, errEmptyExpression)

	_, err = Calculate(strings.Repeat("1+", 300) + "1")
	require.Error(t, err)

	_, err = Calculate("1 / 0")
	require.ErrorContains(t, err, "calculation error")

	_, err = Calculate("os_exit(1)")
	require.ErrorContains(t, err, "calculation error")

	_, err = Calculate(`"text"`)
	require.ErrorContains(t, err, "non-numeric")
}

func TestFormatKST(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 10, 17, 9, 30, 5, 0, time.UTC)
	assert.Equal(t, "2026년 10월 17일 18시 30분 05초 (KST)", FormatKST(at))

	out, err := invoke(t, Deps{Now: func() time.Time { return at }}, "get_current_datetime", `{}`)
	require.NoError(t, err)
	assert.Equal(t, "2026년 10월 17일 18시 30분 05초 (KST)", out)
}

func TestWeather(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("appid") != "ow-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Seoul", q.Get("q"))
		assert.Equal(t, "metric", q.Get("units"))
		assert.Equal(t, "kr", q.Get("lang"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"Seoul","weather":[{"description":"맑음"}],"main":{"temp":21.34,"feels_like":20.9,"humidity":40},"wind":{"speed":2.06}}`))
	}))
	t.Cleanup(srv.Close)

	deps := Deps{OpenWeatherAPIKey: "ow-key", Endpoints: Endpoints{OpenWeather: srv.URL}}
	out, err := invoke(t, deps, "get_weather", `{"city": "Seoul"}`)
	require.NoError(t, err)
	assert.Equal(t, "Seoul weather: 맑음, 21.3°C (feels like 20.9°C), humidity 40%, wind 2.1 m/s", out)

	deps.OpenWeatherAPIKey = "wrong"
	_, err = invoke(t, deps, "get_weather", `{"city": "Seoul"}`)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}

func TestWebSearch(t *testing.T) {
	t.Parallel()

	var got tavilyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tv-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"answer":"Go 1.25 is current.","results":[{"title":"Go releases","url":"https://go.dev/doc/devel/release","content":"` + strings.Repeat("x", 400) + `"}]}`))
	}))
	t.Cleanup(srv.Close)

	out, err := invoke(t, Deps{TavilyAPIKey: "tv-key", Endpoints: Endpoints{Tavily: srv.URL}}, "web_search", `{"query": "latest go version"}`)
	require.NoError(t, err)

	assert.Equal(t, tavilyRequest{Query: "latest go version", SearchDepth: "advanced", MaxResults: 5, IncludeAnswer: true}, got)
	parts := strings.Split(out, "\n\n")
	require.Len(t, parts, 3)
	assert.Equal(t, "[search query] latest go version", parts[0])
	assert.Equal(t, "[answer] Go 1.25 is current.", parts[1])
	assert.Contains(t, parts[2], "- Go releases\n  "+strings.Repeat("x", snippetLength)+"...\n  source: https://go.dev/doc/devel/release")
}

func TestWebSearchUsesRefinedQuery(t *testing.T) {
	t.Parallel()

	var sent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req tavilyRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		sent = req.Query
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	t.Cleanup(srv.Close)

	model := llmtest.NewScripted().On(llm.RoleQuery, llmtest.Text(`"seoul population 2026"`))
	deps := Deps{
		TavilyAPIKey: "k",
		Endpoints:    Endpoints{Tavily: srv.URL},
		Refiner:      NewQueryRefiner(model, "small", time.Second, nil),
	}
	reg := tools.NewRegistry()
	_, err := Register(reg, deps, nil)
	require.NoError(t, err)

	out, err := reg.Execute(context.Background(), tools.Call{
		Tool:    "web_search",
		Payload: json.RawMessage(`{"query": "population"}`),
		Context: "how many people live in seoul now?",
	})
	require.NoError(t, err)
	assert.Equal(t, "seoul population 2026", sent)
	assert.Equal(t, "[search query] population -> seoul population 2026\n\nno results found", out)
}

func wikiServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ko/w/rest.php/v1/search/page", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"pages":[]}`))
	})
	mux.HandleFunc("/en/w/rest.php/v1/search/page", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Mercury", r.URL.Query().Get("q"))
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"pages":[{"key":"Mercury","title":"Mercury"},{"key":"Mercury_(planet)","title":"Mercury (planet)"}]}`))
	})
	mux.HandleFunc("/en/api/rest_v1/page/summary/", func(w http.ResponseWriter, r *http.Request) {
		switch strings.TrimPrefix(r.URL.Path, "/en/api/rest_v1/page/summary/") {
		case "Mercury":
			_, _ = w.Write([]byte(`{"type":"disambiguation","title":"Mercury","extract":"Mercury may refer to:"}`))
		case "Mercury_(planet)":
			_, _ = w.Write([]byte(`{"type":"standard","title":"Mercury (planet)","extract":"Mercury is the first planet. It is the smallest. It has no moons. It is hot. It is fast. It is grey."}`))
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestWikipediaFallsBackToEnglishAndSkipsDisambiguation(t *testing.T) {
	t.Parallel()

	srv := wikiServer(t)
	out, err := invoke(t, Deps{Endpoints: Endpoints{Wikipedia: srv.URL + "/%s"}}, "search_wikipedia", `{"query": "Mercury"}`)
	require.NoError(t, err)

	assert.Equal(t, "[wikipedia query] Mercury (sentences=5)\n\n[Mercury (planet)] (en wikipedia)\n"+
		"Mercury is the first planet. It is the smallest. It has no moons. It is hot. It is fast.", out)
}

func TestWikipediaTopicRefinement(t *testing.T) {
	t.Parallel()

	srv := wikiServer(t)
	model := llmtest.NewScripted().On(llm.RoleQuery, llmtest.Text(`{"query": "Mercury", "sentences": 1}`))
	reg := tools.NewRegistry()
	_, err := Register(reg, Deps{
		Endpoints: Endpoints{Wikipedia: srv.URL + "/%s"},
		Refiner:   NewQueryRefiner(model, "small", time.Second, nil),
	}, nil)
	require.NoError(t, err)

	out, err := reg.Execute(context.Background(), tools.Call{
		Tool:    "search_wikipedia",
		Payload: json.RawMessage(`{"query": "the planet mercury"}`),
		Context: "tell me briefly about the planet mercury",
	})
	require.NoError(t, err)
	// sentences below the minimum are raised to 3
	assert.Equal(t, "[wikipedia query] the planet mercury -> Mercury (sentences=3)\n\n[Mercury (planet)] (en wikipedia)\n"+
		"Mercury is the first planet. It is the smallest. It has no moons.", out)
}

func TestWikipediaNoArticle(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"pages":[]}`))
	}))
	t.Cleanup(srv.Close)

	out, err := invoke(t, Deps{Endpoints: Endpoints{Wikipedia: srv.URL + "/%s"}}, "search_wikipedia", `{"query": "zzzz"}`)
	require.NoError(t, err)
	assert.Contains(t, out, `no wikipedia article found for "zzzz"`)
}

func TestFirstSentences(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "One. Two!", firstSentences("One. Two! Three?", 2))
	assert.Equal(t, "Version 1.2 is out.", firstSentences("Version 1.2 is out. Next.", 1))
	assert.Equal(t, "no terminator", firstSentences("no terminator", 3))
}

type fakeRetriever struct {
	docs  []Document
	err   error
	query string
	topK  int
}

func (f *fakeRetriever) Retrieve(_ context.Context, query string, topK int) ([]Document, error) {
	f.query, f.topK = query, topK
	return f.docs, f.err
}

func TestRAG(t *testing.T) {
	t.Parallel()

	r := &fakeRetriever{docs: []Document{
		{Title: "Leave policy", Content: "Employees get 15 days."},
		{Content: strings.Repeat("y", 600)},
	}}
	out, err := invoke(t, Deps{Retriever: r}, "rag_retrieve", `{"query": "annual leave"}`)
	require.NoError(t, err)

	assert.Equal(t, "annual leave", r.query)
	assert.Equal(t, 3, r.topK)
	assert.Equal(t, "[document query] annual leave\n\n[1] Leave policy\nEmployees get 15 days.\n\n---\n\n[2] untitled\n"+
		strings.Repeat("y", documentPreview)+"...", out)

	_, err = invoke(t, Deps{Retriever: r}, "rag_retrieve", `{"query": "x", "top_k": 50}`)
	require.NoError(t, err)
	assert.Equal(t, maxTopK, r.topK)

	r.err = errors.New("connection refused")
	_, err = invoke(t, Deps{Retriever: r}, "rag_retrieve", `"x"`)
	require.ErrorContains(t, err, "document retrieval failed")
}

func TestParseDocuments(t *testing.T) {
	t.Parallel()

	data := map[string]any{"Get": map[string]any{"Document": []any{
		map[string]any{"title": "A", "content": "alpha", "_additional": map[string]any{"distance": 0.12}},
		"garbage",
	}}}
	docs := parseDocuments(data, "Document")
	require.Len(t, docs, 1)
	assert.Equal(t, Document{Title: "A", Content: "alpha", Distance: 0.12}, docs[0])
	assert.Nil(t, parseDocuments(map[string]any{}, "Document"))
}

type fakeSandbox struct {
	res sandbox.Result
	err error
}

func (f fakeSandbox) Run(context.Context, string) (sandbox.Result, error) { return f.res, f.err }

func TestPythonREPL(t *testing.T) {
	t.Parallel()

	out, err := invoke(t, Deps{Sandbox: fakeSandbox{res: sandbox.Result{Stdout: "42\n"}}}, "python_repl", `{"code": "print(6*7)"}`)
	require.NoError(t, err)
	assert.Equal(t, "42", out)

	out, err = invoke(t, Deps{Sandbox: fakeSandbox{res: sandbox.Result{}}}, "python_repl", `{"code": "x = 1"}`)
	require.NoError(t, err)
	assert.Equal(t, "code ran with no output", out)

	out, err = invoke(t, Deps{Sandbox: fakeSandbox{res: sandbox.Result{Stdout: "...tail", Truncated: true}}}, "python_repl", `{"code": "loop()"}`)
	require.NoError(t, err)
	assert.Equal(t, "...tail\n[output truncated]", out)

	_, err = invoke(t, Deps{Sandbox: fakeSandbox{res: sandbox.Result{
		ExitCode: 1,
		Stderr:   "Traceback (most recent call last):\n  File \"<stdin>\", line 1\nZeroDivisionError: division by zero\n",
	}}}, "python_repl", `{"code": "1/0"}`)
	require.EqualError(t, err, "execution error: ZeroDivisionError: division by zero")

	_, err = invoke(t, Deps{Sandbox: fakeSandbox{err: sandbox.ErrImageMissing}}, "python_repl", `{"code": "1"}`)
	require.ErrorIs(t, err, sandbox.ErrImageMissing)
}

func TestQueryRefinerFallsBack(t *testing.T) {
	t.Parallel()

	model := llmtest.NewScripted().On(llm.RoleQuery,
		llmtest.Fail(errors.New("upstream down")),
		llmtest.Text("   "),
		llmtest.Text(strings.Repeat("q", 101)),
		llmtest.Text("'busan weather'\nbecause the user asked"),
	)
	r := NewQueryRefiner(model, "small", time.Second, nil)
	ctx := context.Background()

	for range 3 {
		q, refined := r.Refine(ctx, "weather", "weather in busan?", false)
		assert.Equal(t, "weather", q)
		assert.False(t, refined)
	}
	q, refined := r.Refine(ctx, "weather", "weather in busan?", false)
	assert.Equal(t, "busan weather", q)
	assert.True(t, refined)

	calls := model.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, llm.RoleQuery, calls[0].Role)
	assert.Equal(t, "small", calls[0].Model)
	assert.Contains(t, calls[0].Messages[0].Content, "User request: weather in busan?")
}

func TestQueryRefinerTopicDefaults(t *testing.T) {
	t.Parallel()

	model := llmtest.NewScripted().On(llm.RoleQuery,
		llmtest.Text("not json"),
		llmtest.Text("```json\n{\"query\": \"Seoul\", \"sentences\": 40}\n```"),
	)
	r := NewQueryRefiner(model, "small", 0, nil)

	topic, n, refined := r.RefineTopic(context.Background(), "seoul", "history of seoul")
	assert.Equal(t, "seoul", topic)
	assert.Equal(t, defaultWikiSentences, n)
	assert.False(t, refined)

	topic, n, refined = r.RefineTopic(context.Background(), "seoul", "history of seoul")
	assert.Equal(t, "Seoul", topic)
	assert.Equal(t, maxWikiSentences, n)
	assert.True(t, refined)
	assert.True(t, model.Calls()[1].JSON)
}

func TestRegisterSkipsUnconfiguredTools(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	names, err := Register(reg, Deps{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"search_wikipedia", "get_current_datetime", "calculator"}, names)

	_, ok := reg.Get("python_repl")
	assert.False(t, ok)

	full := tools.NewRegistry()
	names, err = Register(full, Deps{
		TavilyAPIKey:      "t",
		OpenWeatherAPIKey: "o",
		Retriever:         &fakeRetriever{},
		Sandbox:           fakeSandbox{},
	}, nil)
	require.NoError(t, err)
	assert.Len(t, names, 7)
	assert.Equal(t, 7, full.Manifest().Len())
}

func TestRegisterHonoursFilter(t *testing.T) {
	t.Parallel()

	filter, err := tools.NewFilter("calc*, get_*")
	require.NoError(t, err)

	reg := tools.NewRegistry()
	names, err := Register(reg, Deps{}, filter)
	require.NoError(t, err)
	assert.Equal(t, []string{"get_current_datetime", "calculator"}, names)
}
