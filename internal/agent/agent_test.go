package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/pte-agent/internal/llm"
	"github.com/ashureev/pte-agent/internal/llm/llmtest"
	"github.com/ashureev/pte-agent/internal/tools"
)

var testSpecs = []tools.Spec{
	{
		Name: "web_search", Description: "Search the web", Group: tools.GroupSearch, Risk: tools.RiskLow,
		Params: []tools.Param{{Name: "query", Type: "string", Required: true}},
	},
	{
		Name: "search_wikipedia", Description: "Search Wikipedia", Group: tools.GroupSearch, Risk: tools.RiskLow,
		Params: []tools.Param{{Name: "query", Type: "string", Required: true}},
	},
	{
		Name: "get_weather", Description: "Current weather", Group: tools.GroupQuery, Risk: tools.RiskLow,
		Params: []tools.Param{{Name: "city", Type: "string", Required: true}},
	},
	{
		Name: "calculator", Description: "Evaluate math", Group: tools.GroupCompute, Risk: tools.RiskLow,
		Params: []tools.Param{{Name: "expression", Type: "string", Required: true}},
	},
	{
		Name: "python_repl", Description: "Run Python", Group: tools.GroupCompute, Risk: tools.RiskHigh,
		Params: []tools.Param{{Name: "code", Type: "string", Required: true}},
	},
}

// toolbox registers every test tool. Tools without a handler return "ok".
type toolbox struct {
	mu     sync.Mutex
	calls  map[string]int
	inputs map[string][]tools.Input
	reg    *tools.Registry
}

func newToolbox(t *testing.T, handlers map[string]tools.Handler) *toolbox {
	t.Helper()
	tb := &toolbox{calls: map[string]int{}, inputs: map[string][]tools.Input{}, reg: tools.NewRegistry()}
	for _, spec := range testSpecs {
		name := spec.Name
		h := handlers[name]
		require.NoError(t, tb.reg.Register(tools.New(spec, func(ctx context.Context, in tools.Input) (string, error) {
			tb.mu.Lock()
			tb.calls[name]++
			tb.inputs[name] = append(tb.inputs[name], in)
			tb.mu.Unlock()
			if h == nil {
				return "ok", nil
			}
			return h(ctx, in)
		})))
	}
	return tb
}

func (tb *toolbox) count(name string) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if name == "" {
		n := 0
		for _, c := range tb.calls {
			n += c
		}
		return n
	}
	return tb.calls[name]
}

func (tb *toolbox) lastInput(name string) tools.Input {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	in := tb.inputs[name]
	return in[len(in)-1]
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) nodes() []Node {
	var out []Node
	for _, ev := range r.ofType(EventNodeCompleted) {
		out = append(out, ev.Node)
	}
	return out
}

func newTestGraph(model llm.Model, tb *toolbox, cfg GraphConfig) *Graph {
	return NewGraph(model, tb.reg, tb.reg.Manifest(), cfg, nil)
}

var turnTime = time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)

func input(msg string) TurnInput {
	return TurnInput{Message: msg, Now: turnTime}
}

const (
	weatherIntent  = `{"intent": "new_question", "rewritten_query": "서울 현재 날씨", "needs_tool": true, "reasoning": "weather lookup"}`
	chitchatIntent = `{"intent": "chitchat", "rewritten_query": "", "needs_tool": false, "reasoning": "thanks"}`
	searchIntent   = `{"intent": "new_question", "rewritten_query": "population of Seoul", "needs_tool": true}`
)

func TestToolTurnUsesThreeLLMCalls(t *testing.T) {
	t.Parallel()

	tb := newToolbox(t, map[string]tools.Handler{
		"get_weather": func(_ context.Context, in tools.Input) (string, error) {
			return in.String("city") + ": clear, 21°C", nil
		},
	})
	model := llmtest.NewScripted().
		On(llm.RoleClassifier, llmtest.Text(weatherIntent)).
		On(llm.RolePlanner, llmtest.Text(`{"steps": [{"step_id": 1, "tool": "get_weather", "input": "서울", "task": "weather"}], "reasoning": "one lookup"}`)).
		On(llm.RoleFinal, llmtest.Text("서울은 맑고 21°C입니다."))

	rec := &recorder{}
	s := newTestGraph(model, tb, GraphConfig{}).Run(context.Background(), input("서울 날씨 알려줘"), rec.emit)

	require.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, "서울은 맑고 21°C입니다.", s.Result)
	assert.Equal(t, 3, model.CallCount(""))
	assert.Equal(t, 1, tb.count("get_weather"))
	assert.Equal(t, "서울", tb.lastInput("get_weather").String("city"))

	trail := s.Trail.Snapshot()
	require.Len(t, trail, 1)
	assert.Equal(t, 1, trail[0].Step.ID)
	assert.Equal(t, "서울: clear, 21°C", trail[0].Output)

	assert.Equal(t, []Node{NodeClassify, NodePlan, NodeExecute, NodeFinalize}, rec.nodes())
	assert.Equal(t, []EventType{
		EventNodeCompleted, EventNodeCompleted, EventStepCompleted, EventNodeCompleted, EventNodeCompleted, EventFinalResult,
	}, rec.types())
	step := rec.ofType(EventStepCompleted)[0]
	assert.Equal(t, "get_weather", step.Tool)
	assert.Equal(t, "success", step.Status)

	calls := model.Calls()
	assert.Zero(t, calls[0].Temperature)
	assert.Zero(t, calls[1].Temperature)
	assert.Contains(t, calls[1].Messages[0].Content, "get_weather")
	assert.Equal(t, finalResultsPrompt, calls[2].System)
	assert.InDelta(t, 0.7, calls[2].Temperature, 1e-6)
}

func TestChitchatSkipsPlanning(t *testing.T) {
	t.Parallel()

	tb := newToolbox(t, nil)
	model := llmtest.NewScripted().
		On(llm.RoleClassifier, llmtest.Text(chitchatIntent)).
		On(llm.RoleFinal, llmtest.Text("천만에요!"))

	rec := &recorder{}
	s := newTestGraph(model, tb, GraphConfig{}).Run(context.Background(), input("고마워"), rec.emit)

	require.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, "천만에요!", s.Result)
	assert.Equal(t, 2, model.CallCount(""))
	assert.Zero(t, model.CallCount(llm.RolePlanner))
	assert.Zero(t, tb.count(""))
	assert.Equal(t, []Node{NodeClassify, NodeFinalize}, rec.nodes())
	assert.Equal(t, finalConversationPrompt, model.Calls()[1].System)
}

func TestReplanSubstitutesTool(t *testing.T) {
	t.Parallel()

	tb := newToolbox(t, map[string]tools.Handler{
		"web_search": func(context.Context, tools.Input) (string, error) {
			return "", errors.New("API rate limit exceeded")
		},
		"search_wikipedia": func(context.Context, tools.Input) (string, error) {
			return "Seoul has about 9.4 million residents.", nil
		},
	})
	model := llmtest.NewScripted().
		On(llm.RoleClassifier, llmtest.Text(searchIntent)).
		On(llm.RolePlanner, llmtest.Text(`{"steps": [{"step_id": 1, "tool": "web_search", "input": "population of Seoul"}]}`)).
		On(llm.RoleReplanner, llmtest.Text(`{"steps": [{"step_id": 1, "tool": "search_wikipedia", "input": "Seoul"}], "analysis": "web search is rate limited"}`)).
		On(llm.RoleFinal, llmtest.Text("About 9.4 million."))

	rec := &recorder{}
	s := newTestGraph(model, tb, GraphConfig{}).Run(context.Background(), input("how many people live in Seoul"), rec.emit)

	require.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, 1, s.ReplanCount)
	assert.Equal(t, 1, model.CallCount(llm.RoleReplanner))

	trail := s.Trail.Snapshot()
	require.Len(t, trail, 2)
	assert.Equal(t, "failure", string(trail[0].Status))
	assert.Contains(t, trail[0].Output, "API rate limit exceeded")
	assert.Equal(t, "success", string(trail[1].Status))
	assert.Equal(t, "search_wikipedia", trail[1].Step.Tool)
	assert.Equal(t, []int{1, 2}, []int{trail[0].Step.ID, trail[1].Step.ID}, "replanned steps get fresh ids")

	assert.Contains(t, model.Calls()[2].Messages[0].Content, "API rate limit exceeded", "replanner sees the failure")
	assert.Contains(t, model.Calls()[3].Messages[0].Content, "status: failure")
	assert.Equal(t, []Node{NodeClassify, NodePlan, NodeExecute, NodeReplan, NodeExecute, NodeFinalize}, rec.nodes())
}

func TestUnparsablePlanHalts(t *testing.T) {
	t.Parallel()

	tb := newToolbox(t, nil)
	model := llmtest.NewScripted().
		On(llm.RoleClassifier, llmtest.Text(searchIntent)).
		On(llm.RolePlanner, llmtest.Text("Sure! I will search the web for that."))

	rec := &recorder{}
	s := newTestGraph(model, tb, GraphConfig{}).Run(context.Background(), input("how many people live in Seoul"), rec.emit)

	require.Equal(t, StatusHalted, s.Status)
	require.NotNil(t, s.Err)
	assert.Equal(t, HaltParse, s.Err.Kind)
	assert.Equal(t, "execution halted: plan validation failed", s.Result)
	assert.Zero(t, tb.count(""), "executor never runs")
	assert.Zero(t, model.CallCount(llm.RoleFinal), "final answer never runs")
	assert.Equal(t, []Node{NodeClassify, NodePlan, NodeError}, rec.nodes())

	errs := rec.ofType(EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, string(HaltParse), errs[0].Code)
	assert.Equal(t, ReasonPlanInvalid, errs[0].Message)
	types := rec.types()
	assert.Equal(t, []EventType{EventFinalResult, EventError}, types[len(types)-2:])
}

func TestReplanCeilingRoutesToErrorHandler(t *testing.T) {
	t.Parallel()

	tb := newToolbox(t, map[string]tools.Handler{
		"calculator": func(context.Context, tools.Input) (string, error) {
			return "", errors.New("division by zero")
		},
	})
	model := llmtest.NewScripted().
		On(llm.RoleClassifier, llmtest.Text(`{"intent": "new_question", "rewritten_query": "1/0", "needs_tool": true}`)).
		On(llm.RolePlanner, llmtest.Text(`{"steps": [{"tool": "calculator", "input": "1/0"}]}`)).
		Always(llm.RoleReplanner, llmtest.Text(`{"steps": [{"tool": "calculator", "input": "1/0"}], "analysis": "retry"}`))

	s := newTestGraph(model, tb, GraphConfig{ReplanCeiling: 3}).Run(context.Background(), input("1/0"), nil)

	require.Equal(t, StatusHalted, s.Status)
	assert.Equal(t, 3, model.CallCount(llm.RoleReplanner), "no fourth replanner call")
	assert.Equal(t, 3, s.ReplanCount)
	assert.Equal(t, 4, tb.count("calculator"))
	assert.Zero(t, model.CallCount(llm.RoleFinal))
	require.NotNil(t, s.Err)
	assert.Equal(t, HaltCeiling, s.Err.Kind)
	assert.Equal(t, "replan limit (3) exceeded", s.Err.Reason)

	want := "execution halted: replan limit (3) exceeded\n\nexecuted steps:\n" +
		"  1. calculator [failure]\n  2. calculator [failure]\n  3. calculator [failure]\n  4. calculator [failure]"
	assert.Equal(t, want, s.Result)
	assert.NotContains(t, s.Result, "division by zero", "halt message does not leak tool output")

	ids := []int{}
	for _, p := range s.Trail.Snapshot() {
		ids = append(ids, p.Step.ID)
	}
	assert.Equal(t, []int{1, 2, 3, 4}, ids)
}

func TestFailClosedIsDeterministic(t *testing.T) {
	t.Parallel()

	run := func() (*State, []EventType) {
		tb := newToolbox(t, nil)
		model := llmtest.NewScripted().
			On(llm.RoleClassifier, llmtest.Text(searchIntent)).
			On(llm.RolePlanner, llmtest.Text(`{"steps": [{"tool": "send_email", "input": "boss"}]}`))
		rec := &recorder{}
		return newTestGraph(model, tb, GraphConfig{}).Run(context.Background(), input("mail my boss"), rec.emit), rec.types()
	}

	s1, ev1 := run()
	s2, ev2 := run()
	assert.Equal(t, s1.Result, s2.Result)
	assert.Equal(t, ev1, ev2)
	assert.Equal(t, "execution halted: tool not allowed: send_email", s1.Result)
	assert.Equal(t, HaltPolicy, s1.Err.Kind)
}

func TestClassifierFailuresHalt(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		reply llmtest.Reply
		kind  HaltKind
	}{
		"timeout":           {llmtest.Timeout(), HaltUpstream},
		"upstream":          {llmtest.Fail(errors.New("502 bad gateway")), HaltUpstream},
		"unknown intent":    {llmtest.Text(`{"intent": "rant", "rewritten_query": "", "needs_tool": false}`), HaltParse},
		"missing needsTool": {llmtest.Text(`{"intent": "chitchat", "rewritten_query": ""}`), HaltParse},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			model := llmtest.NewScripted().On(llm.RoleClassifier, tc.reply)
			s := newTestGraph(model, newToolbox(t, nil), GraphConfig{}).Run(context.Background(), input("hi"), nil)

			require.Equal(t, StatusHalted, s.Status)
			assert.Equal(t, tc.kind, s.Err.Kind)
			assert.Equal(t, "execution halted: intent classification failed", s.Result)
			assert.Equal(t, 1, model.CallCount(""))
		})
	}
}

func TestPlannerUpstreamFailure(t *testing.T) {
	t.Parallel()

	model := llmtest.NewScripted().
		On(llm.RoleClassifier, llmtest.Text(searchIntent)).
		On(llm.RolePlanner, llmtest.Timeout())
	s := newTestGraph(model, newToolbox(t, nil), GraphConfig{}).Run(context.Background(), input("q"), nil)

	require.Equal(t, StatusHalted, s.Status)
	assert.Equal(t, HaltUpstream, s.Err.Kind)
	assert.Equal(t, "execution halted: llm call failed", s.Result)
}

func TestPlanWithBadReferenceIsInvalid(t *testing.T) {
	t.Parallel()

	model := llmtest.NewScripted().
		On(llm.RoleClassifier, llmtest.Text(searchIntent)).
		On(llm.RolePlanner, llmtest.Text(`{"steps": [{"step_id": 1, "tool": "calculator", "input_from": "step_2"}, {"step_id": 2, "tool": "web_search", "input": "x"}]}`))
	tb := newToolbox(t, nil)
	s := newTestGraph(model, tb, GraphConfig{}).Run(context.Background(), input("q"), nil)

	require.Equal(t, StatusHalted, s.Status)
	assert.Equal(t, ReasonPlanInvalid, s.Err.Reason)
	assert.Zero(t, tb.count(""))
}

func TestEmptyPlanGoesToConversationAnswer(t *testing.T) {
	t.Parallel()

	model := llmtest.NewScripted().
		On(llm.RoleClassifier, llmtest.Text(`{"intent": "new_question", "rewritten_query": "today's date", "needs_tool": true}`)).
		On(llm.RolePlanner, llmtest.Text(`{"steps": [], "reasoning": "date is in the prompt"}`)).
		On(llm.RoleFinal, llmtest.Text("Today is October 17."))
	rec := &recorder{}
	s := newTestGraph(model, newToolbox(t, nil), GraphConfig{}).Run(context.Background(), input("what day is it"), rec.emit)

	require.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, []Node{NodeClassify, NodePlan, NodeFinalize}, rec.nodes())
	assert.Equal(t, finalConversationPrompt, model.Calls()[2].System)
	assert.Contains(t, model.Calls()[2].Messages[0].Content, "2026-10-17 18:30", "reference time is rendered in KST")
}

func TestInputFromChainsPreviousOutput(t *testing.T) {
	t.Parallel()

	tb := newToolbox(t, map[string]tools.Handler{
		"web_search": func(context.Context, tools.Input) (string, error) { return "1200*3", nil },
		"calculator": func(_ context.Context, in tools.Input) (string, error) { return "3600", nil },
	})
	model := llmtest.NewScripted().
		On(llm.RoleClassifier, llmtest.Text(searchIntent)).
		On(llm.RolePlanner, llmtest.Text(`{"steps": [
			{"step_id": 1, "tool": "web_search", "input": "price"},
			{"step_id": 2, "tool": "calculator", "input_from": "step_1"}]}`)).
		On(llm.RoleFinal, llmtest.Text("3600"))

	s := newTestGraph(model, tb, GraphConfig{}).Run(context.Background(), input("three of them"), nil)

	require.Equal(t, StatusCompleted, s.Status)
	in := tb.lastInput("calculator")
	assert.True(t, in.FromPreviousStep)
	assert.Equal(t, "1200*3", in.String("expression"))
	assert.Equal(t, "population of Seoul", tb.lastInput("web_search").Context, "search tools get the request as context")
}

func TestInputFromFailedStepFailsTheStep(t *testing.T) {
	t.Parallel()

	tb := newToolbox(t, map[string]tools.Handler{
		"web_search": func(context.Context, tools.Input) (string, error) { return "", errors.New("boom") },
	})
	model := llmtest.NewScripted().
		On(llm.RoleClassifier, llmtest.Text(searchIntent)).
		On(llm.RolePlanner, llmtest.Text(`{"steps": [{"step_id": 1, "tool": "web_search", "input": "x"}]}`)).
		On(llm.RoleReplanner,
			llmtest.Text(`{"steps": [{"tool": "calculator", "input_from": "step_1"}]}`),
			llmtest.Text(`{"patches": [{"action": "remove", "step_id": 2, "reason": "no input"}, {"action": "insert", "new_step": {"tool": "get_weather", "input": "Seoul"}, "reason": "fallback"}]}`),
		).
		On(llm.RoleFinal, llmtest.Text("done"))

	s := newTestGraph(model, tb, GraphConfig{}).Run(context.Background(), input("q"), nil)

	require.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, 2, s.ReplanCount)
	assert.Zero(t, tb.count("calculator"), "a step without usable input never reaches its tool")

	trail := s.Trail.Snapshot()
	require.Len(t, trail, 3)
	assert.Equal(t, "calculator", trail[1].Step.Tool)
	assert.Equal(t, "failure", string(trail[1].Status))
	assert.Contains(t, trail[1].Output, "step_1 has no successful output")
	assert.Equal(t, "get_weather", trail[2].Step.Tool)
	assert.Equal(t, 3, trail[2].Step.ID)
}

func TestReplanPatchReplacesFailedStepAndRewiresReferences(t *testing.T) {
	t.Parallel()

	tb := newToolbox(t, map[string]tools.Handler{
		"web_search":       func(context.Context, tools.Input) (string, error) { return "", errors.New("API rate limit exceeded") },
		"search_wikipedia": func(context.Context, tools.Input) (string, error) { return "2+2", nil },
		"calculator":       func(context.Context, tools.Input) (string, error) { return "4", nil },
	})
	model := llmtest.NewScripted().
		On(llm.RoleClassifier, llmtest.Text(searchIntent)).
		On(llm.RolePlanner, llmtest.Text(`{"steps": [
			{"step_id": 1, "tool": "web_search", "input": "x"},
			{"step_id": 2, "tool": "calculator", "input_from": "step_1"}]}`)).
		On(llm.RoleReplanner, llmtest.Text(`{"patches": [{"action": "replace", "step_id": 1, "new_step": {"step_id": 1, "tool": "search_wikipedia", "input": "x"}, "reason": "rate limited"}]}`)).
		On(llm.RoleFinal, llmtest.Text("4"))

	s := newTestGraph(model, tb, GraphConfig{}).Run(context.Background(), input("q"), nil)

	require.Equal(t, StatusCompleted, s.Status)
	trail := s.Trail.Snapshot()
	require.Len(t, trail, 3)
	assert.Equal(t, []string{"web_search", "search_wikipedia", "calculator"},
		[]string{trail[0].Step.Tool, trail[1].Step.Tool, trail[2].Step.Tool})
	assert.Equal(t, []int{1, 3, 4}, []int{trail[0].Step.ID, trail[1].Step.ID, trail[2].Step.ID})
	assert.Equal(t, "step_3", trail[2].Step.InputFrom)
	assert.Equal(t, "2+2", tb.lastInput("calculator").String("expression"))
}

func TestReplanCannotIntroduceHighRiskTool(t *testing.T) {
	t.Parallel()

	tb := newToolbox(t, map[string]tools.Handler{
		"calculator": func(context.Context, tools.Input) (string, error) { return "", errors.New("unsupported") },
	})
	model := llmtest.NewScripted().
		On(llm.RoleClassifier, llmtest.Text(searchIntent)).
		On(llm.RolePlanner, llmtest.Text(`{"steps": [{"tool": "calculator", "input": "fib(30)"}]}`)).
		On(llm.RoleReplanner, llmtest.Text(`{"steps": [{"tool": "python_repl", "input": "print(1)"}]}`))

	s := newTestGraph(model, tb, GraphConfig{}).Run(context.Background(), input("q"), nil)

	require.Equal(t, StatusHalted, s.Status)
	assert.Equal(t, HaltPolicy, s.Err.Kind)
	assert.Equal(t, ReasonReplanInvalid, s.Err.Reason)
	assert.Zero(t, tb.count("python_repl"))
}

func TestReplanMayReuseHighRiskToolAlreadyRun(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	tb := newToolbox(t, map[string]tools.Handler{
		"python_repl": func(context.Context, tools.Input) (string, error) {
			if runs.Add(1) == 1 {
				return "", errors.New("SyntaxError")
			}
			return "1", nil
		},
	})
	model := llmtest.NewScripted().
		On(llm.RoleClassifier, llmtest.Text(searchIntent)).
		On(llm.RolePlanner, llmtest.Text(`{"steps": [{"tool": "python_repl", "input": "print(1"}]}`)).
		On(llm.RoleReplanner, llmtest.Text(`{"steps": [{"tool": "python_repl", "input": "print(1)"}]}`)).
		On(llm.RoleFinal, llmtest.Text("1"))

	s := newTestGraph(model, tb, GraphConfig{}).Run(context.Background(), input("q"), nil)
	require.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, 2, tb.count("python_repl"))
}

func TestEmptyReplanIsInvalid(t *testing.T) {
	t.Parallel()

	tb := newToolbox(t, map[string]tools.Handler{
		"web_search": func(context.Context, tools.Input) (string, error) { return "", errors.New("boom") },
	})
	model := llmtest.NewScripted().
		On(llm.RoleClassifier, llmtest.Text(searchIntent)).
		On(llm.RolePlanner, llmtest.Text(`{"steps": [{"tool": "web_search", "input": "x"}]}`)).
		On(llm.RoleReplanner, llmtest.Text(`{"patches": [{"action": "remove", "step_id": 1, "reason": "give up"}]}`))

	s := newTestGraph(model, tb, GraphConfig{}).Run(context.Background(), input("q"), nil)

	require.Equal(t, StatusHalted, s.Status)
	assert.Equal(t, ReasonReplanInvalid, s.Err.Reason)
	assert.Equal(t, "execution halted: replan validation failed\n\nexecuted steps:\n  1. web_search [failure]", s.Result)
}

func TestManifestToolMissingFromRegistryFailsStep(t *testing.T) {
	t.Parallel()

	tb := newToolbox(t, nil)
	specs := append(tb.reg.Specs(), tools.Spec{Name: "get_stock", Description: "Stock price", Group: tools.GroupQuery})
	model := llmtest.NewScripted().
		On(llm.RoleClassifier, llmtest.Text(searchIntent)).
		On(llm.RolePlanner, llmtest.Text(`{"steps": [{"tool": "get_stock", "input": "AAPL"}]}`)).
		On(llm.RoleReplanner, llmtest.Text(`{"steps": [{"tool": "web_search", "input": "AAPL price"}]}`)).
		On(llm.RoleFinal, llmtest.Text("n/a"))

	g := NewGraph(model, tb.reg, tools.NewManifest(specs), GraphConfig{}, nil)
	s := g.Run(context.Background(), input("q"), nil)

	require.Equal(t, StatusCompleted, s.Status)
	trail := s.Trail.Snapshot()
	require.Len(t, trail, 2)
	assert.Contains(t, trail[0].Output, "tool is not registered")
}

func TestToolTimeoutIsStepFailure(t *testing.T) {
	t.Parallel()

	tb := newToolbox(t, map[string]tools.Handler{
		"web_search": func(ctx context.Context, _ tools.Input) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})
	model := llmtest.NewScripted().
		On(llm.RoleClassifier, llmtest.Text(searchIntent)).
		On(llm.RolePlanner, llmtest.Text(`{"steps": [{"tool": "web_search", "input": "x"}]}`)).
		On(llm.RoleReplanner, llmtest.Text(`{"steps": [{"tool": "search_wikipedia", "input": "x"}]}`)).
		On(llm.RoleFinal, llmtest.Text("ok"))

	s := newTestGraph(model, tb, GraphConfig{ToolTimeout: 20 * time.Millisecond}).Run(context.Background(), input("q"), nil)

	require.Equal(t, StatusCompleted, s.Status)
	trail := s.Trail.Snapshot()
	require.Len(t, trail, 2)
	assert.Contains(t, trail[0].Output, "timed out")
}

func TestFinalAnswerFailureHalts(t *testing.T) {
	t.Parallel()

	model := llmtest.NewScripted().
		On(llm.RoleClassifier, llmtest.Text(chitchatIntent)).
		On(llm.RoleFinal, llmtest.Fail(errors.New("503")))
	s := newTestGraph(model, newToolbox(t, nil), GraphConfig{}).Run(context.Background(), input("hi"), nil)

	require.Equal(t, StatusHalted, s.Status)
	assert.Equal(t, "execution halted: final answer failed", s.Result)
}

func TestCancellationStopsBeforeNextNode(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sawCanceled atomic.Bool
	tb := newToolbox(t, map[string]tools.Handler{
		"web_search": func(ctx context.Context, _ tools.Input) (string, error) {
			cancel()
			sawCanceled.Store(ctx.Err() != nil)
			return "partial", nil
		},
	})
	model := llmtest.NewScripted().
		On(llm.RoleClassifier, llmtest.Text(searchIntent)).
		On(llm.RolePlanner, llmtest.Text(`{"steps": [{"tool": "web_search", "input": "x"}, {"tool": "calculator", "input": "1+1"}]}`))

	rec := &recorder{}
	s := newTestGraph(model, tb, GraphConfig{}).Run(ctx, input("q"), rec.emit)

	require.Equal(t, StatusCanceled, s.Status)
	assert.Empty(t, s.Result)
	assert.False(t, sawCanceled.Load(), "in-flight tool call is detached from cancellation")
	assert.Equal(t, 1, s.Trail.Len(), "the in-flight step is still recorded")
	assert.Zero(t, tb.count("calculator"))
	assert.Zero(t, model.CallCount(llm.RoleFinal))

	assert.Empty(t, rec.ofType(EventFinalResult))
	errs := rec.ofType(EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeCanceled, errs[0].Code)
}

func TestCanceledBeforeStartRunsNoNode(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	model := llmtest.NewScripted()
	s := newTestGraph(model, newToolbox(t, nil), GraphConfig{}).Run(ctx, input("q"), nil)

	assert.Equal(t, StatusCanceled, s.Status)
	assert.Zero(t, model.CallCount(""))
}

func TestPlannerFirstSkipsClassifier(t *testing.T) {
	t.Parallel()

	tb := newToolbox(t, nil)
	model := llmtest.NewScripted().
		On(llm.RolePlanner, llmtest.Text(`{"steps": [{"tool": "get_weather", "input": "Busan"}]}`)).
		On(llm.RoleFinal, llmtest.Text("sunny"))

	rec := &recorder{}
	s := newTestGraph(model, tb, GraphConfig{PlannerFirst: true}).Run(context.Background(), input("Busan weather"), rec.emit)

	require.Equal(t, StatusCompleted, s.Status)
	assert.Zero(t, model.CallCount(llm.RoleClassifier))
	assert.Equal(t, []Node{NodePlan, NodeExecute, NodeFinalize}, rec.nodes())
	assert.Contains(t, model.Calls()[0].Messages[0].Content, "Request: Busan weather")
}

func TestHaltMessage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "execution halted: llm call failed", HaltMessage(ReasonLLMFailed, nil))
}
