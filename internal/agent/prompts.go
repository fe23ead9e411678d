package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/pte-agent/internal/plan"
)

const classifierPrompt = `You classify the intent of a user's message for an assistant that can call tools.

Intents:
- new_question: a question on a new topic
- follow_up: continues the previous exchange ("anything else?", "more", "in detail")
- clarification: asks to explain the previous answer again
- chitchat: greetings, thanks, small talk

Rewrite the message into a self-contained query. Carry forward every constraint
from the conversation that still applies (place, budget, preferences, subject).
Add the current year or month only when the answer depends on recency.
For chitchat the rewritten query may be empty.

Decide needs_tool: true when answering requires looking something up, computing,
or reading the current time beyond what is given below.

Reply with one JSON object and nothing else:
{"intent": "new_question|follow_up|clarification|chitchat", "rewritten_query": "...", "needs_tool": true, "reasoning": "one line"}`

const plannerPrompt = `You are a planner. Turn the request into an ordered list of tool calls.
You never call tools yourself and never answer the question.

Rules:
1. Use only the tools listed below.
2. Each step calls exactly one tool.
3. Number steps with step_id starting at 1.
4. Return an empty steps list when no tool is needed (for example a date
   question answerable from the current time).
5. To feed a previous step's output into a step, set "input_from": "step_N".
   Search tools refine their query from the user's request, so pass raw values.

Input forms: "input": null for no input, a string for the main parameter, or an
object with named parameters.

Reply with one JSON object and nothing else:
{"steps": [{"step_id": 1, "tool": "name", "input": "value", "task": "short description"}], "reasoning": "why"}`

const replannerPrompt = `You repair an execution plan after a step failed.

Rules:
1. Find the cause of the failure in the execution history.
2. Propose an alternative using only the tools listed below.
3. High-risk tools may only be used if they already ran in this turn.
4. You may reuse outputs of successful steps with "input_from": "step_N".
5. Never return an empty plan.

Reply with one JSON object and nothing else, in exactly one of these forms:
{"steps": [...], "analysis": "cause", "reasoning": "why"}   replaces the remaining plan
{"patches": [{"action": "replace|insert|remove", "step_id": N, "new_step": {...}, "reason": "..."}], "analysis": "cause"}
Patches address the failed step and the remaining plan by step_id. insert places
the new step before step_id, or at the end when step_id is omitted.`

const finalResultsPrompt = `You write the final answer from tool results.

Rules:
1. Answer from the execution results below.
2. If the system's interpretation differs from the user's words, say briefly what you understood.
3. Be honest when results are missing or a step failed.
4. Do not plan or call tools.
5. Be concise and answer in the language of the user.`

const finalConversationPrompt = `You are a friendly assistant.
If the user gives an instruction with content (translate, summarize, explain), do it.
If the user only pastes content, point out what it is and its key points, then offer next steps.
Otherwise answer naturally. Answer in the language of the user.`

// kst is the reference time zone for prompts.
var kst = mustLoadLocation("Asia/Seoul")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}

func formatNow(t time.Time) string {
	return t.In(kst).Format("2006-01-02 15:04 (Monday) KST")
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

func classifierMessage(s *State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current time: %s\n\n", formatNow(s.Input.Now))
	fmt.Fprintf(&b, "Conversation so far:\n%s\n\n", orNone(s.Input.History))
	if s.Input.PrevRewrittenQuery != "" {
		fmt.Fprintf(&b, "Previous interpreted query: %s\n\n", s.Input.PrevRewrittenQuery)
	}
	fmt.Fprintf(&b, "User message: %s", s.Input.Message)
	return b.String()
}

func plannerMessage(s *State, manifest string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current time: %s\n\n", formatNow(s.Input.Now))
	if s.Intent != "" {
		fmt.Fprintf(&b, "Intent: %s\n", s.Intent)
	}
	fmt.Fprintf(&b, "Request: %s\n", s.Query())
	if s.RewrittenQuery != "" && s.RewrittenQuery != s.Input.Message {
		fmt.Fprintf(&b, "Original wording: %s\n", s.Input.Message)
	}
	fmt.Fprintf(&b, "\nConversation so far:\n%s\n\n", orNone(s.Input.History))
	fmt.Fprintf(&b, "Available tools:\n%s", manifest)
	return b.String()
}

func replannerMessage(s *State, manifest string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current time: %s\n\n", formatNow(s.Input.Now))
	fmt.Fprintf(&b, "Original request: %s\n\n", s.Input.Message)
	b.WriteString("Execution history:\n")
	for _, p := range s.Trail.Snapshot() {
		fmt.Fprintf(&b, "- step_id %d [%s] %s(%s): %s\n", p.Step.ID, p.Status, p.Step.Tool, p.Step.InputText(), preview(p.Output, 200))
	}
	b.WriteString("\nRemaining plan:\n")
	if len(s.Plan) == 0 {
		b.WriteString("(none)\n")
	}
	for _, st := range s.Plan {
		fmt.Fprintf(&b, "- step_id %d %s(%s)", st.ID, st.Tool, st.InputText())
		if st.InputFrom != "" {
			fmt.Fprintf(&b, " input_from %s", st.InputFrom)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nAvailable tools:\n%s", manifest)
	return b.String()
}

func finalMessage(s *State, trail []plan.PastStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current time: %s\n\n", formatNow(s.Input.Now))
	fmt.Fprintf(&b, "Conversation so far:\n%s\n\n", orNone(s.Input.History))
	fmt.Fprintf(&b, "User message: %s\n", s.Input.Message)
	if len(trail) == 0 {
		return b.String()
	}
	fmt.Fprintf(&b, "Interpreted as: %s\n\nExecution results:\n", s.Query())
	for i, p := range trail {
		title := p.Step.Task
		if title == "" {
			title = p.Step.Tool
		}
		fmt.Fprintf(&b, "### Step %d: %s\n- status: %s\n- result: %s\n\n", i+1, title, p.Status, p.Output)
	}
	return b.String()
}

// preview shortens s to at most n runes.
func preview(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
