package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/pte-agent/internal/llm"
	"github.com/ashureev/pte-agent/internal/metrics"
	"github.com/ashureev/pte-agent/internal/plan"
	"github.com/ashureev/pte-agent/internal/tools"
)

// request builds a single-message LLM request.
func (t *turn) request(role, model, system, user string, temperature float32, structured bool) llm.Request {
	return llm.Request{
		Role:        role,
		Model:       model,
		Temperature: temperature,
		System:      system,
		Messages:    []llm.Message{{Role: llm.MessageUser, Content: user}},
		JSON:        structured && t.cfg.JSONMode,
	}
}

// llmHalt converts a failed structured call into a halt. Provider and
// transport failures are upstream; anything that did not decode is a parse
// failure and carries parseReason.
func llmHalt(node Node, err error, parseReason string) *HaltError {
	if errors.Is(err, llm.ErrCallFailed) && llm.KindOf(err) != llm.KindMalformed {
		return &HaltError{Kind: HaltUpstream, Node: node, Reason: ReasonLLMFailed, Err: err}
	}
	return &HaltError{Kind: HaltParse, Node: node, Reason: parseReason, Err: err}
}

func (t *turn) classify(ctx context.Context) string {
	s := t.s
	req := t.request(llm.RoleClassifier, t.cfg.ClassifierModel, classifierPrompt, classifierMessage(s), 0, true)

	callCtx, cancel := callContext(ctx, t.cfg.LLMTimeout)
	intent, raw, err := llm.Generate(callCtx, t.model, req, plan.DecodeIntent)
	cancel()
	if err != nil {
		h := llmHalt(NodeClassify, err, ReasonIntentFailed)
		// Every classifier failure surfaces with the same reason.
		h.Reason = ReasonIntentFailed
		s.halt(h)
		t.logger.Warn("Intent classification failed", "kind", h.Kind, "error", err, "raw", preview(raw, 200))
		return h.Reason
	}

	s.Intent = intent.Intent
	s.RewrittenQuery = intent.RewrittenQuery
	s.NeedsTool = intent.NeedsTool
	t.logger.Debug("Intent classified", "intent", s.Intent, "needs_tool", s.NeedsTool, "rewritten_query", s.RewrittenQuery)
	return fmt.Sprintf("intent=%s needs_tool=%t", s.Intent, s.NeedsTool)
}

func (t *turn) plan(ctx context.Context) string {
	s := t.s
	req := t.request(llm.RolePlanner, t.cfg.PlannerModel, plannerPrompt, plannerMessage(s, t.manifest.Text()), 0, true)

	callCtx, cancel := callContext(ctx, t.cfg.LLMTimeout)
	p, raw, err := llm.Generate(callCtx, t.model, req, plan.DecodePlan)
	cancel()
	if err != nil {
		h := llmHalt(NodePlan, err, ReasonPlanInvalid)
		s.halt(h)
		t.logger.Warn("Planning failed", "kind", h.Kind, "error", err, "raw", preview(raw, 200))
		return h.Reason
	}

	if h := t.checkManifest(NodePlan, p.Steps); h != nil {
		s.halt(h)
		t.logger.Warn("Plan rejected", "reason", h.Reason)
		return h.Reason
	}

	steps, nextID, err := plan.Admission{
		Allowed: t.manifest.Has,
		NextID:  s.NextStepID,
		History: s.Trail.Snapshot(),
	}.Admit(p.Steps)
	if err != nil {
		h := &HaltError{Kind: HaltParse, Node: NodePlan, Reason: ReasonPlanInvalid, Err: err}
		s.halt(h)
		t.logger.Warn("Plan rejected", "error", err)
		return h.Reason
	}

	s.Plan = steps
	s.NextStepID = nextID
	t.logger.Debug("Plan admitted", "steps", len(steps), "reasoning", p.Reasoning)
	if len(steps) == 0 {
		return "empty plan"
	}
	return fmt.Sprintf("%d step(s): %s", len(steps), toolList(steps))
}

// checkManifest rejects the first step whose tool is not in the manifest.
func (t *turn) checkManifest(node Node, steps []plan.Step) *HaltError {
	for _, st := range steps {
		if !t.manifest.Has(st.Tool) {
			return &HaltError{
				Kind:   HaltPolicy,
				Node:   node,
				Reason: ToolNotAllowedReason(st.Tool),
				Err:    fmt.Errorf("%w: %q", plan.ErrToolNotAllowed, st.Tool),
			}
		}
	}
	return nil
}

func (t *turn) execute(ctx context.Context) string {
	s := t.s
	if len(s.Plan) == 0 {
		return "nothing to execute"
	}
	step := s.Plan[0]
	s.Plan = s.Plan[1:]

	started := time.Now()
	out, err := t.invoke(ctx, step)
	rec := plan.PastStep{
		Step:       step,
		Status:     plan.StatusSuccess,
		Output:     out,
		StartedAt:  started,
		DurationMS: time.Since(started).Milliseconds(),
	}
	if err != nil {
		rec.Status = plan.StatusFailure
		rec.Output = err.Error()
		t.logger.Info("Step failed", "step_id", step.ID, "tool", step.Tool, "error", err)
	} else {
		t.logger.Debug("Step succeeded", "step_id", step.ID, "tool", step.Tool, "output_len", len(out))
	}
	s.Trail.Append(rec)

	t.emit.emit(Event{
		Type:    EventStepCompleted,
		StepID:  step.ID,
		Tool:    step.Tool,
		Status:  string(rec.Status),
		Preview: preview(rec.Output, previewLength),
	})
	return fmt.Sprintf("step %d %s: %s", step.ID, step.Tool, rec.Status)
}

// invoke resolves the step's input and runs its tool under the tool timeout.
func (t *turn) invoke(ctx context.Context, step plan.Step) (string, error) {
	call := tools.Call{Tool: step.Tool, Payload: step.Input, Context: t.s.Query()}
	if step.InputFrom != "" {
		ref, err := plan.ParseRef(step.InputFrom)
		if err != nil {
			return "", err
		}
		prev, ok := t.s.Trail.OutputOf(ref)
		if !ok {
			return "", fmt.Errorf("%s has no successful output", step.InputFrom)
		}
		call.Chained = &prev
	}
	if t.tools == nil {
		return "", fmt.Errorf("%w: %q", tools.ErrToolUnregistered, step.Tool)
	}

	callCtx, cancel := callContext(ctx, t.cfg.ToolTimeout)
	defer cancel()
	out, err := t.tools.Execute(callCtx, call)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return "", fmt.Errorf("tool %s timed out after %s", step.Tool, t.cfg.ToolTimeout)
	}
	return out, err
}

func (t *turn) replan(ctx context.Context) string {
	s := t.s
	if s.ReplanCount >= t.cfg.ReplanCeiling {
		h := &HaltError{Kind: HaltCeiling, Node: NodeReplan, Reason: CeilingReason(t.cfg.ReplanCeiling)}
		s.halt(h)
		return h.Reason
	}

	req := t.request(llm.RoleReplanner, t.cfg.ReplannerModel, replannerPrompt, replannerMessage(s, t.manifest.Text()), 0, true)
	callCtx, cancel := callContext(ctx, t.cfg.LLMTimeout)
	rp, raw, err := llm.Generate(callCtx, t.model, req, plan.DecodeReplan)
	cancel()
	if err != nil {
		h := llmHalt(NodeReplan, err, ReasonReplanInvalid)
		s.halt(h)
		t.logger.Warn("Replanning failed", "kind", h.Kind, "error", err, "raw", preview(raw, 200))
		return h.Reason
	}

	history := s.Trail.Snapshot()
	steps := rp.Steps
	if len(rp.Patches) > 0 {
		var failed *plan.Step
		if last, ok := s.Trail.Last(); ok && last.Status == plan.StatusFailure {
			failed = &last.Step
		}
		steps, err = plan.ApplyPatches(failed, s.Plan, rp.Patches)
		if err != nil {
			return t.rejectReplan(HaltParse, err)
		}
	}
	if len(steps) == 0 {
		return t.rejectReplan(HaltParse, fmt.Errorf("%w: replan produced no steps", plan.ErrInvalid))
	}
	if h := t.checkManifest(NodeReplan, steps); h != nil {
		s.halt(h)
		t.logger.Warn("Replan rejected", "reason", h.Reason)
		return h.Reason
	}
	if err := plan.CheckReplanRisk(steps, history, t.manifest.IsHighRisk); err != nil {
		return t.rejectReplan(HaltPolicy, err)
	}

	admitted, nextID, err := plan.Admission{
		Allowed: t.manifest.Has,
		NextID:  s.NextStepID,
		History: history,
	}.Admit(steps)
	if err != nil {
		return t.rejectReplan(HaltParse, err)
	}

	s.Plan = admitted
	s.NextStepID = nextID
	s.ReplanCount++
	metrics.ReplansTotal.Inc()
	t.logger.Info("Plan repaired", "replan_count", s.ReplanCount, "steps", len(admitted), "patched", len(rp.Patches) > 0, "analysis", rp.Analysis)
	return fmt.Sprintf("replan %d: %s", s.ReplanCount, toolList(admitted))
}

func (t *turn) rejectReplan(kind HaltKind, err error) string {
	h := &HaltError{Kind: kind, Node: NodeReplan, Reason: ReasonReplanInvalid, Err: err}
	t.s.halt(h)
	t.logger.Warn("Replan rejected", "kind", kind, "error", err)
	return h.Reason
}

func (t *turn) finalize(ctx context.Context) string {
	s := t.s
	trail := s.Trail.Snapshot()
	system := finalResultsPrompt
	if len(trail) == 0 {
		system = finalConversationPrompt
	}
	req := t.request(llm.RoleFinal, t.cfg.FinalModel, system, finalMessage(s, trail), t.cfg.FinalTemperature, false)

	callCtx, cancel := callContext(ctx, t.cfg.LLMTimeout)
	answer, _, err := llm.Generate(callCtx, t.model, req, func(text string) (string, error) {
		text = strings.TrimSpace(text)
		if text == "" {
			return "", llm.Malformed(llm.RoleFinal, errors.New("empty answer"))
		}
		return text, nil
	})
	cancel()
	if err != nil {
		kind := HaltUpstream
		if llm.KindOf(err) == llm.KindMalformed {
			kind = HaltParse
		}
		h := &HaltError{Kind: kind, Node: NodeFinalize, Reason: ReasonFinalAnswerFailed, Err: err}
		s.halt(h)
		t.logger.Warn("Final answer failed", "error", err)
		return h.Reason
	}

	s.Result = answer
	if len(trail) == 0 {
		return "conversation answer"
	}
	return fmt.Sprintf("answer from %d step(s)", len(trail))
}

// fail renders the fixed halt message. It never calls an LLM or a tool.
func (t *turn) fail() string {
	s := t.s
	if s.Err == nil {
		s.halt(&HaltError{Kind: HaltParse, Node: NodeError, Reason: "unknown error"})
	}
	s.Result = HaltMessage(s.Err.Reason, s.Trail.Snapshot())
	s.Status = StatusHalted
	return s.Err.Reason
}

// HaltMessage renders the user-facing message of a halted turn.
func HaltMessage(reason string, trail []plan.PastStep) string {
	var b strings.Builder
	b.WriteString("execution halted: ")
	b.WriteString(reason)
	if len(trail) > 0 {
		b.WriteString("\n\nexecuted steps:")
		for i, p := range trail {
			fmt.Fprintf(&b, "\n  %d. %s [%s]", i+1, p.Step.Tool, p.Status)
		}
	}
	return b.String()
}

func toolList(steps []plan.Step) string {
	names := make([]string, len(steps))
	for i, st := range steps {
		names[i] = st.Tool
	}
	return strings.Join(names, ", ")
}
