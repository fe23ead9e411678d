package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Schema names used in parse errors.
const (
	SchemaIntent = "intent"
	SchemaPlan   = "plan"
	SchemaReplan = "replan"
)

var (
	// ErrMalformed is returned when structured output is not the expected JSON document.
	ErrMalformed = errors.New("malformed structured output")
	// ErrInvalid is returned when structured output fails schema validation.
	ErrInvalid = errors.New("schema validation failed")
)

// ParseError tags a structured-output failure with the schema that rejected it.
type ParseError struct {
	Schema string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Schema, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var (
	validate      *validator.Validate
	fencePrefix   = regexp.MustCompile("^```(?:json|JSON)?\\s*\\n?")
	fenceSuffix   = regexp.MustCompile("\\n?```\\s*$")
	stepRefRegexp = regexp.MustCompile(`^step_[1-9][0-9]*$`)
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	if err := validate.RegisterValidation("stepref", func(fl validator.FieldLevel) bool {
		return stepRefRegexp.MatchString(fl.Field().String())
	}); err != nil {
		panic("plan: register stepref validation: " + err.Error())
	}
}

type wireStep struct {
	StepID    *int            `json:"step_id" validate:"omitempty,gte=1"`
	Tool      string          `json:"tool" validate:"required"`
	Input     json.RawMessage `json:"input"`
	Query     *string         `json:"query"`
	InputFrom string          `json:"input_from" validate:"omitempty,stepref"`
	Task      string          `json:"task"`
}

type wirePlan struct {
	Steps     []wireStep `json:"steps" validate:"required,dive"`
	Reasoning string     `json:"reasoning"`
}

type wireIntent struct {
	Intent         string `json:"intent" validate:"required,oneof=new_question follow_up clarification chitchat"`
	RewrittenQuery string `json:"rewritten_query"`
	NeedsTool      *bool  `json:"needs_tool" validate:"required"`
	Reasoning      string `json:"reasoning"`
}

type wirePatch struct {
	Action  string    `json:"action" validate:"required,oneof=replace insert remove"`
	StepID  *int      `json:"step_id" validate:"omitempty,gte=1"`
	NewStep *wireStep `json:"new_step"`
	Reason  string    `json:"reason"`
}

type wireReplan struct {
	Steps     []wireStep  `json:"steps" validate:"omitempty,dive"`
	NewPlan   *wirePlan   `json:"new_plan"`
	Patches   []wirePatch `json:"patches" validate:"omitempty,dive"`
	Reasoning string      `json:"reasoning"`
	Analysis  string      `json:"analysis"`
}

// StripFences removes a surrounding markdown code fence, if any.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = fencePrefix.ReplaceAllString(text, "")
	text = fenceSuffix.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// decodeStrict decodes exactly one JSON document, rejecting unknown fields
// and trailing data.
func decodeStrict(text string, v any) error {
	dec := json.NewDecoder(strings.NewReader(StripFences(text)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after JSON document", ErrMalformed)
	}
	return nil
}

func validateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// DecodeIntent parses classifier output.
func DecodeIntent(text string) (Intent, error) {
	var w wireIntent
	if err := decodeStrict(text, &w); err != nil {
		return Intent{}, &ParseError{Schema: SchemaIntent, Err: err}
	}
	if err := validateStruct(&w); err != nil {
		return Intent{}, &ParseError{Schema: SchemaIntent, Err: err}
	}
	return Intent{
		Intent:         w.Intent,
		RewrittenQuery: strings.TrimSpace(w.RewrittenQuery),
		NeedsTool:      *w.NeedsTool,
		Reasoning:      w.Reasoning,
	}, nil
}

// DecodePlan parses planner output. Step ids in the result are the ids the
// model proposed (zero when absent); Admit assigns the authoritative ones.
func DecodePlan(text string) (Plan, error) {
	var w wirePlan
	if err := decodeStrict(text, &w); err != nil {
		return Plan{}, &ParseError{Schema: SchemaPlan, Err: err}
	}
	if err := validateStruct(&w); err != nil {
		return Plan{}, &ParseError{Schema: SchemaPlan, Err: err}
	}
	steps, err := convertSteps(w.Steps)
	if err != nil {
		return Plan{}, &ParseError{Schema: SchemaPlan, Err: err}
	}
	return Plan{Steps: steps, Reasoning: w.Reasoning}, nil
}

// DecodeReplan parses re-planner output. The full-replacement form may be
// given as "steps" or as "new_plan"; patches are the alternative.
func DecodeReplan(text string) (Replan, error) {
	var w wireReplan
	if err := decodeStrict(text, &w); err != nil {
		return Replan{}, &ParseError{Schema: SchemaReplan, Err: err}
	}
	if err := validateStruct(&w); err != nil {
		return Replan{}, &ParseError{Schema: SchemaReplan, Err: err}
	}

	forms := 0
	if w.Steps != nil {
		forms++
	}
	if w.NewPlan != nil {
		forms++
	}
	if w.Patches != nil {
		forms++
	}
	if forms != 1 {
		return Replan{}, &ParseError{
			Schema: SchemaReplan,
			Err:    fmt.Errorf("%w: exactly one of steps, new_plan or patches is required", ErrInvalid),
		}
	}

	out := Replan{Reasoning: w.Reasoning, Analysis: w.Analysis}
	switch {
	case w.NewPlan != nil:
		if err := validateStruct(w.NewPlan); err != nil {
			return Replan{}, &ParseError{Schema: SchemaReplan, Err: err}
		}
		steps, err := convertSteps(w.NewPlan.Steps)
		if err != nil {
			return Replan{}, &ParseError{Schema: SchemaReplan, Err: err}
		}
		out.Steps = steps
		if out.Reasoning == "" {
			out.Reasoning = w.NewPlan.Reasoning
		}
	case w.Steps != nil:
		steps, err := convertSteps(w.Steps)
		if err != nil {
			return Replan{}, &ParseError{Schema: SchemaReplan, Err: err}
		}
		out.Steps = steps
	default:
		patches, err := convertPatches(w.Patches)
		if err != nil {
			return Replan{}, &ParseError{Schema: SchemaReplan, Err: err}
		}
		out.Patches = patches
	}

	if len(out.Steps) == 0 && len(out.Patches) == 0 {
		return Replan{}, &ParseError{
			Schema: SchemaReplan,
			Err:    fmt.Errorf("%w: replan contains no steps", ErrInvalid),
		}
	}
	return out, nil
}

func convertSteps(in []wireStep) ([]Step, error) {
	steps := make([]Step, 0, len(in))
	for i := range in {
		s, err := convertStep(&in[i])
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func convertStep(w *wireStep) (Step, error) {
	s := Step{
		Tool:      strings.TrimSpace(w.Tool),
		InputFrom: w.InputFrom,
		Task:      w.Task,
	}
	if w.StepID != nil {
		s.ID = *w.StepID
	}

	input := bytes.TrimSpace(w.Input)
	if isEmptyInput(input) && w.Query != nil && *w.Query != "" {
		q, err := json.Marshal(*w.Query)
		if err != nil {
			return Step{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		input = q
	}
	if len(input) > 0 && !bytes.Equal(input, []byte("null")) {
		switch input[0] {
		case '"', '{':
		default:
			return Step{}, fmt.Errorf("%w: input must be a string, an object or null", ErrInvalid)
		}
		s.Input = append(json.RawMessage(nil), input...)
	}
	return s, nil
}

func isEmptyInput(raw []byte) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte(`""`))
}

func convertPatches(in []wirePatch) ([]Patch, error) {
	patches := make([]Patch, 0, len(in))
	for i, w := range in {
		p := Patch{Action: PatchAction(w.Action), Reason: w.Reason}
		if w.StepID != nil {
			p.StepID = *w.StepID
		}
		if w.NewStep != nil {
			if err := validateStruct(w.NewStep); err != nil {
				return nil, fmt.Errorf("patch %d: %w", i+1, err)
			}
			s, err := convertStep(w.NewStep)
			if err != nil {
				return nil, fmt.Errorf("patch %d: %w", i+1, err)
			}
			p.NewStep = &s
		}
		switch p.Action {
		case PatchReplace:
			if p.StepID == 0 || p.NewStep == nil {
				return nil, fmt.Errorf("patch %d: %w: replace needs step_id and new_step", i+1, ErrInvalid)
			}
		case PatchInsert:
			if p.NewStep == nil {
				return nil, fmt.Errorf("patch %d: %w: insert needs new_step", i+1, ErrInvalid)
			}
		case PatchRemove:
			if p.StepID == 0 {
				return nil, fmt.Errorf("patch %d: %w: remove needs step_id", i+1, ErrInvalid)
			}
		}
		patches = append(patches, p)
	}
	return patches, nil
}
