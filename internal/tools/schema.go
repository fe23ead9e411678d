package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Normalize converts a raw step payload into named arguments according to the
// tool's parameter list. A bare string is bound to the first required
// parameter (or the first parameter when none is required). An object is
// checked key by key: unknown keys are ignored, missing optional keys take
// their defaults, and a missing required key is an error. Tools with no
// parameters accept any payload and receive no arguments.
func Normalize(spec Spec, raw json.RawMessage) (map[string]any, error) {
	args := make(map[string]any, len(spec.Params))
	if len(spec.Params) == 0 {
		return args, nil
	}

	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		args[primaryParam(spec).Name] = s
	case raw[0] == '{':
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		for _, p := range spec.Params {
			v, ok := obj[p.Name]
			if !ok || v == nil {
				continue
			}
			cv, err := coerce(p, v)
			if err != nil {
				return nil, err
			}
			args[p.Name] = cv
		}
	default:
		return nil, fmt.Errorf("%w: %s expects a string or object", ErrInvalidInput, spec.Name)
	}

	for _, p := range spec.Params {
		if _, ok := args[p.Name]; ok {
			continue
		}
		if p.Required {
			return nil, fmt.Errorf("%w: %s.%s", ErrMissingParam, spec.Name, p.Name)
		}
		if p.Default != nil {
			args[p.Name] = p.Default
		}
	}
	return args, nil
}

// FromText builds arguments from plain text, as used when a step's input
// comes from another step's output.
func FromText(spec Spec, text string) (map[string]any, error) {
	raw, err := json.Marshal(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return Normalize(spec, raw)
}

func primaryParam(spec Spec) Param {
	for _, p := range spec.Params {
		if p.Required {
			return p
		}
	}
	return spec.Params[0]
}

func coerce(p Param, v any) (any, error) {
	switch p.Type {
	case "", "string":
		switch t := v.(type) {
		case string:
			return t, nil
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64), nil
		case bool:
			return strconv.FormatBool(t), nil
		}
	case "integer":
		switch t := v.(type) {
		case float64:
			if t == float64(int(t)) {
				return int(t), nil
			}
		case string:
			if n, err := strconv.Atoi(t); err == nil {
				return n, nil
			}
		}
	case "number":
		switch t := v.(type) {
		case float64:
			return t, nil
		case string:
			if f, err := strconv.ParseFloat(t, 64); err == nil {
				return f, nil
			}
		}
	case "boolean":
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			if b, err := strconv.ParseBool(t); err == nil {
				return b, nil
			}
		}
	default:
		return v, nil
	}
	return nil, fmt.Errorf("%w: %s must be %s", ErrInvalidInput, p.Name, p.Type)
}
