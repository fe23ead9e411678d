package tools

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed definitions.yaml
var definitionsYAML []byte

type catalogFile struct {
	Tools []Spec `yaml:"tools"`
}

var (
	catalogOnce sync.Once
	catalog     map[string]Spec
	catalogErr  error
)

// ParseCatalog decodes tool definitions from YAML.
func ParseCatalog(data []byte) (map[string]Spec, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tool definitions: %w", err)
	}
	out := make(map[string]Spec, len(f.Tools))
	for i, s := range f.Tools {
		if s.Name == "" {
			return nil, fmt.Errorf("tool definition %d: %w", i, ErrToolNameEmpty)
		}
		if _, dup := out[s.Name]; dup {
			return nil, fmt.Errorf("tool definition %q: %w", s.Name, ErrDuplicateTool)
		}
		switch s.Risk {
		case "":
			s.Risk = RiskLow
		case RiskLow, RiskMedium, RiskHigh:
		default:
			return nil, fmt.Errorf("tool definition %q: unknown risk %q", s.Name, s.Risk)
		}
		out[s.Name] = s
	}
	return out, nil
}

// Builtin returns the embedded spec for a builtin tool.
func Builtin(name string) (Spec, error) {
	catalogOnce.Do(func() {
		catalog, catalogErr = ParseCatalog(definitionsYAML)
	})
	if catalogErr != nil {
		return Spec{}, catalogErr
	}
	s, ok := catalog[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w: no definition for %q", ErrToolUnregistered, name)
	}
	s.Params = append([]Param(nil), s.Params...)
	return s, nil
}

// MustBuiltin is Builtin for package-level tool construction.
func MustBuiltin(name string) Spec {
	s, err := Builtin(name)
	if err != nil {
		panic(err)
	}
	return s
}
