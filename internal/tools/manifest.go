package tools

import (
	"fmt"
	"sort"
	"strings"
)

// Manifest is the static, read-only view of the registered tools that the
// planner and re-planner see. It never exposes implementations.
type Manifest struct {
	specs  []Spec
	byName map[string]Spec
	text   string
}

// NewManifest builds a manifest from specs.
func NewManifest(specs []Spec) *Manifest {
	m := &Manifest{
		specs:  append([]Spec(nil), specs...),
		byName: make(map[string]Spec, len(specs)),
	}
	for _, s := range specs {
		m.byName[s.Name] = s
	}
	m.text = render(m.specs)
	return m
}

// Has reports manifest membership.
func (m *Manifest) Has(name string) bool {
	_, ok := m.byName[name]
	return ok
}

// Risk returns the tool's risk level. Unknown tools are treated as high risk.
func (m *Manifest) Risk(name string) Risk {
	s, ok := m.byName[name]
	switch {
	case !ok:
		return RiskHigh
	case s.Risk == "":
		return RiskLow
	default:
		return s.Risk
	}
}

// IsHighRisk reports whether the tool requires prior vetting before a replan may add it.
func (m *Manifest) IsHighRisk(name string) bool {
	return m.Risk(name) == RiskHigh
}

// Specs returns a copy of the manifest entries.
func (m *Manifest) Specs() []Spec {
	return append([]Spec(nil), m.specs...)
}

// Names returns the tool names in manifest order.
func (m *Manifest) Names() []string {
	out := make([]string, len(m.specs))
	for i, s := range m.specs {
		out[i] = s.Name
	}
	return out
}

// Len returns the number of tools.
func (m *Manifest) Len() int { return len(m.specs) }

// Text returns the prompt rendering of the manifest.
func (m *Manifest) Text() string { return m.text }

func render(specs []Spec) string {
	grouped := make(map[Group][]Spec)
	var extra []Group
	for _, s := range specs {
		g := s.Group
		if g == "" {
			g = GroupCompute
		}
		if _, seen := grouped[g]; !seen && !knownGroup(g) {
			extra = append(extra, g)
		}
		grouped[g] = append(grouped[g], s)
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })

	var b strings.Builder
	for _, g := range append(append([]Group(nil), groupOrder...), extra...) {
		list := grouped[g]
		if len(list) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "## %s tools\n", g)
		for _, s := range list {
			fmt.Fprintf(&b, "- %s", s.Name)
			if s.Risk == RiskHigh || s.Risk == RiskMedium {
				fmt.Fprintf(&b, " [risk: %s]", s.Risk)
			}
			fmt.Fprintf(&b, ": %s\n", strings.TrimSpace(s.Description))
			for _, p := range s.Params {
				req := "optional"
				if p.Required {
					req = "required"
				}
				fmt.Fprintf(&b, "    - %s (%s, %s", p.Name, paramType(p), req)
				if p.Default != nil {
					fmt.Fprintf(&b, ", default %v", p.Default)
				}
				fmt.Fprintf(&b, "): %s\n", p.Description)
			}
		}
	}
	return b.String()
}

func paramType(p Param) string {
	if p.Type == "" {
		return "string"
	}
	return p.Type
}

func knownGroup(g Group) bool {
	for _, k := range groupOrder {
		if k == g {
			return true
		}
	}
	return false
}
