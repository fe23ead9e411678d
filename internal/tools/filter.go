package tools

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Filter is an allow-list of tool name patterns. An empty filter allows everything.
type Filter struct {
	patterns []glob.Glob
}

// NewFilter compiles comma- or space-separated glob patterns such as "search_*,calculator".
func NewFilter(spec string) (*Filter, error) {
	f := &Filter{}
	fields := strings.FieldsFunc(spec, func(r rune) bool { return r == ',' || r == ' ' })
	for _, p := range fields {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("tool pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, g)
	}
	return f, nil
}

// Allows reports whether name matches any pattern.
func (f *Filter) Allows(name string) bool {
	if f == nil || len(f.patterns) == 0 {
		return true
	}
	for _, g := range f.patterns {
		if g.Match(name) {
			return true
		}
	}
	return false
}
