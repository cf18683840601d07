package pipeline

import (
	"fmt"

	"github.com/gobwas/glob"

	"tributary/cdc"
)

// NamespaceFilter selects which source namespaces are captured, using
// glob patterns. A pattern matches either the bare collection name or
// the full "database.collection" form. No patterns means capture all.
type NamespaceFilter struct {
	globs []glob.Glob
}

// NewNamespaceFilter compiles the given patterns.
func NewNamespaceFilter(patterns []string) (*NamespaceFilter, error) {
	f := &NamespaceFilter{globs: make([]glob.Glob, 0, len(patterns))}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid namespace pattern %q: %w", pattern, err)
		}
		f.globs = append(f.globs, g)
	}
	return f, nil
}

// Match returns true if events from the namespace should be captured.
func (f *NamespaceFilter) Match(ns cdc.Namespace) bool {
	if len(f.globs) == 0 {
		return true
	}
	full := ns.String()
	for _, g := range f.globs {
		if g.Match(ns.Collection) || g.Match(full) {
			return true
		}
	}
	return false
}
