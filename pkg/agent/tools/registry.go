package tools

import (
	"fmt"
	"sort"

	"github.com/loomhq/loom/pkg/llm"
)

// Registry is the read-only tool capability manifest shared by all sessions.
// It is populated at construction and never mutated afterwards, so concurrent
// readers need no locking.
type Registry struct {
	byName map[string]Tool
	names  []string
}

// NewRegistry builds a registry from the given tools. Duplicate names are an
// error: tool identity is the dispatch key.
func NewRegistry(toolList ...Tool) (*Registry, error) {
	r := &Registry{byName: make(map[string]Tool, len(toolList))}
	for _, t := range toolList {
		name := t.Name()
		if name == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		if _, exists := r.byName[name]; exists {
			return nil, fmt.Errorf("duplicate tool name %q", name)
		}
		r.byName[name] = t
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	return r.names
}

// Manifest returns the tool specs sent with every completion request.
func (r *Registry) Manifest() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.names))
	for _, name := range r.names {
		t := r.byName[name]
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return specs
}
