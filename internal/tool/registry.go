package tool

import (
	"sort"
	"sync"
)

// Registry holds every registered tool: builtins, MCP tools, and plugin
// tools. Lookup and listing are safe for concurrent use with registration.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by exact name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the tools visible under the given allow-list, sorted by
// name. The list is the mode's tools map: an explicit false hides the tool,
// a "*" entry sets the default for tools not named, and a nil map allows
// everything.
func (r *Registry) List(allowed map[string]bool) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for name, t := range r.tools {
		if toolAllowed(allowed, name) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func toolAllowed(allowed map[string]bool, name string) bool {
	if allowed == nil {
		return true
	}
	if v, ok := allowed[name]; ok {
		return v
	}
	if v, ok := allowed["*"]; ok {
		return v
	}
	return true
}
