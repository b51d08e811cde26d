package tools

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is a named collection of tools. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Register adds a tool. Panics on a duplicate name; duplicates are always a
// programming error.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; exists {
		panic(fmt.Sprintf("tools: duplicate registration of %q", name))
	}
	r.tools[name] = t
}

// RegisterOrReplace adds a tool, replacing any existing tool with the name.
func (r *Registry) RegisterOrReplace(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Remove deletes a tool by name. Removing an absent name is a no-op.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the tool with the given name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// All returns every registered tool, sorted by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]Tool, 0, len(names))
	for _, n := range names {
		out = append(out, r.tools[n])
	}
	return out
}

// Active returns the tool set after filtering: registered tools minus those
// named in disabled. The result is a snapshot; later registry mutations do
// not affect it.
func (r *Registry) Active(disabled []string) []Tool {
	off := make(map[string]bool, len(disabled))
	for _, n := range disabled {
		off[n] = true
	}
	var out []Tool
	for _, t := range r.All() {
		if !off[t.Name()] {
			out = append(out, t)
		}
	}
	return out
}

// Clone returns a new registry with the same tools. Sessions snapshot the
// global registry at start so per-session mutation (sub-agent gating) never
// leaks across sessions.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := NewRegistry()
	for n, t := range r.tools {
		out.tools[n] = t
	}
	return out
}
