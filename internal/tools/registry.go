package tools

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry holds the declared tool surface. Registration happens at startup;
// Unregister exists for bridge-backed tools that come and go with their
// server.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Spec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Spec)}
}

// Register adds a tool. A duplicate name is a wiring bug, so it errors
// instead of overwriting.
func (r *Registry) Register(spec *Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool spec has no name")
	}
	if spec.Handler == nil {
		return fmt.Errorf("tool %s has no handler", spec.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		return fmt.Errorf("tool %s already registered", spec.Name)
	}
	r.tools[spec.Name] = spec
	slog.Debug("tools.registered", "tool", spec.Name, "params", len(spec.Params))
	return nil
}

// MustRegister panics on a registration error. For startup wiring only.
func (r *Registry) MustRegister(spec *Spec) {
	if err := r.Register(spec); err != nil {
		panic(err)
	}
}

// Unregister removes a tool; it reports whether the tool existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	slog.Debug("tools.unregistered", "tool", name)
	return true
}

// Get returns the spec for a name, or nil.
func (r *Registry) Get(name string) *Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all registered specs sorted by name.
func (r *Registry) List() []*Spec {
	r.mu.RLock()
	out := make([]*Spec, 0, len(r.tools))
	for _, s := range r.tools {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
