package admin

import (
	"sort"
	"sync"
)

// Component is anything that can report a status snapshot for /status.
type Component interface {
	Name() string
	Status() any
}

type componentFunc struct {
	name string
	fn   func() any
}

func (c componentFunc) Name() string { return c.name }
func (c componentFunc) Status() any  { return c.fn() }

// StatusFunc adapts a snapshot function into a Component.
func StatusFunc(name string, fn func() any) Component {
	return componentFunc{name: name, fn: fn}
}

// Registry stores components by name.
type Registry struct {
	mu   sync.RWMutex
	repo map[string]Component
}

func NewRegistry() *Registry {
	return &Registry{repo: make(map[string]Component)}
}

// Register adds c, replacing any component with the same name.
func (r *Registry) Register(c Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repo[c.Name()] = c
}

func (r *Registry) Get(name string) (Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.repo[name]
	return c, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.repo))
	for name := range r.repo {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Snapshot collects every component's status.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	comps := make([]Component, 0, len(r.repo))
	for _, c := range r.repo {
		comps = append(comps, c)
	}
	r.mu.RUnlock()

	out := make(map[string]any, len(comps))
	for _, c := range comps {
		out[c.Name()] = c.Status()
	}
	return out
}
