package tools

import (
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
)

// Registry holds in-process tools and produces their catalog definitions.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]ITool
	order  []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]ITool),
	}
}

// Register adds a tool; registering a duplicate name is an error.
func (r *Registry) Register(t ITool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if name == "" {
		return errors.New("tool name must not be empty")
	}
	if _, ok := r.byName[name]; ok {
		return errors.Newf("tool already registered: %s", name)
	}
	r.byName[name] = t
	r.order = append(r.order, name)
	return nil
}

// MustRegister is Register that panics on error, for static wiring at startup.
func (r *Registry) MustRegister(t ITool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns the tool by name.
func (r *Registry) Get(name string) (ITool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Definitions returns catalog entries in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		t := r.byName[name]
		var raw json.RawMessage
		if p := t.Parameters(); p != nil {
			raw, _ = json.Marshal(p)
		}
		defs = append(defs, Definition{
			Name:        name,
			Description: t.Description(),
			Origin:      OriginLocal,
			InputSchema: raw,
		})
	}
	return defs
}
