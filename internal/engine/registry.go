package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/loqalabs/abogen/internal/failure"
)

// Options are passed to a Factory when a backend instance is constructed.
type Options struct {
	Device string
}

// Factory constructs a backend. Construction may load a model and is
// expected to be expensive.
type Factory func(Options) (Backend, error)

// Info describes a registered engine for catalogue listings.
type Info struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
}

type registration struct {
	info    Info
	factory Factory
}

// Registry maps engine names to factories. It is an explicit value handed
// to the job registry at startup so tests can inject fake backends.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]registration)}
}

// Register adds an engine. Registering the same name twice is an error.
func (r *Registry) Register(info Info, factory Factory) error {
	if info.Name == "" {
		return fmt.Errorf("engine name must not be empty")
	}
	if factory == nil {
		return fmt.Errorf("engine %s: factory must not be nil", info.Name)
	}
	if info.DisplayName == "" {
		info.DisplayName = info.Name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.engines[info.Name]; exists {
		return fmt.Errorf("duplicate engine name %s", info.Name)
	}
	r.engines[info.Name] = registration{info: info, factory: factory}
	return nil
}

// New constructs a backend by name.
func (r *Registry) New(name string, opts Options) (Backend, error) {
	r.mu.RLock()
	reg, ok := r.engines[name]
	r.mu.RUnlock()
	if !ok {
		return nil, failure.New(failure.EngineUnavailable, "create engine", "unknown engine %q (available: %v)", name, r.Names())
	}
	backend, err := reg.factory(opts)
	if err != nil {
		return nil, failure.Wrap(failure.EngineUnavailable, "create engine "+name, err)
	}
	return backend, nil
}

// Has reports whether an engine is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.engines[name]
	return ok
}

// Names lists registered engines in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalogue returns engine descriptions in name order.
func (r *Registry) Catalogue() []Info {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(names))
	for _, name := range names {
		out = append(out, r.engines[name].info)
	}
	return out
}
