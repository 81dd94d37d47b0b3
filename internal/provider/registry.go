package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps `type` discriminators to provider implementations.
// Registration happens at process boot; mutation during a run is a
// programmer error.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]CheckProvider
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]CheckProvider{}}
}

// Register adds a provider; a duplicate type is an error.
func (r *Registry) Register(p CheckProvider) error {
	if p == nil {
		return fmt.Errorf("register: nil provider")
	}
	name := p.Name()
	if name == "" {
		return fmt.Errorf("register: provider with empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; ok {
		return fmt.Errorf("register: provider %q already registered", name)
	}
	r.providers[name] = p
	return nil
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.providers, name)
	r.mu.Unlock()
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

func (r *Registry) Get(name string) (CheckProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// GetOrFail returns the provider or an error naming the unknown type.
func (r *Registry) GetOrFail(name string) (CheckProvider, error) {
	p, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %q", name)
	}
	return p, nil
}

// List returns registered type names, sorted for determinism.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ListActive returns the types whose provider reports IsAvailable.
func (r *Registry) ListActive() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name, p := range r.providers {
		if p.IsAvailable() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Reset drops all registrations. Test-only by convention.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.providers = map[string]CheckProvider{}
	r.mu.Unlock()
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default is the process-wide registry used by host composition.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}
