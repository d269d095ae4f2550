package providers

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds configured providers by name, looked up by bots at resolve
// time (spec §6 providers section: multiple configured backends, one default
// per bot).
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]Provider
	fallback string
}

// NewRegistry returns an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Provider)}
}

// Register adds p under its own Name(), keyed for later Get lookups. The
// first provider registered becomes the fallback used when a bot requests a
// provider name that isn't configured.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[p.Name()] = p
	if r.fallback == "" {
		r.fallback = p.Name()
	}
}

// Get returns the named provider, or an error if it isn't registered.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.byName[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("provider %q not registered", name)
}

// List returns the registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fallback returns the first-registered provider, used when a configured
// provider name can't be found.
func (r *Registry) Fallback() (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.fallback == "" {
		return nil, false
	}
	return r.byName[r.fallback], true
}
