package transports

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory builds a Submitter from credentials and provider-specific settings.
type Factory func(creds Credentials, settings map[string]any) (Submitter, error)

// Registry maps provider names to submitter factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	r.factories[normalizeName(name)] = factory
	r.mu.Unlock()
}

func (r *Registry) Build(provider string, creds Credentials, settings map[string]any) (Submitter, error) {
	r.mu.RLock()
	fn := r.factories[normalizeName(provider)]
	r.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("transport provider not registered: %s", provider)
	}
	return fn(creds, settings)
}

// Providers lists the registered provider names in sorted order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
