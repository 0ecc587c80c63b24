// Package provider holds the provider adapters and the HTTP plumbing that talks to them.
package provider

import (
	"fmt"
	"sort"
	"sync"

	"chatrelay/internal/domain"
)

// Registry holds provider adapters keyed by id.
// It is populated at startup and read concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]domain.Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]domain.Adapter),
	}
}

// Register adds an adapter. Returns error if the id is already registered.
func (r *Registry) Register(a domain.Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := a.ID()
	if _, exists := r.adapters[id]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, fmt.Sprintf("provider %q", id))
	}
	r.adapters[id] = a
	return nil
}

// Resolve returns the adapter for id. An unknown id is a configuration error.
func (r *Registry) Resolve(id string) (domain.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[id]
	if !ok {
		return nil, domain.NewDomainError("Registry.Resolve", domain.ErrProviderNotFound, id)
	}
	return a, nil
}

// List returns all registered provider ids in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
