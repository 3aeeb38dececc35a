package provider

import (
	"errors"
	"fmt"
	"sort"
)

// Registry holds one adapter per vendor name. It is filled once at startup
// and is read-only afterwards, so lookups need no locking.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from adapters. Duplicate names are rejected.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			return nil, errors.New("adapter must not be nil")
		}
		if _, exists := r.adapters[a.Name()]; exists {
			return nil, fmt.Errorf("adapter %q already registered", a.Name())
		}
		r.adapters[a.Name()] = a
	}
	return r, nil
}

// Get returns the adapter registered under name. ok is false for an
// unregistered name.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered vendor names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
