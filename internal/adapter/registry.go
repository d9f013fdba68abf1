package adapter

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the adapters available to the account manager. It is built
// once at startup and passed explicitly to the components that need it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Type]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[Type]Adapter{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter is nil")
	}
	t := normalizeType(a.Type().String())
	if t == "" {
		return fmt.Errorf("adapter type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[t]; exists {
		return fmt.Errorf("adapter type already registered: %s", t)
	}
	r.adapters[t] = a
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(a Adapter) {
	if err := r.Register(a); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given type.
func (r *Registry) Get(t Type) (Adapter, bool) {
	t = normalizeType(t.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[t]
	return a, ok
}

// GetReceiver returns the adapter as a Receiver when it can start connections.
func (r *Registry) GetReceiver(t Type) (Receiver, bool) {
	a, ok := r.Get(t)
	if !ok {
		return nil, false
	}
	recv, ok := a.(Receiver)
	return recv, ok
}

// List returns all registered adapters sorted by type.
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		items = append(items, a)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Type() < items[j].Type() })
	return items
}

// Types returns all registered adapter types, sorted.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Type, 0, len(r.adapters))
	for t := range r.adapters {
		items = append(items, t)
	}
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
	return items
}

// ListDescriptors returns descriptors for all registered adapters.
func (r *Registry) ListDescriptors() []Descriptor {
	adapters := r.List()
	items := make([]Descriptor, 0, len(adapters))
	for _, a := range adapters {
		items = append(items, a.Descriptor())
	}
	return items
}
