package device

import (
	"fmt"
	"slices"
	"sync"
)

// Registry maps backend names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() (Backend, error)
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() (Backend, error))}
}

// DefaultRegistry returns a registry with the built-in backends registered
// under "portaudio" and "silent".
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("portaudio", func() (Backend, error) { return NewPortAudio(), nil })
	r.Register("silent", func() (Backend, error) { return NewSilent(), nil })
	return r
}

// Register registers factory under name. Subsequent calls with the same name
// overwrite the previous registration.
func (r *Registry) Register(name string, factory func() (Backend, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates the backend registered under name.
// Returns [ErrBackendNotRegistered] if no factory has been registered.
func (r *Registry) Create(name string) (Backend, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, name)
	}
	return factory()
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
