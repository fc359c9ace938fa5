package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/outdial/voicebridge/pkg/provider/realtime"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// AdapterFactory builds a fresh adapter instance for one session from a
// provider's configuration entry.
type AdapterFactory func(ProviderEntry) (realtime.Adapter, error)

// Registry maps provider names to adapter factories. It is safe for
// concurrent use; sessions create adapters through it while the binary
// registers implementations at startup.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]AdapterFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]AdapterFactory)}
}

// Register registers an adapter factory under name. Subsequent calls with
// the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory AdapterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = factory
}

// Create instantiates an adapter using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) Create(entry ProviderEntry) (realtime.Adapter, error) {
	r.mu.RLock()
	factory, ok := r.adapters[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
