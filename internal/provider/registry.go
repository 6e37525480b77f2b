package provider

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/model"
)

// Factory builds a ready adapter for one configuration.
type Factory func(cfg *model.Configuration) Adapter

// Registry maps provider kinds to adapter factories. Kinds are registered
// once at startup; Resolve is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in provider kinds
// registered. client is shared across adapters; baseURLOverrides remaps
// provider endpoints (used by tests), keyed by provider kind.
func NewRegistry(client *http.Client, baseURLOverrides map[string]string) *Registry {
	base := func(kind string) string { return baseURLOverrides[kind] }

	r := &Registry{factories: make(map[string]Factory)}
	r.Register(model.ProviderWhapi, func(cfg *model.Configuration) Adapter {
		return NewWhapiAdapter(cfg.Token, base(model.ProviderWhapi), client)
	})
	r.Register(model.ProviderWassenger, func(cfg *model.Configuration) Adapter {
		return NewWassengerAdapter(cfg.Token, cfg.ChannelID, base(model.ProviderWassenger), client)
	})
	return r
}

// Register adds or replaces the factory for a provider kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Kinds returns the registered provider kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Supported reports whether a provider kind has a registered factory.
func (r *Registry) Supported(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[kind]
	return ok
}

// Resolve returns an adapter for the configuration. Fails with
// ErrUnknownProvider for an unregistered kind and ErrConfigurationInactive
// when the configuration is disabled.
func (r *Registry) Resolve(cfg *model.Configuration) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownProvider, cfg.Provider)
	}
	if !cfg.Active {
		return nil, fmt.Errorf("%w: configuration %d", apperrors.ErrConfigurationInactive, cfg.ID)
	}
	return factory(cfg), nil
}
