package adapters

import (
	"strings"

	"github.com/dukabook/kredo/internal/payment/domain"
)

type Registry struct {
	adapters map[string]domain.Adapter
}

func NewRegistry(adapters ...domain.Adapter) *Registry {
	registry := &Registry{adapters: map[string]domain.Adapter{}}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		provider := strings.ToLower(strings.TrimSpace(adapter.Provider()))
		if provider == "" {
			continue
		}
		registry.adapters[provider] = adapter
	}
	return registry
}

func (r *Registry) Get(provider string) (domain.Adapter, bool) {
	if r == nil {
		return nil, false
	}
	adapter, ok := r.adapters[strings.ToLower(strings.TrimSpace(provider))]
	return adapter, ok
}

func (r *Registry) ProviderExists(provider string) bool {
	_, ok := r.Get(provider)
	return ok
}

// Pollers returns the adapters that support active status queries.
func (r *Registry) Pollers() map[string]domain.StatusPoller {
	pollers := map[string]domain.StatusPoller{}
	if r == nil {
		return pollers
	}
	for provider, adapter := range r.adapters {
		if poller, ok := adapter.(domain.StatusPoller); ok {
			pollers[provider] = poller
		}
	}
	return pollers
}
