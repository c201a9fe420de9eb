package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Provider is the port every model backend implements.
type Provider interface {
	// Name returns the provider name for logging and error messages.
	Name() string
	// Chat sends messages and returns the complete response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// Factory constructs a Provider from a Config.
type Factory func(cfg Config) (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = map[ProviderType]Factory{}
)

// RegisterProvider registers a provider factory. Providers register
// themselves from their package init.
func RegisterProvider(p ProviderType, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[p] = f
}

// New constructs the provider named by cfg.Provider.
func New(cfg Config) (Provider, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Provider]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown llm provider %q (registered: %v)", cfg.Provider, registered())
	}
	return factory(cfg)
}

func registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for p := range registry {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return names
}
