package metadata

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type Factory func(dsn, workspace string) (Adapter, error)

var adapterRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{factories: map[string]Factory{}}

func RegisterFactory(scheme string, factory Factory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	adapterRegistry.mu.Lock()
	defer adapterRegistry.mu.Unlock()
	adapterRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	adapterRegistry.mu.RLock()
	defer adapterRegistry.mu.RUnlock()
	factory, ok := adapterRegistry.factories[scheme]
	return factory, ok
}

// BuildFromDSN returns the adapter for memory:// or postgres:// DSNs. An
// empty DSN selects the in-memory adapter.
func BuildFromDSN(dsn, workspace string) (Adapter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryAdapter(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn, workspace)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryAdapter(), nil
	case "postgres", "postgresql":
		return NewPostgresAdapter(dsn, workspace)
	default:
		return nil, fmt.Errorf("unsupported metadata scheme: %s", scheme)
	}
}
