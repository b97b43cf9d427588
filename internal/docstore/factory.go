package docstore

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type Options struct {
	Workspace     string
	TokenProvider TokenProvider
	UserAgent     string
}

type Factory func(dsn string, opts Options) (Client, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{factories: map[string]Factory{}}

// RegisterFactory adds or replaces the builder used for a DSN scheme.
func RegisterFactory(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[normalizeScheme(scheme)]
	return factory, ok
}

// BuildFromDSN returns the client for memory://, file://<dir> or
// http(s)://<host> DSNs. Registered factories take precedence.
func BuildFromDSN(dsn string, opts Options) (Client, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryClient(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryClient(), nil
	case "", "file":
		path := strings.TrimSpace(parsed.Host + parsed.Path)
		if path == "" {
			path = strings.TrimSpace(parsed.Opaque)
		}
		if scheme == "" {
			path = dsn
		}
		return NewFileClient(path)
	case "http", "https":
		return NewHTTPClient(HTTPClientOptions{
			BaseURL:       dsn,
			Workspace:     opts.Workspace,
			TokenProvider: opts.TokenProvider,
			UserAgent:     opts.UserAgent,
		})
	default:
		return nil, fmt.Errorf("unsupported docstore scheme: %s", scheme)
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
