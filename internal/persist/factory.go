package persist

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type KVFactory func(dsn string) (KV, error)

var kvFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]KVFactory
}{
	factories: map[string]KVFactory{},
}

// RegisterKVFactory makes BuildKVFromDSN hand DSNs with the given scheme to
// factory. Registered factories take precedence over the built-in schemes.
func RegisterKVFactory(scheme string, factory KVFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	kvFactoryRegistry.mu.Lock()
	defer kvFactoryRegistry.mu.Unlock()
	kvFactoryRegistry.factories[scheme] = factory
}

func lookupKVFactory(scheme string) (KVFactory, bool) {
	scheme = normalizeScheme(scheme)
	kvFactoryRegistry.mu.RLock()
	defer kvFactoryRegistry.mu.RUnlock()
	factory, ok := kvFactoryRegistry.factories[scheme]
	return factory, ok
}

func BuildKVFromDSN(dsn string) (KV, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupKVFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileKV(path)
	case "memory", "mem", "inmem":
		return NewMemoryKV(), nil
	case "postgres", "postgresql":
		return NewPostgresKV(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteKV(path)
	case "redis", "rediss", "mysql":
		return nil, fmt.Errorf("%w: kv backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported kv scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	// file://data/bookmarks.json parses "data" as the host
	if host := strings.TrimSpace(parsed.Host); host != "" && path != "" {
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
