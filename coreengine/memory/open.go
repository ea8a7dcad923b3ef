package memory

import "fmt"

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Open creates a Store for the named backend. dsn is the SQLite path or
// the Redis URL; namespace scopes Redis keys.
func Open(backend, dsn, namespace string) (Store, error) {
	switch backend {
	case "", BackendMemory:
		return NewInMemoryStore(), nil
	case BackendSQLite:
		return OpenSQLite(dsn)
	case BackendRedis:
		return NewRedisStoreFromURL(dsn, namespace)
	default:
		return nil, fmt.Errorf("unknown memory backend: %s", backend)
	}
}
