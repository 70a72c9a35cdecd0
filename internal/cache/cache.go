// Package cache defines the shared key-value store backing the credential
// pool and the token manager. Two backends exist: an in-process map for
// single-process deployments and a SQLite file for deployments where several
// worker processes must see the same counters and tokens.
package cache

import (
	"context"
	"time"
)

// Store is a minimal byte store with TTLs and named mutexes. Implementations
// must be safe for concurrent use and must return exactly the bytes that were
// previously stored for a key.
type Store interface {
	// Store saves value under key. A zero ttl means the entry does not expire.
	Store(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Exists reports whether the key is cached.
	Exists(ctx context.Context, key string) (bool, error)

	// Lock returns the mutex registered under key. The mutex scope matches
	// the store scope: process wide for the memory backend, machine/cluster
	// wide for a shared SQLite file.
	Lock(key string) Mutex

	// Close releases backend resources.
	Close() error
}

// Mutex is a named lock handed out by a Store.
type Mutex interface {
	Lock(ctx context.Context) error
	Unlock() error
}
