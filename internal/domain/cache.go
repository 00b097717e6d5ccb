package domain

import (
	"context"
	"time"
)

// Cache defines the interface for keyed, TTL-aware storage.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// Keys are scoped by namespace so the vault and the risk engine can share
// one backend without colliding.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, namespace string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, namespace string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, namespace string, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Cache namespaces.
const (
	NamespaceVault       = "vault"
	NamespaceDeviceTrust = "device-trust"
)

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
