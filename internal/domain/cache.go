package domain

import (
	"context"
	"strings"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU + Redis.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Cache key prefixes.
const (
	CacheKeyRisque   = "risque:"
	CacheKeyDocument = "document:"
)

// CacheKind names the kind of value stored under key, for metrics.
func CacheKind(key string) string {
	switch {
	case strings.HasPrefix(key, CacheKeyRisque):
		return "risque"
	case strings.HasPrefix(key, CacheKeyDocument):
		return "document"
	default:
		return "other"
	}
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `mapstructure:"type"`

	// Local LRU bounds. Parked documents count against LocalMaxBytes.
	LocalMaxSize  int           `mapstructure:"local_max_size"`
	LocalMaxBytes int64         `mapstructure:"local_max_bytes"`
	LocalTTL      time.Duration `mapstructure:"local_ttl"`

	// Redis settings
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPoolSize int    `mapstructure:"redis_pool_size"`

	// EnableTwoPhase fronts Redis with the local LRU for risque snapshots.
	// Documents always go straight to Redis.
	EnableTwoPhase bool `mapstructure:"enable_two_phase"`

	// TTLs of cached domain values
	RisqueTTL   time.Duration `mapstructure:"risque_ttl"`
	DocumentTTL time.Duration `mapstructure:"document_ttl"`
}
