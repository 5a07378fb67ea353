package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetSnapshot retrieves a cached customer snapshot.
	GetSnapshot(ctx context.Context, tenantID string, customerID string) (*CustomerSnapshot, error)

	// SetSnapshot caches the customer's latest scoring snapshot.
	SetSnapshot(ctx context.Context, tenantID string, customerID string, snap *CustomerSnapshot, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns new value.
	// Used for per-customer scoring-event counters.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CustomerSnapshot holds the cached read-path view of a customer's latest
// scoring state.
type CustomerSnapshot struct {
	CustomerID     string  `json:"custId"`
	RiskBand       string  `json:"riskBand"`
	LastScore      float64 `json:"lastScore"`
	UtilisationPct float64 `json:"utilisationPct"`
	UpdatedAt      string  `json:"updatedAt"`
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// LocalMaxSize is the max entries for the LRU cache.
	LocalMaxSize int

	// LocalTTL is the L1 TTL for two-phase caching.
	LocalTTL time.Duration

	// Redis specific
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase enables LRU + Redis two-phase caching.
	EnableTwoPhase bool
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// ChannelBufferSize is the buffer size for channel bus.
	ChannelBufferSize int

	// NATS specific
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}
