package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/kengibson1111/go-tenant-cache/internal"
)

// RedisCache bundles the shared-state components around one Redis client and
// one resilience executor
type RedisCache struct {
	Entities *EntityCache
	Tokens   *RedisTokenCache
	Limiter  *RateLimiter

	store  internal.KeyStore
	exec   *internal.Executor
	config *internal.Config
}

// NewRedisCache creates a Redis-backed cache layer. The logger, event sink and
// metrics given as options are shared with the executor.
func NewRedisCache(config *internal.Config, opts ...Option) (*RedisCache, error) {
	if config == nil {
		config = internal.DefaultConfig()
	}
	exec := newExecutor(config, opts)

	client, err := internal.NewRedisClient(config, exec, newSettings(opts).logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis client: %w", err)
	}

	return newRedisCache(client, exec, config, opts), nil
}

// NewRedisCacheWithClient creates a cache layer over an existing go-redis client
func NewRedisCacheWithClient(client *redis.Client, config *internal.Config, opts ...Option) *RedisCache {
	if config == nil {
		config = internal.DefaultConfig()
	}
	exec := newExecutor(config, opts)
	store := internal.NewRedisClientWithClient(client, config, exec, newSettings(opts).logger)
	return newRedisCache(store, exec, config, opts)
}

// NewRedisCacheWithDependencies creates a cache layer with injected dependencies for testing
func NewRedisCacheWithDependencies(store internal.KeyStore, exec *internal.Executor, config *internal.Config, opts ...Option) *RedisCache {
	if config == nil {
		config = internal.DefaultConfig()
	}
	return newRedisCache(store, exec, config, opts)
}

func newRedisCache(store internal.KeyStore, exec *internal.Executor, config *internal.Config, opts []Option) *RedisCache {
	return &RedisCache{
		Entities: NewEntityCache(store, config, opts...),
		Tokens:   NewTokenCache(store, config, opts...),
		Limiter:  NewRateLimiter(store, config, opts...),
		store:    store,
		exec:     exec,
		config:   config,
	}
}

func newExecutor(config *internal.Config, opts []Option) *internal.Executor {
	s := newSettings(opts)
	sink := s.sink
	if s.metrics != nil {
		sink = internal.MultiSink{s.sink, s.metrics}
	}
	return internal.NewExecutor(config.Resilience, s.logger,
		internal.WithEventSink(sink),
		internal.WithMetrics(s.metrics))
}

// Store returns the underlying KeyStore
func (rc *RedisCache) Store() internal.KeyStore {
	return rc.store
}

// Executor returns the resilience executor shared by every store call
func (rc *RedisCache) Executor() *internal.Executor {
	return rc.exec
}

// Config returns the configuration the layer was built with
func (rc *RedisCache) Config() *internal.Config {
	return rc.config
}

// Health performs a health check on the cache
func (rc *RedisCache) Health(ctx context.Context) error {
	return rc.store.Health(ctx)
}

// Close closes the cache connection
func (rc *RedisCache) Close() error {
	return rc.store.Close()
}
