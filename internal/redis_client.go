package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// incrementScript increments a counter and sets its expiry only when the
// increment created the key.
var incrementScript = redis.NewScript(`
local created = redis.call('EXISTS', KEYS[1]) == 0
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if created and tonumber(ARGV[2]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return v
`)

// RedisClient implements KeyStore on top of go-redis. Every command runs
// through the cache class of the Executor.
type RedisClient struct {
	client *redis.Client
	config *Config
	exec   *Executor
	logger *zap.Logger
}

var _ KeyStore = (*RedisClient)(nil)

// NewRedisClient creates a new Redis-backed KeyStore with the provided configuration
func NewRedisClient(config *Config, exec *Executor, logger *zap.Logger) (*RedisClient, error) {
	if config == nil {
		config = DefaultConfig()
	}

	// Validate configuration
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Retries belong to the Executor; -1 disables the driver's own
	maxRetries := config.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}

	opts := &redis.Options{
		Addr:         config.RedisAddr,
		Password:     config.RedisPassword,
		DB:           config.RedisDB,
		MaxRetries:   maxRetries,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		PoolSize:     config.PoolSize,
	}

	return NewRedisClientWithClient(redis.NewClient(opts), config, exec, logger), nil
}

// NewRedisClientWithClient wraps an existing go-redis client. The config is
// used for key-space settings only.
func NewRedisClientWithClient(client *redis.Client, config *Config, exec *Executor, logger *zap.Logger) *RedisClient {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if exec == nil {
		exec = NewExecutor(config.Resilience, logger)
	}
	return &RedisClient{
		client: client,
		config: config,
		exec:   exec,
		logger: logger,
	}
}

// Client returns the underlying Redis client for direct access
func (rc *RedisClient) Client() *redis.Client {
	return rc.client
}

// Config returns the Redis client configuration
func (rc *RedisClient) Config() *Config {
	return rc.config
}

// Executor returns the resilience executor the client runs under
func (rc *RedisClient) Executor() *Executor {
	return rc.exec
}

// Close closes the Redis client connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

func (rc *RedisClient) do(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	return rc.exec.Do(ctx, ClassCache, op, func(ctx context.Context) error {
		return classifyStoreError(key, op, fn(ctx))
	})
}

// Health performs a health check on the Redis connection
func (rc *RedisClient) Health(ctx context.Context) error {
	return rc.do(ctx, "ping", "", func(ctx context.Context) error {
		pong, err := rc.client.Ping(ctx).Result()
		if err != nil {
			return err
		}
		if pong != "PONG" {
			return NewOperationError("", fmt.Sprintf("unexpected ping response: %s", pong), nil)
		}
		return nil
	})
}

// GetStrict returns the value stored at key. A missing key is not an error.
func (rc *RedisClient) GetStrict(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := rc.do(ctx, "get", key, func(ctx context.Context) error {
		v, err := rc.client.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if IsNotFoundError(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Get is the soft form of GetStrict
func (rc *RedisClient) Get(ctx context.Context, key string) Result[[]byte] {
	value, found, err := rc.GetStrict(ctx, key)
	if err != nil {
		rc.logDowngrade("get", key, err)
		return Result[[]byte]{Err: err}
	}
	return Result[[]byte]{Value: value, Found: found}
}

// ExistsStrict reports whether key exists
func (rc *RedisClient) ExistsStrict(ctx context.Context, key string) (bool, error) {
	var n int64
	err := rc.do(ctx, "exists", key, func(ctx context.Context) error {
		v, err := rc.client.Exists(ctx, key).Result()
		n = v
		return err
	})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Exists is the soft form of ExistsStrict
func (rc *RedisClient) Exists(ctx context.Context, key string) Result[bool] {
	exists, err := rc.ExistsStrict(ctx, key)
	if err != nil {
		rc.logDowngrade("exists", key, err)
		return Result[bool]{Err: err}
	}
	return Result[bool]{Value: exists, Found: exists}
}

// TTLStrict returns the remaining lifetime of key, or NoExpiry when the key
// has none. found is false when the key does not exist.
func (rc *RedisClient) TTLStrict(ctx context.Context, key string) (time.Duration, bool, error) {
	var ttl time.Duration
	err := rc.do(ctx, "ttl", key, func(ctx context.Context) error {
		v, err := rc.client.PTTL(ctx, key).Result()
		ttl = v
		return err
	})
	if err != nil {
		return 0, false, err
	}
	// go-redis passes the raw -2 / -1 replies through as durations
	switch {
	case ttl == -2 || ttl == -2*time.Millisecond:
		return 0, false, nil
	case ttl == -1 || ttl == -1*time.Millisecond:
		return NoExpiry, true, nil
	}
	return ttl, true, nil
}

// TTL is the soft form of TTLStrict
func (rc *RedisClient) TTL(ctx context.Context, key string) Result[time.Duration] {
	ttl, found, err := rc.TTLStrict(ctx, key)
	if err != nil {
		rc.logDowngrade("ttl", key, err)
		return Result[time.Duration]{Err: err}
	}
	return Result[time.Duration]{Value: ttl, Found: found}
}

// Set stores value at key. A zero ttl stores the value without expiry.
func (rc *RedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return NewKeyInvalidError(key, "key cannot be empty")
	}
	if ttl < 0 {
		return NewValidationError("TTL cannot be negative", nil)
	}
	return rc.do(ctx, "set", key, func(ctx context.Context) error {
		return rc.client.Set(ctx, key, value, ttl).Err()
	})
}

// Delete removes keys and returns how many existed
func (rc *RedisClient) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var removed int64
	err := rc.do(ctx, "del", keys[0], func(ctx context.Context) error {
		n, err := rc.client.Del(ctx, keys...).Result()
		removed = n
		return err
	})
	return removed, err
}

// DeleteByPattern removes every key matching pattern using cursor SCAN and
// batched DEL. Concurrent writers may add matching keys that are missed.
func (rc *RedisClient) DeleteByPattern(ctx context.Context, pattern string) (int64, error) {
	if pattern == "" || pattern == "*" {
		return 0, NewValidationError(fmt.Sprintf("pattern '%s' is too broad", pattern), nil)
	}

	var (
		cursor  uint64
		removed int64
		batch   = make([]string, 0, rc.config.DeleteBatchSize)
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := rc.Delete(ctx, batch...)
		removed += n
		batch = batch[:0]
		return err
	}

	for {
		var keys []string
		var next uint64
		err := rc.do(ctx, "scan", pattern, func(ctx context.Context) error {
			var err error
			keys, next, err = rc.client.Scan(ctx, cursor, pattern, rc.config.ScanCount).Result()
			return err
		})
		if err != nil {
			return removed, err
		}

		for _, key := range keys {
			batch = append(batch, key)
			if len(batch) >= rc.config.DeleteBatchSize {
				if err := flush(); err != nil {
					return removed, err
				}
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if err := flush(); err != nil {
		return removed, err
	}

	rc.logger.Debug("deleted keys by pattern",
		zap.String("pattern", pattern),
		zap.Int64("removed", removed))
	return removed, nil
}

// Increment atomically adds by to the counter at key. ttlIfNew is applied
// only when the call created the key. Never retried.
func (rc *RedisClient) Increment(ctx context.Context, key string, by int64, ttlIfNew time.Duration) (int64, error) {
	if key == "" {
		return 0, NewKeyInvalidError(key, "key cannot be empty")
	}
	var value int64
	err := rc.do(ctx, "incr", key, func(ctx context.Context) error {
		v, err := incrementScript.Run(ctx, rc.client, []string{key}, by, ttlIfNew.Milliseconds()).Int64()
		value = v
		return err
	})
	return value, err
}

// Flush removes every key in the selected database. Never retried.
func (rc *RedisClient) Flush(ctx context.Context) error {
	return rc.do(ctx, "flush", "", func(ctx context.Context) error {
		return rc.client.FlushDB(ctx).Err()
	})
}

// GetConnectionInfo returns information about the current Redis connection
func (rc *RedisClient) GetConnectionInfo(ctx context.Context) (map[string]interface{}, error) {
	info := make(map[string]interface{})

	info["addr"] = rc.config.RedisAddr
	info["db"] = rc.config.RedisDB
	info["pool_size"] = rc.config.PoolSize
	info["key_prefix"] = rc.config.KeyPrefix
	info["cache_breaker_state"] = rc.exec.BreakerState(ClassCache).String()

	poolStats := rc.client.PoolStats()
	info["pool_hits"] = poolStats.Hits
	info["pool_misses"] = poolStats.Misses
	info["pool_timeouts"] = poolStats.Timeouts
	info["pool_total_conns"] = poolStats.TotalConns
	info["pool_idle_conns"] = poolStats.IdleConns
	info["pool_stale_conns"] = poolStats.StaleConns

	if err := rc.Health(ctx); err != nil {
		info["healthy"] = false
		return info, err
	}
	info["healthy"] = true
	return info, nil
}

func (rc *RedisClient) logDowngrade(op, key string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	rc.logger.Warn("store read downgraded to miss",
		zap.String("operation", op),
		zap.String("key", key),
		zap.Error(err))
}
