package internal

import (
	"context"
	"time"
)

// NoExpiry is reported by TTL for keys that exist without an expiry
const NoExpiry time.Duration = -1

// Result is the outcome of a soft read. A store failure is downgraded to
// "absent" but kept in Err so the caller can tell a miss from an outage.
type Result[T any] struct {
	Value T
	Found bool
	Err   error
}

// Degraded reports whether the read fell back to "absent" because of a store failure
func (r Result[T]) Degraded() bool {
	return r.Err != nil
}

// KeyStore defines the primitive operations over the shared key-value store
type KeyStore interface {
	// Soft reads: missing keys and store failures both yield Found=false
	Get(ctx context.Context, key string) Result[[]byte]
	Exists(ctx context.Context, key string) Result[bool]
	TTL(ctx context.Context, key string) Result[time.Duration]

	// Strict reads: missing keys yield Found=false, store failures are returned
	GetStrict(ctx context.Context, key string) ([]byte, bool, error)
	ExistsStrict(ctx context.Context, key string) (bool, error)
	TTLStrict(ctx context.Context, key string) (time.Duration, bool, error)

	// Writes
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int64, error)
	DeleteByPattern(ctx context.Context, pattern string) (int64, error)
	Increment(ctx context.Context, key string, by int64, ttlIfNew time.Duration) (int64, error)
	Flush(ctx context.Context) error

	// Management operations
	Health(ctx context.Context) error
	Close() error
}
