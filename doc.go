// Package tenantcache is the multi-tenant shared-state core of a task API:
// a Redis-backed entity cache, a token validation cache and a fixed-window
// rate limiter, all running under one resilience layer.
//
// This package holds no code; it documents the module layout.
//
// # Architecture
//
// Every key lives in a tenant namespace so that no pattern built for one
// tenant can match another tenant's keys:
//   - Entities: <prefix>:t:<tenant>:task:<id>
//   - Collections: <prefix>:t:<tenant>:tasklist:<subkey>, :overdue:<subkey>, :stats:summary
//   - Token validations: <prefix>:t:<tenant>:jwt:<sha256>, indexed by <prefix>:idx:jwt:<sha256>
//   - Rate windows: <prefix>:t:<tenant>:ratelimit:<class>:<window start>
//
// Tenant IDs are query-escaped before they are placed in a key, so a tenant
// named "T1:tasklist" or "T*" stays inside its own namespace.
//
// # Basic Usage
//
//	config := cache.DefaultConfig()
//	config.RedisAddr = "localhost:6379"
//
//	redisCache, err := cache.NewRedisCache(config, cache.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer redisCache.Close()
//
//	res := redisCache.Entities.GetTask(ctx, "tenant-a", "task-1")
//	if !res.Found {
//	    task, err := repo.Get(ctx, "tenant-a", "task-1")
//	    // ...
//	    redisCache.Entities.PutTask(ctx, "tenant-a", task, 0)
//	}
//
// Writes commit to the database first and then invalidate:
//
//	err := redisCache.Entities.HandleMutation(ctx, models.TaskMutation{
//	    TenantID: "tenant-a", TaskID: "task-1", Kind: models.MutationUpdated,
//	})
//	if cache.IsInvalidationRefused(err) {
//	    // the write stands; cached projections may be stale until their TTL
//	}
//
// The service package wraps this read-through and write-then-invalidate flow,
// and the httpapi package adds gin middleware for bearer authentication and
// per-tenant rate limiting.
//
// # Failure Handling
//
// The cache is never the source of truth:
//   - cache reads that fail become misses (Result.Degraded reports why)
//   - cache writes are best-effort and only logged
//   - invalidations surface CircuitOpen and RetryExhausted errors only
//   - the token cache swallows every store error
//   - the rate limiter fails open
//
// Every store call runs through internal.Executor: exponential backoff with
// jitter for idempotent operations, and one circuit breaker per operation
// class (cache, database).
//
// # Configuration
//
// Config can be built in code, loaded from YAML with cache.LoadConfig, and
// overridden with TENANTCACHE_* environment variables.
//
// # Examples
//
// See the examples directory:
//   - examples/task_api_example/ - the full task API over Redis and SQLite
//   - examples/rate_limit_example/ - tiers, burst and rejection
//   - examples/cleanup_example/ - tenant-scoped invalidation
//   - examples/health_monitoring_example/ - health probes and metrics
//   - examples/error_handling_example/ - error taxonomy and circuit breaking
//
// # Testing
//
// Run tests with:
//
//	go test ./...                        # Unit tests (in-process Redis, in-memory SQLite)
//	go test ./test/integration -v        # Integration tests (requires Redis)
package tenantcache
