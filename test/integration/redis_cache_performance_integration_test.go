package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kengibson1111/go-tenant-cache/cache"
	"github.com/kengibson1111/go-tenant-cache/internal"
	"github.com/kengibson1111/go-tenant-cache/internal/models"
)

// BenchmarkEntityCache benchmarks task reads and writes
func BenchmarkEntityCache(b *testing.B) {
	rc, cleanup := setupBenchmarkCache(b)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC()
	newTask := func(id string) *models.Task {
		return &models.Task{ID: id, TenantID: "bench", Title: "Benchmark " + id, Status: models.StatusTodo, CreatedAt: now, UpdatedAt: now}
	}

	b.ResetTimer()

	b.Run("PutTask", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			rc.Entities.PutTask(ctx, "bench", newTask(fmt.Sprintf("put-%d", i)), time.Minute)
		}
	})

	for i := 0; i < 1000; i++ {
		rc.Entities.PutTask(ctx, "bench", newTask(fmt.Sprintf("get-%d", i)), time.Minute)
	}

	b.Run("GetTask", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			if res := rc.Entities.GetTask(ctx, "bench", fmt.Sprintf("get-%d", i%1000)); res.Err != nil {
				b.Fatalf("GetTask failed: %v", res.Err)
			}
		}
	})
}

// BenchmarkRateLimiter benchmarks the per-request quota check
func BenchmarkRateLimiter(b *testing.B) {
	rc, cleanup := setupBenchmarkCache(b)
	defer cleanup()

	ctx := context.Background()
	tier := models.DefaultTiers()["enterprise"]

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := rc.Limiter.CheckAndConsume(ctx, "bench", models.OperationRead, tier); err != nil {
				b.Fatalf("CheckAndConsume failed: %v", err)
			}
		}
	})
}

// BenchmarkTokenCache benchmarks cached token lookups
func BenchmarkTokenCache(b *testing.B) {
	rc, cleanup := setupBenchmarkCache(b)
	defer cleanup()

	ctx := context.Background()
	now := time.Now()
	hash := cache.HashToken("bench-token")
	rc.Tokens.Store(ctx, hash, &models.ValidatedToken{TenantID: "bench", IssuedAt: now.Unix(), ExpiresAt: now.Add(time.Hour).Unix()})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, found := rc.Tokens.Lookup(ctx, hash); !found {
			b.Fatal("token not cached")
		}
	}
}

func TestEntityCache_InvalidationPerformance_Integration(t *testing.T) {
	rc, cleanup := setupTestCache(t)
	defer cleanup()

	ctx := context.Background()
	for i := 0; i < 2000; i++ {
		rc.Entities.PutList(ctx, "T1", cache.ListTasks, []models.Task{}, time.Minute, fmt.Sprintf("page-%d", i))
	}

	start := time.Now()
	if err := rc.Entities.InvalidateTenantLists(ctx, "T1"); err != nil {
		t.Fatalf("InvalidateTenantLists failed: %v", err)
	}
	elapsed := time.Since(start)
	t.Logf("Invalidated 2000 list entries in %v", elapsed)

	if elapsed > 5*time.Second {
		t.Errorf("invalidation took %v, want under 5s", elapsed)
	}
}

// setupBenchmarkCache creates a cache for benchmarking
func setupBenchmarkCache(b *testing.B) (*cache.RedisCache, func()) {
	config := internal.DefaultConfig()
	config.RedisDB = 15 // Use test database
	config.KeyPrefix = testPrefix

	rc, err := cache.NewRedisCache(config)
	if err != nil {
		b.Fatalf("Failed to create cache: %v", err)
	}

	ctx := context.Background()
	if err := rc.Health(ctx); err != nil {
		_ = rc.Close()
		b.Skip("Redis not available for benchmarking:", err)
	}

	cleanup := func() {
		_, _ = rc.Store().DeleteByPattern(context.Background(), testPrefix+":*")
		_ = rc.Close()
	}

	return rc, cleanup
}
