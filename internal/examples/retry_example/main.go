package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kengibson1111/go-tenant-cache/internal"
)

func main() {
	fmt.Println("=== Resilience Policy Example ===")
	fmt.Println("This example runs flaky calls through the cache and database policies")
	fmt.Println()

	cfg := internal.DefaultResilienceConfig()
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()
	exec := internal.NewExecutor(cfg, logger)

	for _, class := range []internal.OperationClass{internal.ClassCache, internal.ClassDatabase} {
		policy := cfg.Cache
		if class == internal.ClassDatabase {
			policy = cfg.Database
		}
		fmt.Printf("=== %s class ===\n", class)
		fmt.Printf("Max Attempts: %d\n", policy.Retry.MaxAttempts)
		fmt.Printf("Initial Delay: %v\n", policy.Retry.InitialDelay)
		fmt.Printf("Max Delay: %v\n", policy.Retry.MaxDelay)
		fmt.Printf("Multiplier: %.1f\n", policy.Retry.Multiplier)
		fmt.Printf("Jitter: %t\n", policy.Retry.Jitter)
		fmt.Printf("Retryable Ops: %v\n", policy.Retry.RetryableOps)
		fmt.Printf("Breaker: trips after %d failures, recovers after %v\n",
			policy.CircuitBreaker.FailureThreshold, policy.CircuitBreaker.RecoveryTimeout)
		fmt.Println()
	}

	ctx := context.Background()

	fmt.Println("1. A read that fails once, then succeeds:")
	runFlaky(ctx, exec, internal.ClassCache, "get", 1)

	fmt.Println("2. A read that never recovers:")
	runFlaky(ctx, exec, internal.ClassCache, "get", 10)

	fmt.Println("3. An increment is never replayed:")
	runFlaky(ctx, exec, internal.ClassCache, "incr", 1)

	fmt.Println("4. A database list query with a longer budget:")
	runFlaky(ctx, exec, internal.ClassDatabase, "list", 2)

	fmt.Println("5. A database insert is not replayed:")
	runFlaky(ctx, exec, internal.ClassDatabase, "create", 1)

	counts := exec.BreakerCounts(internal.ClassCache)
	fmt.Printf("Cache breaker: state=%v consecutive failures=%d\n",
		exec.BreakerState(internal.ClassCache), counts.ConsecutiveFailures)

	fmt.Println()
	fmt.Println("=== Resilience Policy Example Complete ===")
}

// runFlaky fails the first failures attempts with a connection error
func runFlaky(ctx context.Context, exec *internal.Executor, class internal.OperationClass, op string, failures int) {
	attempts := 0
	start := time.Now()
	err := exec.Do(ctx, class, op, func(context.Context) error {
		attempts++
		if attempts <= failures {
			return internal.NewConnectionError("connection reset by peer", nil)
		}
		return nil
	})

	if err != nil {
		fmt.Printf("   ✗ failed after %d attempt(s) in %v: %v\n", attempts, time.Since(start), err)
		fmt.Printf("     severity=%v strategy=%v retry exhausted=%t\n",
			internal.GetErrorSeverity(err), internal.GetRecoveryStrategy(err), internal.IsRetryExhaustedError(err))
	} else {
		fmt.Printf("   ✓ succeeded after %d attempt(s) in %v\n", attempts, time.Since(start))
	}
	fmt.Println()
}
