package internal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func testResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		Cache: PolicyConfig{
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: time.Millisecond,
				MaxDelay:     4 * time.Millisecond,
				Multiplier:   2,
				Jitter:       true,
				RetryableOps: []string{"get", "set", "incr"},
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 3,
				RecoveryTimeout:  20 * time.Millisecond,
				MaxHalfOpenCalls: 1,
			},
		},
		Database: PolicyConfig{
			Retry: RetryConfig{
				MaxAttempts:  4,
				InitialDelay: time.Millisecond,
				MaxDelay:     time.Millisecond,
				Multiplier:   1,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 10,
				RecoveryTimeout:  time.Second,
				MaxHalfOpenCalls: 1,
			},
		},
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(_ context.Context, event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) byCategory(category EventCategory) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Category == category {
			out = append(out, e)
		}
	}
	return out
}

func TestExecutor_RetriesRetryableErrors(t *testing.T) {
	exec := NewExecutor(testResilienceConfig(), zap.NewNop(), WithSleep(noSleep))

	var calls int32
	err := exec.Do(context.Background(), ClassCache, "get", func(context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return NewConnectionError("refused", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls)
}

func TestExecutor_RetryExhausted(t *testing.T) {
	exec := NewExecutor(testResilienceConfig(), zap.NewNop(), WithSleep(noSleep))
	cause := NewTimeoutError("k", "slow", context.DeadlineExceeded)

	var calls int32
	err := exec.Do(context.Background(), ClassCache, "get", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return cause
	})

	assert.Equal(t, int32(3), calls)
	assert.True(t, IsRetryExhaustedError(err))
	assert.True(t, IsTimeoutError(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var cacheErr *CacheError
	require.True(t, errors.As(err, &cacheErr))
	assert.Equal(t, "cache", cacheErr.Context.OperationClass)
	assert.Equal(t, 3, cacheErr.Context.AttemptNumber)
}

func TestExecutor_NonRetryableErrorsReturnImmediately(t *testing.T) {
	exec := NewExecutor(testResilienceConfig(), zap.NewNop(), WithSleep(noSleep))

	var calls int32
	err := exec.Do(context.Background(), ClassCache, "get", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return NewOperationError("k", "WRONGTYPE", nil)
	})

	assert.Equal(t, int32(1), calls)
	assert.False(t, IsRetryExhaustedError(err))
	assert.True(t, hasType(err, ErrorTypeOperation))
}

func TestExecutor_NonIdempotentOperationsAreNeverRetried(t *testing.T) {
	exec := NewExecutor(testResilienceConfig(), zap.NewNop(), WithSleep(noSleep))

	for _, op := range []string{"incr", "flush", "scan"} {
		t.Run(op, func(t *testing.T) {
			var calls int32
			err := exec.Do(context.Background(), ClassCache, op, func(context.Context) error {
				atomic.AddInt32(&calls, 1)
				return NewConnectionError("refused", nil)
			})
			assert.Equal(t, int32(1), calls)
			assert.True(t, IsConnectionError(err))
			assert.False(t, IsRetryExhaustedError(err))
		})
	}
}

func TestExecutor_StopsWhenContextIsCancelled(t *testing.T) {
	exec := NewExecutor(testResilienceConfig(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	var calls int32
	err := exec.Do(ctx, ClassDatabase, "query", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		cancel()
		return errors.New("driver: bad connection")
	})

	assert.Error(t, err)
	assert.Equal(t, int32(1), calls)
}

func TestExecutor_DatabaseClassDefaults(t *testing.T) {
	exec := NewExecutor(testResilienceConfig(), zap.NewNop(), WithSleep(noSleep))

	t.Run("plain errors are retried", func(t *testing.T) {
		var calls int32
		err := exec.Do(context.Background(), ClassDatabase, "query", func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("database is locked")
		})
		assert.Equal(t, int32(4), calls)
		assert.True(t, IsRetryExhaustedError(err))
	})

	t.Run("not found is not retried", func(t *testing.T) {
		var calls int32
		err := exec.Do(context.Background(), ClassDatabase, "query", func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return NewNotFoundError("task:1")
		})
		assert.Equal(t, int32(1), calls)
		assert.True(t, IsNotFoundError(err))
	})
}

func TestExecutor_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	sink := &recordingSink{}
	metrics := NewMetricsCollector("test")
	exec := NewExecutor(testResilienceConfig(), zap.New(core),
		WithSleep(noSleep), WithEventSink(sink), WithMetrics(metrics))

	ctx := WithTenant(context.Background(), "T1")
	failing := func(context.Context) error { return NewConnectionError("refused", nil) }

	// One retried call is three consecutive failures
	err := exec.Do(ctx, ClassCache, "get", failing)
	require.True(t, IsRetryExhaustedError(err))
	assert.Equal(t, gobreaker.StateOpen, exec.BreakerState(ClassCache))

	var calls int32
	err = exec.Do(ctx, ClassCache, "get", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	assert.True(t, IsCircuitOpenError(err))
	assert.Equal(t, int32(0), calls)

	events := sink.byCategory(EventCircuitOpen)
	require.Len(t, events, 1)
	assert.Equal(t, "T1", events[0].TenantID)
	assert.Equal(t, "cache", events[0].OperationClass)
	assert.Equal(t, OutcomeShortCircuited, events[0].Outcome)

	assert.Equal(t, 1, logs.FilterMessage("circuit breaker state changed").Len())
	assert.Equal(t, float64(gobreaker.StateOpen), testutil.ToFloat64(metrics.BreakerState.WithLabelValues("cache")))

	// The database class is unaffected
	assert.NoError(t, exec.Do(ctx, ClassDatabase, "query", func(context.Context) error { return nil }))
}

func TestExecutor_CircuitRecoversAfterCooldown(t *testing.T) {
	exec := NewExecutor(testResilienceConfig(), zap.NewNop(), WithSleep(noSleep))
	ctx := context.Background()

	_ = exec.Do(ctx, ClassCache, "get", func(context.Context) error { return NewConnectionError("refused", nil) })
	require.Equal(t, gobreaker.StateOpen, exec.BreakerState(ClassCache))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, gobreaker.StateHalfOpen, exec.BreakerState(ClassCache))

	require.NoError(t, exec.Do(ctx, ClassCache, "get", func(context.Context) error { return nil }))
	assert.Equal(t, gobreaker.StateClosed, exec.BreakerState(ClassCache))
}

func TestExecutor_MissesDoNotTripTheBreaker(t *testing.T) {
	exec := NewExecutor(testResilienceConfig(), zap.NewNop(), WithSleep(noSleep))

	for i := 0; i < 10; i++ {
		err := exec.Do(context.Background(), ClassCache, "get", func(context.Context) error {
			return NewNotFoundError("k")
		})
		require.True(t, IsNotFoundError(err))
	}

	assert.Equal(t, gobreaker.StateClosed, exec.BreakerState(ClassCache))
	assert.Equal(t, uint32(0), exec.BreakerCounts(ClassCache).ConsecutiveFailures)
}

func TestExecutor_UnknownClass(t *testing.T) {
	exec := NewExecutor(testResilienceConfig(), zap.NewNop())

	err := exec.Do(context.Background(), OperationClass("queue"), "get", func(context.Context) error { return nil })
	assert.True(t, IsValidationError(err))
}

func TestExecutor_CustomRetryClassifier(t *testing.T) {
	exec := NewExecutor(testResilienceConfig(), zap.NewNop(),
		WithSleep(noSleep),
		WithRetryClassifier(ClassDatabase, func(error) bool { return false }))

	var calls int32
	_ = exec.Do(context.Background(), ClassDatabase, "query", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	})
	assert.Equal(t, int32(1), calls)
}

func TestExecute_ReturnsValue(t *testing.T) {
	exec := NewExecutor(testResilienceConfig(), zap.NewNop(), WithSleep(noSleep))

	v, err := Execute(context.Background(), exec, ClassCache, "get", func(context.Context) (string, error) {
		return "value", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	v, err = Execute(context.Background(), exec, ClassCache, "get", func(context.Context) (string, error) {
		return "ignored", NewValidationError("bad", nil)
	})
	assert.Error(t, err)
	assert.Empty(t, v)
}

func TestExecutor_RecordsAttemptMetrics(t *testing.T) {
	metrics := NewMetricsCollector("test")
	exec := NewExecutor(testResilienceConfig(), zap.NewNop(), WithSleep(noSleep), WithMetrics(metrics))

	var calls int32
	_ = exec.Do(context.Background(), ClassCache, "set", func(context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return NewTimeoutError("k", "slow", nil)
		}
		return nil
	})

	assert.Equal(t, 2, testutil.CollectAndCount(metrics.Attempts))
}

func TestExecutor_MissesAreNotRecordedAsFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultConfig()
	cfg.RedisAddr = mr.Addr()

	metrics := NewMetricsCollector("test")
	exec := NewExecutor(cfg.Resilience, zap.NewNop(), WithSleep(noSleep), WithMetrics(metrics))
	rc, err := NewRedisClient(cfg, exec, zap.NewNop())
	require.NoError(t, err)
	defer rc.Close()

	res := rc.Get(context.Background(), "missing")
	assert.False(t, res.Found)
	assert.False(t, res.Degraded())

	assert.Equal(t, uint64(1), attemptCount(t, metrics, "cache", "get", "miss"))
	assert.Zero(t, attemptCount(t, metrics, "cache", "get", "failure"))

	err = exec.Do(context.Background(), ClassCache, "set", func(context.Context) error {
		return NewValidationError("bad value", nil)
	})
	require.Error(t, err)
	assert.Equal(t, uint64(1), attemptCount(t, metrics, "cache", "set", "rejected"))
	assert.Zero(t, attemptCount(t, metrics, "cache", "set", "failure"))
}

// attemptCount returns the sample count of one attempt histogram series
func attemptCount(t *testing.T, metrics *MetricsCollector, class, op, outcome string) uint64 {
	t.Helper()

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)

	want := map[string]string{"class": class, "operation": op, "outcome": outcome}
	for _, family := range families {
		if family.GetName() != "test_resilience_attempt_duration_seconds" {
			continue
		}
	series:
		for _, m := range family.GetMetric() {
			for _, label := range m.GetLabel() {
				if v, ok := want[label.GetName()]; ok && v != label.GetValue() {
					continue series
				}
			}
			return m.GetHistogram().GetSampleCount()
		}
	}
	return 0
}

func TestBackoffDelay(t *testing.T) {
	p := &classPolicy{retry: RetryConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
		Jitter:       true,
	}}

	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{0, 10 * time.Millisecond},
		{1, 20 * time.Millisecond},
		{2, 40 * time.Millisecond},
		{3, 50 * time.Millisecond},
		{10, 50 * time.Millisecond},
	}

	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			d := p.backoffDelay(tt.attempt)
			assert.GreaterOrEqual(t, d, tt.base)
			assert.LessOrEqual(t, d, tt.base+tt.base/10)
		}
	}

	p.retry.Jitter = false
	assert.Equal(t, 20*time.Millisecond, p.backoffDelay(1))
}
