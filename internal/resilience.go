package internal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OperationClass selects the retry and circuit breaker policy for a call
type OperationClass string

const (
	ClassCache    OperationClass = "cache"
	ClassDatabase OperationClass = "database"
)

const tracerName = "github.com/kengibson1111/go-tenant-cache/internal"

// Operations that are never retried because a repeat changes the outcome
var nonIdempotentOps = map[string]bool{
	"incr":  true,
	"flush": true,
}

// RetryClassifier decides whether a failed attempt may be retried
type RetryClassifier func(err error) bool

// Executor runs store calls under a per-class retry policy and circuit breaker.
// Retry counters are call-local; breaker state is shared per class.
type Executor struct {
	policies map[OperationClass]*classPolicy
	logger   *zap.Logger
	sink     EventSink
	metrics  *MetricsCollector
	tracer   trace.Tracer
	sleep    func(ctx context.Context, d time.Duration) error
}

type classPolicy struct {
	class        OperationClass
	retry        RetryConfig
	retryableOps map[string]bool
	isRetryable  RetryClassifier
	breaker      *gobreaker.CircuitBreaker
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithEventSink sets the sink that receives circuit-open events
func WithEventSink(sink EventSink) ExecutorOption {
	return func(e *Executor) {
		if sink != nil {
			e.sink = sink
		}
	}
}

// WithMetrics records attempt durations and breaker state
func WithMetrics(m *MetricsCollector) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithTracer overrides the tracer taken from the global provider
func WithTracer(tracer trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithRetryClassifier overrides the retryable-error test for one class
func WithRetryClassifier(class OperationClass, classifier RetryClassifier) ExecutorOption {
	return func(e *Executor) {
		if p, ok := e.policies[class]; ok && classifier != nil {
			p.isRetryable = classifier
		}
	}
}

// WithSleep replaces the backoff wait, mainly for tests
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// NewExecutor builds one policy and one circuit breaker per operation class
func NewExecutor(cfg ResilienceConfig, logger *zap.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Executor{
		policies: make(map[OperationClass]*classPolicy, 2),
		logger:   logger,
		sink:     NopSink{},
		tracer:   otel.Tracer(tracerName),
		sleep:    sleepContext,
	}

	e.policies[ClassCache] = e.newClassPolicy(ClassCache, cfg.Cache, defaultCacheRetryable)
	e.policies[ClassDatabase] = e.newClassPolicy(ClassDatabase, cfg.Database, defaultDatabaseRetryable)

	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) newClassPolicy(class OperationClass, cfg PolicyConfig, classifier RetryClassifier) *classPolicy {
	retry := cfg.Retry
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}

	var retryableOps map[string]bool
	if len(retry.RetryableOps) > 0 {
		retryableOps = make(map[string]bool, len(retry.RetryableOps))
		for _, op := range retry.RetryableOps {
			retryableOps[op] = true
		}
	}

	threshold := cfg.CircuitBreaker.FailureThreshold
	if threshold == 0 {
		threshold = DefaultCircuitBreakerConfig().FailureThreshold
	}

	settings := gobreaker.Settings{
		Name:        string(class),
		MaxRequests: cfg.CircuitBreaker.MaxHalfOpenCalls,
		Timeout:     cfg.CircuitBreaker.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			e.logger.Warn("circuit breaker state changed",
				zap.String("class", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			e.metrics.SetBreakerState(OperationClass(name), float64(to))
		},
		IsSuccessful: countsAsSuccess,
	}

	return &classPolicy{
		class:        class,
		retry:        retry,
		retryableOps: retryableOps,
		isRetryable:  classifier,
		breaker:      gobreaker.NewCircuitBreaker(settings),
	}
}

// Do runs fn under the policy of class. op names the command for retry
// eligibility, tracing and error context.
func (e *Executor) Do(ctx context.Context, class OperationClass, op string, fn func(ctx context.Context) error) error {
	p, ok := e.policies[class]
	if !ok {
		return NewValidationError(fmt.Sprintf("unknown operation class %q", class), nil)
	}

	ctx, span := e.tracer.Start(ctx, "resilience."+op, trace.WithAttributes(
		attribute.String("resilience.class", string(class)),
		attribute.String("resilience.operation", op),
	))
	defer span.End()

	maxAttempts := 1
	if p.opRetryable(op) {
		maxAttempts = p.retry.MaxAttempts
	}

	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		attempt++
		start := time.Now()
		_, err := p.breaker.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		elapsed := time.Since(start)

		if err == nil {
			e.metrics.ObserveAttempt(class, op, "success", elapsed)
			span.SetAttributes(attribute.Int("resilience.attempts", attempt))
			return nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			e.metrics.ObserveAttempt(class, op, "short_circuited", elapsed)
			openErr := NewCircuitOpenError(op)
			openErr.Context.OperationClass = string(class)
			openErr.Context.TenantID = TenantFromContext(ctx)
			Emit(ctx, e.sink, Event{
				Category:       EventCircuitOpen,
				OperationClass: string(class),
				Operation:      op,
				Outcome:        OutcomeShortCircuited,
				Err:            openErr,
			})
			recordSpanError(span, attempt, openErr)
			return openErr
		}

		if outcome := clientOutcome(err); outcome != "" {
			e.metrics.ObserveAttempt(class, op, outcome, elapsed)
			span.SetAttributes(
				attribute.Int("resilience.attempts", attempt),
				attribute.String("resilience.outcome", outcome),
			)
			return err
		}

		e.metrics.ObserveAttempt(class, op, "failure", elapsed)
		lastErr = err

		if !p.isRetryable(err) || ctx.Err() != nil {
			recordSpanError(span, attempt, err)
			return err
		}

		if attempt == maxAttempts {
			break
		}

		delay := p.backoffDelay(attempt - 1)
		e.logger.Debug("retrying store operation",
			zap.String("class", string(class)),
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		if err := e.sleep(ctx, delay); err != nil {
			recordSpanError(span, attempt, lastErr)
			return lastErr
		}
	}

	if maxAttempts > 1 {
		exhausted := NewRetryExhaustedError(op, attempt, lastErr)
		exhausted.Context.OperationClass = string(class)
		exhausted.Context.TenantID = TenantFromContext(ctx)
		recordSpanError(span, attempt, exhausted)
		return exhausted
	}

	recordSpanError(span, attempt, lastErr)
	return lastErr
}

// Execute runs fn through exec and returns its value
func Execute[T any](ctx context.Context, exec *Executor, class OperationClass, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := exec.Do(ctx, class, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// BreakerState returns the current circuit state of a class
func (e *Executor) BreakerState(class OperationClass) gobreaker.State {
	if p, ok := e.policies[class]; ok {
		return p.breaker.State()
	}
	return gobreaker.StateClosed
}

// BreakerCounts returns the breaker counters of a class
func (e *Executor) BreakerCounts(class OperationClass) gobreaker.Counts {
	if p, ok := e.policies[class]; ok {
		return p.breaker.Counts()
	}
	return gobreaker.Counts{}
}

// opRetryable checks if the given operation may be retried under this policy
func (p *classPolicy) opRetryable(op string) bool {
	if nonIdempotentOps[op] || p.retry.MaxAttempts <= 1 {
		return false
	}
	if p.retryableOps == nil {
		return true
	}
	return p.retryableOps[op]
}

// backoffDelay calculates the delay before the next retry attempt
func (p *classPolicy) backoffDelay(attempt int) time.Duration {
	delay := float64(p.retry.InitialDelay) * math.Pow(p.retry.Multiplier, float64(attempt))

	if p.retry.MaxDelay > 0 && delay > float64(p.retry.MaxDelay) {
		delay = float64(p.retry.MaxDelay)
	}

	if p.retry.Jitter {
		jitter := rand.Float64() * 0.1 * delay // 10% jitter
		delay += jitter
	}

	return time.Duration(delay)
}

// clientOutcome labels errors that are an answer from the store rather than
// a store failure. It returns "" for everything else.
func clientOutcome(err error) string {
	var cacheErr *CacheError
	if !errors.As(err, &cacheErr) {
		return ""
	}
	switch cacheErr.Type {
	case ErrorTypeNotFound:
		return "miss"
	case ErrorTypeValidation, ErrorTypeSerialization, ErrorTypeKeyInvalid:
		return "rejected"
	}
	return ""
}

// countsAsSuccess tells the breaker which failures are not the store's fault
func countsAsSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var cacheErr *CacheError
	if errors.As(err, &cacheErr) {
		switch cacheErr.Type {
		case ErrorTypeNotFound, ErrorTypeValidation, ErrorTypeSerialization, ErrorTypeKeyInvalid:
			return true
		}
	}
	return false
}

func defaultCacheRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return IsRetryableError(err)
}

func defaultDatabaseRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !IsNotFoundError(err) && !IsValidationError(err)
}

func recordSpanError(span trace.Span, attempts int, err error) {
	span.SetAttributes(attribute.Int("resilience.attempts", attempts))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
