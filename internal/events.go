package internal

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// EventCategory names the kind of observable incident
type EventCategory string

const (
	EventRateLimitRejected  EventCategory = "rate_limit_rejected"
	EventRateLimitFailOpen  EventCategory = "rate_limit_fail_open"
	EventCircuitOpen        EventCategory = "circuit_open"
	EventCacheStoreFailure  EventCategory = "cache_store_failure"
	EventCacheDecodeFailure EventCategory = "cache_decode_failure"
)

// Outcome describes what the caller experienced
type Outcome string

const (
	OutcomeRejected       Outcome = "rejected"
	OutcomeFailOpen       Outcome = "fail_open"
	OutcomeShortCircuited Outcome = "short_circuited"
	OutcomeDegraded       Outcome = "degraded"
	OutcomeTreatedAsMiss  Outcome = "treated_as_miss"
)

// Event is emitted for every rejected rate-limit check, circuit short-circuit
// and cache-store failure.
type Event struct {
	Category       EventCategory
	TenantID       string
	OperationClass string
	Operation      string
	Outcome        Outcome
	Err            error
	Time           time.Time
}

// EventSink receives events. Implementations must be safe for concurrent use
// and must not block the request path.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

// EventSinkFunc adapts a function to EventSink
type EventSinkFunc func(ctx context.Context, event Event)

// Emit calls f(ctx, event)
func (f EventSinkFunc) Emit(ctx context.Context, event Event) {
	f(ctx, event)
}

// NopSink discards every event
type NopSink struct{}

// Emit implements EventSink
func (NopSink) Emit(context.Context, Event) {}

// MultiSink fans an event out to several sinks in order
type MultiSink []EventSink

// Emit implements EventSink
func (m MultiSink) Emit(ctx context.Context, event Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Emit(ctx, event)
		}
	}
}

// LoggingSink writes events to a zap logger
type LoggingSink struct {
	logger *zap.Logger
}

// NewLoggingSink creates a sink that logs every event at warn level
func NewLoggingSink(logger *zap.Logger) *LoggingSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingSink{logger: logger}
}

// Emit implements EventSink
func (s *LoggingSink) Emit(_ context.Context, event Event) {
	fields := []zap.Field{
		zap.String("category", string(event.Category)),
		zap.String("outcome", string(event.Outcome)),
	}
	if event.TenantID != "" {
		fields = append(fields, zap.String("tenant_id", event.TenantID))
	}
	if event.OperationClass != "" {
		fields = append(fields, zap.String("operation_class", event.OperationClass))
	}
	if event.Operation != "" {
		fields = append(fields, zap.String("operation", event.Operation))
	}
	if event.Err != nil {
		fields = append(fields, zap.Error(event.Err))
	}
	s.logger.Warn("shared state event", fields...)
}

type tenantContextKey struct{}

// WithTenant attaches a tenant ID to ctx so lower layers can tag their events
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tenantID)
}

// TenantFromContext returns the tenant ID attached by WithTenant, if any
func TenantFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	tenantID, _ := ctx.Value(tenantContextKey{}).(string)
	return tenantID
}

// Emit sends event to sink, filling in the time and the tenant carried by ctx
func Emit(ctx context.Context, sink EventSink, event Event) {
	if sink == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	if event.TenantID == "" {
		event.TenantID = TenantFromContext(ctx)
	}
	sink.Emit(ctx, event)
}
