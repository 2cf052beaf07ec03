package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kengibson1111/go-tenant-cache/internal"
	"github.com/kengibson1111/go-tenant-cache/internal/models"
)

// ListKind selects one of a tenant's cached task collections
type ListKind = internal.Category

const (
	ListTasks   ListKind = internal.CategoryTaskList
	ListOverdue ListKind = internal.CategoryOverdue
)

// Cache defines the read-through and invalidation surface for task data.
// Put operations are best-effort and never fail the surrounding request.
type Cache interface {
	// Task operations
	GetTask(ctx context.Context, tenantID, taskID string) internal.Result[*models.Task]
	PutTask(ctx context.Context, tenantID string, task *models.Task, ttl time.Duration)
	InvalidateTask(ctx context.Context, tenantID, taskID string) error

	// Collection operations
	GetList(ctx context.Context, tenantID string, kind ListKind, subKey string) internal.Result[[]models.Task]
	PutList(ctx context.Context, tenantID string, kind ListKind, items []models.Task, ttl time.Duration, subKey string)
	GetStatistics(ctx context.Context, tenantID string) internal.Result[*models.TaskStatistics]
	PutStatistics(ctx context.Context, tenantID string, stats *models.TaskStatistics, ttl time.Duration)
	InvalidateTenantLists(ctx context.Context, tenantID string) error

	// HandleMutation applies every invalidation a committed write requires
	HandleMutation(ctx context.Context, mutation models.TaskMutation) error

	// Management operations
	IsAvailable(ctx context.Context) bool
}

// TokenCache caches the outcome of JWT verification keyed by token hash
type TokenCache interface {
	Lookup(ctx context.Context, tokenHash string) (*models.ValidatedToken, bool)
	Store(ctx context.Context, tokenHash string, token *models.ValidatedToken) time.Duration
	Invalidate(ctx context.Context, tokenHash string)
	InvalidateAllForTenant(ctx context.Context, tenantID string) int64
}

// Limiter admits or rejects requests per tenant and operation class
type Limiter interface {
	CheckAndConsume(ctx context.Context, tenantID string, class models.OperationClass, tier models.Tier) (models.Decision, error)
	Peek(ctx context.Context, tenantID string, class models.OperationClass, tier models.Tier) (models.Decision, error)
	Reset(ctx context.Context, tenantID string, class models.OperationClass, tier models.Tier) error
}

// Option configures the components of this package
type Option func(*settings)

type settings struct {
	logger  *zap.Logger
	sink    internal.EventSink
	metrics *internal.MetricsCollector
	now     func() time.Time
}

func newSettings(opts []Option) *settings {
	s := &settings{
		logger: zap.NewNop(),
		sink:   internal.NopSink{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithLogger sets the structured logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEventSink sets the sink for store failures and rate-limit outcomes
func WithEventSink(sink internal.EventSink) Option {
	return func(s *settings) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithMetrics records lookups, decisions and events on m
func WithMetrics(m *internal.MetricsCollector) Option {
	return func(s *settings) {
		s.metrics = m
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

func (s *settings) emit(ctx context.Context, event internal.Event) {
	internal.Emit(ctx, s.sink, event)
	if s.metrics != nil {
		s.metrics.Emit(ctx, event)
	}
}
