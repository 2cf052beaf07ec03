package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kengibson1111/go-tenant-cache/cache"
	"github.com/kengibson1111/go-tenant-cache/internal"
	"github.com/kengibson1111/go-tenant-cache/internal/models"
)

// Rate limit response headers
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderBurst      = "X-RateLimit-Burst"
	HeaderRetryAfter = "Retry-After"
)

// TierResolver maps a tenant to its quota tier
type TierResolver interface {
	ResolveTier(ctx context.Context, tenantID string) (models.Tier, error)
}

// StaticTierResolver resolves tiers from a fixed assignment table
type StaticTierResolver struct {
	tiers       map[string]models.Tier
	assignments map[string]string
	defaultTier string
}

// NewStaticTierResolver creates a resolver over the configured tiers.
// Tenants missing from assignments get the configured default tier.
func NewStaticTierResolver(config *internal.Config, assignments map[string]string) *StaticTierResolver {
	if assignments == nil {
		assignments = map[string]string{}
	}
	return &StaticTierResolver{
		tiers:       config.Tiers,
		assignments: assignments,
		defaultTier: config.DefaultTier,
	}
}

// ResolveTier returns the tier assigned to tenantID
func (r *StaticTierResolver) ResolveTier(_ context.Context, tenantID string) (models.Tier, error) {
	name, ok := r.assignments[tenantID]
	if !ok {
		name = r.defaultTier
	}
	tier, ok := r.tiers[name]
	if !ok {
		return models.Tier{}, internal.NewValidationError(fmt.Sprintf("unknown tier %q", name), nil)
	}
	return tier, nil
}

// OperationClassFor maps an HTTP method to its quota class
func OperationClassFor(method string) models.OperationClass {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return models.OperationRead
	default:
		return models.OperationWrite
	}
}

// RateLimit consumes one unit of the tenant's quota per request. It must run
// after TokenAuth. Requests above the burst ceiling get 429.
func RateLimit(limiter cache.Limiter, resolver TierResolver, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		tenantID := c.GetString(ContextTenantID)
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization token is required",
			})
			return
		}

		ctx := c.Request.Context()
		class := OperationClassFor(c.Request.Method)

		tier, err := resolver.ResolveTier(ctx, tenantID)
		if err != nil {
			logger.Warn("tier resolution failed, request not limited",
				zap.String("tenant_id", tenantID),
				zap.Error(err))
			c.Next()
			return
		}

		decision, err := limiter.CheckAndConsume(ctx, tenantID, class, tier)
		if err != nil {
			logger.Warn("rate limit check rejected its arguments, request not limited",
				zap.String("tenant_id", tenantID),
				zap.String("tier", tier.Name),
				zap.Error(err))
			c.Next()
			return
		}

		c.Header(HeaderLimit, strconv.Itoa(decision.Limit))
		c.Header(HeaderRemaining, strconv.Itoa(decision.Remaining))
		c.Header(HeaderReset, strconv.FormatInt(decision.ResetAt, 10))
		if decision.Burst {
			c.Header(HeaderBurst, "true")
		}

		if !decision.Allowed {
			retryAfter := decision.RetryAfter(time.Now())
			c.Header(HeaderRetryAfter, strconv.FormatInt(retryAfter, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":           "rate limit exceeded",
				"limit":           decision.Limit,
				"remaining":       decision.Remaining,
				"operation_class": decision.OperationClass,
				"retry_after":     retryAfter,
			})
			return
		}

		c.Next()
	}
}
