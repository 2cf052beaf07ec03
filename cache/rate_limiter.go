package cache

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/kengibson1111/go-tenant-cache/internal"
	"github.com/kengibson1111/go-tenant-cache/internal/models"
)

// Rate limit decisions recorded in metrics
const (
	decisionAllowed  = "allowed"
	decisionBurst    = "burst"
	decisionRejected = "rejected"
	decisionFailOpen = "fail_open"
)

// RateLimiter implements Limiter with fixed-window counters. A window is
// keyed by its start truncated to the tier's window length, so a caller can
// pass up to twice the ceiling across a window boundary.
type RateLimiter struct {
	store     internal.KeyStore
	keyGen    internal.KeyGenerator
	validator *internal.InputValidator
	*settings
}

var _ Limiter = (*RateLimiter)(nil)

// NewRateLimiter creates a rate limiter over store
func NewRateLimiter(store internal.KeyStore, config *internal.Config, opts ...Option) *RateLimiter {
	if config == nil {
		config = internal.DefaultConfig()
	}
	return &RateLimiter{
		store:     store,
		keyGen:    internal.NewKeyGenerator(config.KeyPrefix),
		validator: internal.NewInputValidator(),
		settings:  newSettings(opts),
	}
}

// window is the current fixed window of one tenant and class together with
// the quota that applies to it
type window struct {
	models.RateWindow
	key     string
	limit   int
	ceiling int
}

func (rl *RateLimiter) currentWindow(tenantID string, class models.OperationClass, tier models.Tier) (window, error) {
	if err := rl.validator.ValidateTenantID(tenantID); err != nil {
		return window{}, err
	}
	if err := rl.validator.ValidateOperationClass(class); err != nil {
		return window{}, err
	}
	if tier.WindowSeconds <= 0 || tier.BaseLimit <= 0 {
		return window{}, internal.NewValidationError(fmt.Sprintf("tier %q must have a positive limit and window", tier.Name), nil)
	}

	now := rl.now().Unix()
	start := now - now%int64(tier.WindowSeconds)
	key, err := rl.keyGen.BuildKey(tenantID, internal.CategoryRateLimit, string(class), strconv.FormatInt(start, 10))
	if err != nil {
		return window{}, err
	}
	return window{
		RateWindow: models.RateWindow{
			TenantID:       tenantID,
			OperationClass: class,
			WindowStart:    start,
		},
		key:     key,
		limit:   tier.Limit(class),
		ceiling: tier.BurstCeiling(class),
	}, nil
}

// CheckAndConsume counts one request against the tenant's quota for class.
// The increment is kept even when the request is rejected. If the store
// cannot be reached the request is admitted with FailOpen set. Only invalid
// arguments produce an error.
func (rl *RateLimiter) CheckAndConsume(ctx context.Context, tenantID string, class models.OperationClass, tier models.Tier) (models.Decision, error) {
	w, err := rl.currentWindow(tenantID, class, tier)
	if err != nil {
		return models.Decision{}, err
	}
	ctx = internal.WithTenant(ctx, tenantID)

	decision := models.Decision{
		Limit:          w.limit,
		ResetAt:        w.ResetAt(tier.WindowSeconds),
		OperationClass: class,
	}

	w.Count, err = rl.store.Increment(ctx, w.key, 1, tier.Window())
	if err != nil {
		return rl.failOpen(ctx, tenantID, class, decision, err), nil
	}

	switch {
	case w.Count <= int64(w.limit):
		decision.Allowed = true
		decision.Remaining = w.limit - int(w.Count)
		rl.metrics.ObserveDecision(string(class), decisionAllowed)
	case w.Count <= int64(w.ceiling):
		decision.Allowed = true
		decision.Burst = true
		rl.metrics.ObserveDecision(string(class), decisionBurst)
	default:
		rl.logger.Debug("rate limit exceeded",
			zap.String("tenant_id", w.TenantID),
			zap.String("operation_class", string(w.OperationClass)),
			zap.Int64("window_start", w.WindowStart),
			zap.Int64("count", w.Count))
		rl.metrics.ObserveDecision(string(class), decisionRejected)
		rl.emit(ctx, internal.Event{
			Category:       internal.EventRateLimitRejected,
			TenantID:       tenantID,
			OperationClass: string(class),
			Operation:      "check_and_consume",
			Outcome:        internal.OutcomeRejected,
		})
	}
	return decision, nil
}

// Peek reports the tenant's standing in the current window without
// consuming quota. Allowed tells whether the next request would be admitted.
func (rl *RateLimiter) Peek(ctx context.Context, tenantID string, class models.OperationClass, tier models.Tier) (models.Decision, error) {
	w, err := rl.currentWindow(tenantID, class, tier)
	if err != nil {
		return models.Decision{}, err
	}
	ctx = internal.WithTenant(ctx, tenantID)

	decision := models.Decision{
		Limit:          w.limit,
		ResetAt:        w.ResetAt(tier.WindowSeconds),
		OperationClass: class,
	}

	raw, found, err := rl.store.GetStrict(ctx, w.key)
	if err != nil {
		return rl.failOpen(ctx, tenantID, class, decision, err), nil
	}

	if found {
		w.Count, err = strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return rl.failOpen(ctx, tenantID, class, decision,
				internal.NewSerializationError(w.key, "rate limit counter is not an integer", err)), nil
		}
	}

	decision.Allowed = w.Count < int64(w.ceiling)
	decision.Burst = w.Count >= int64(w.limit) && decision.Allowed
	if w.Count < int64(w.limit) {
		decision.Remaining = w.limit - int(w.Count)
	}
	return decision, nil
}

// Reset clears the tenant's counter for the current window of class
func (rl *RateLimiter) Reset(ctx context.Context, tenantID string, class models.OperationClass, tier models.Tier) error {
	w, err := rl.currentWindow(tenantID, class, tier)
	if err != nil {
		return err
	}
	ctx = internal.WithTenant(ctx, tenantID)
	if _, err := rl.store.Delete(ctx, w.key); err != nil {
		return fmt.Errorf("failed to reset rate limit for tenant %s: %w", tenantID, err)
	}
	rl.logger.Info("rate limit window reset",
		zap.String("tenant_id", tenantID),
		zap.String("operation_class", string(class)))
	return nil
}

func (rl *RateLimiter) failOpen(ctx context.Context, tenantID string, class models.OperationClass, decision models.Decision, err error) models.Decision {
	rl.logger.Warn("rate limiter store unavailable, admitting request",
		zap.String("tenant_id", tenantID),
		zap.String("operation_class", string(class)),
		zap.Error(err))
	rl.metrics.ObserveDecision(string(class), decisionFailOpen)
	rl.emit(ctx, internal.Event{
		Category:       internal.EventRateLimitFailOpen,
		TenantID:       tenantID,
		OperationClass: string(class),
		Operation:      "check_and_consume",
		Outcome:        internal.OutcomeFailOpen,
		Err:            err,
	})

	decision.Allowed = true
	decision.FailOpen = true
	decision.Remaining = decision.Limit
	return decision
}
