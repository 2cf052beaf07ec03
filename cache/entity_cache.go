package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kengibson1111/go-tenant-cache/internal"
	"github.com/kengibson1111/go-tenant-cache/internal/models"
)

const (
	allItems         = "all"
	statisticsID     = "summary"
	activityMarkerID = "reads"
	probeTTL         = 10 * time.Second
)

// EntityCache implements Cache on top of a KeyStore
type EntityCache struct {
	store     internal.KeyStore
	keyGen    internal.KeyGenerator
	ttl       internal.TTLPolicy
	validator *internal.InputValidator
	threshold int64
	*settings
}

var _ Cache = (*EntityCache)(nil)

// NewEntityCache creates an entity cache over store
func NewEntityCache(store internal.KeyStore, config *internal.Config, opts ...Option) *EntityCache {
	if config == nil {
		config = internal.DefaultConfig()
	}
	return &EntityCache{
		store:     store,
		keyGen:    internal.NewKeyGenerator(config.KeyPrefix),
		ttl:       internal.NewTTLPolicy(config.TTL),
		validator: internal.NewInputValidator(),
		threshold: config.TTL.ActivityThreshold,
		settings:  newSettings(opts),
	}
}

// GetTask returns the cached task. Store failures and undecodable entries are
// reported as misses with the cause in Err.
func (ec *EntityCache) GetTask(ctx context.Context, tenantID, taskID string) internal.Result[*models.Task] {
	if err := ec.validateIDs(tenantID, taskID, "task ID"); err != nil {
		return internal.Result[*models.Task]{Err: err}
	}
	key, err := ec.keyGen.BuildKey(tenantID, internal.CategoryTask, taskID)
	if err != nil {
		return internal.Result[*models.Task]{Err: err}
	}

	var task models.Task
	found, err := ec.read(ctx, tenantID, internal.CategoryTask, key, &task)
	if !found {
		return internal.Result[*models.Task]{Err: err}
	}
	return internal.Result[*models.Task]{Value: &task, Found: true}
}

// PutTask caches a task. A zero ttl means no expiry for flagged
// categories; otherwise ttl <= 0 applies the TTL policy.
func (ec *EntityCache) PutTask(ctx context.Context, tenantID string, task *models.Task, ttl time.Duration) {
	if task == nil {
		ec.logger.Warn("refusing to cache nil task", zap.String("tenant_id", tenantID))
		return
	}
	if err := ec.validator.ValidateTask(task); err != nil {
		ec.logger.Warn("refusing to cache invalid task", zap.String("tenant_id", tenantID), zap.Error(err))
		return
	}
	if task.TenantID != tenantID {
		ec.logger.Warn("refusing to cache task under another tenant",
			zap.String("tenant_id", tenantID),
			zap.String("task_tenant_id", task.TenantID))
		return
	}

	key, err := ec.keyGen.BuildKey(tenantID, internal.CategoryTask, task.ID)
	if err != nil {
		ec.logger.Warn("failed to build task key", zap.Error(err))
		return
	}
	ec.write(ctx, tenantID, internal.CategoryTask, key, task, ttl)
}

// GetList returns a cached task collection. An empty subKey addresses the
// unfiltered collection.
func (ec *EntityCache) GetList(ctx context.Context, tenantID string, kind ListKind, subKey string) internal.Result[[]models.Task] {
	key, err := ec.listKey(tenantID, kind, subKey)
	if err != nil {
		return internal.Result[[]models.Task]{Err: err}
	}

	var items []models.Task
	found, err := ec.read(ctx, tenantID, kind, key, &items)
	if !found {
		return internal.Result[[]models.Task]{Err: err}
	}
	return internal.Result[[]models.Task]{Value: items, Found: true}
}

// PutList caches a task collection. A zero ttl means no expiry for flagged
// categories; otherwise ttl <= 0 applies the TTL policy.
func (ec *EntityCache) PutList(ctx context.Context, tenantID string, kind ListKind, items []models.Task, ttl time.Duration, subKey string) {
	key, err := ec.listKey(tenantID, kind, subKey)
	if err != nil {
		ec.logger.Warn("refusing to cache list", zap.String("tenant_id", tenantID), zap.Error(err))
		return
	}
	if items == nil {
		items = []models.Task{}
	}
	ec.write(ctx, tenantID, kind, key, items, ttl)
}

// GetStatistics returns the tenant's cached statistics
func (ec *EntityCache) GetStatistics(ctx context.Context, tenantID string) internal.Result[*models.TaskStatistics] {
	if err := ec.validator.ValidateTenantID(tenantID); err != nil {
		return internal.Result[*models.TaskStatistics]{Err: err}
	}
	key, err := ec.keyGen.BuildKey(tenantID, internal.CategoryStatistics, statisticsID)
	if err != nil {
		return internal.Result[*models.TaskStatistics]{Err: err}
	}

	var stats models.TaskStatistics
	found, err := ec.read(ctx, tenantID, internal.CategoryStatistics, key, &stats)
	if !found {
		return internal.Result[*models.TaskStatistics]{Err: err}
	}
	return internal.Result[*models.TaskStatistics]{Value: &stats, Found: true}
}

// PutStatistics caches the tenant's statistics. A zero ttl means no expiry for flagged
// categories; otherwise ttl <= 0 applies the TTL policy.
func (ec *EntityCache) PutStatistics(ctx context.Context, tenantID string, stats *models.TaskStatistics, ttl time.Duration) {
	if stats == nil {
		return
	}
	if err := ec.validator.ValidateTenantID(tenantID); err != nil {
		ec.logger.Warn("refusing to cache statistics", zap.Error(err))
		return
	}
	key, err := ec.keyGen.BuildKey(tenantID, internal.CategoryStatistics, statisticsID)
	if err != nil {
		ec.logger.Warn("failed to build statistics key", zap.Error(err))
		return
	}
	ec.write(ctx, tenantID, internal.CategoryStatistics, key, stats, ttl)
}

// InvalidateTask removes the single-task entry. Removing an absent entry is
// not an error.
func (ec *EntityCache) InvalidateTask(ctx context.Context, tenantID, taskID string) error {
	if err := ec.validateIDs(tenantID, taskID, "task ID"); err != nil {
		return err
	}
	key, err := ec.keyGen.BuildKey(tenantID, internal.CategoryTask, taskID)
	if err != nil {
		return err
	}
	ctx = internal.WithTenant(ctx, tenantID)

	_, err = ec.store.Delete(ctx, key)
	return ec.invalidationError(ctx, tenantID, "invalidate_task", err)
}

// InvalidateTenantLists removes the tenant's task lists, overdue lists and
// statistics. Every category is attempted even when one fails.
func (ec *EntityCache) InvalidateTenantLists(ctx context.Context, tenantID string) error {
	if err := ec.validator.ValidateTenantID(tenantID); err != nil {
		return err
	}
	ctx = internal.WithTenant(ctx, tenantID)

	var errs []error
	for _, category := range internal.ListCategories {
		pattern, err := ec.keyGen.BuildPattern(tenantID, category)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := ec.validator.ValidateTenantPattern(ec.keyGen.Prefix(), pattern); err != nil {
			errs = append(errs, err)
			continue
		}

		removed, err := ec.store.DeleteByPattern(ctx, pattern)
		if err := ec.invalidationError(ctx, tenantID, "invalidate_lists", err); err != nil {
			errs = append(errs, err)
			continue
		}
		if removed > 0 {
			ec.logger.Debug("invalidated tenant collection",
				zap.String("tenant_id", tenantID),
				zap.String("category", string(category)),
				zap.Int64("removed", removed))
		}
	}
	return errors.Join(errs...)
}

// HandleMutation invalidates everything a committed task write may have made
// stale: the task entry itself and every collection of the tenant.
func (ec *EntityCache) HandleMutation(ctx context.Context, mutation models.TaskMutation) error {
	if err := ec.validator.ValidateTenantID(mutation.TenantID); err != nil {
		return err
	}
	switch mutation.Kind {
	case models.MutationCreated, models.MutationUpdated, models.MutationStatusChanged, models.MutationDeleted:
	default:
		return internal.NewValidationError(fmt.Sprintf("unknown mutation kind %q", mutation.Kind), nil)
	}

	ctx = internal.WithTenant(ctx, mutation.TenantID)

	var errs []error
	if mutation.TaskID != "" && mutation.Kind != models.MutationCreated {
		if err := ec.InvalidateTask(ctx, mutation.TenantID, mutation.TaskID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := ec.InvalidateTenantLists(ctx, mutation.TenantID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// IsAvailable performs a set/get/delete round trip on a throwaway key
func (ec *EntityCache) IsAvailable(ctx context.Context) bool {
	key := ec.keyGen.SystemKey("probe:" + uuid.NewString())
	want := []byte(uuid.NewString())

	if err := ec.store.Set(ctx, key, want, probeTTL); err != nil {
		ec.logger.Warn("cache availability probe failed", zap.String("step", "set"), zap.Error(err))
		return false
	}
	got, found, err := ec.store.GetStrict(ctx, key)
	if err != nil || !found || string(got) != string(want) {
		ec.logger.Warn("cache availability probe failed", zap.String("step", "get"), zap.Error(err))
		return false
	}
	if _, err := ec.store.Delete(ctx, key); err != nil {
		ec.logger.Warn("cache availability probe failed", zap.String("step", "delete"), zap.Error(err))
		return false
	}
	return true
}

func (ec *EntityCache) validateIDs(tenantID, id, field string) error {
	if err := ec.validator.ValidateTenantID(tenantID); err != nil {
		return err
	}
	return ec.validator.ValidateIdentifier(id, field)
}

func (ec *EntityCache) listKey(tenantID string, kind ListKind, subKey string) (string, error) {
	if kind != ListTasks && kind != ListOverdue {
		return "", internal.NewValidationError(fmt.Sprintf("unknown list kind %q", kind), nil)
	}
	if err := ec.validator.ValidateTenantID(tenantID); err != nil {
		return "", err
	}
	id := allItems
	if subKey != "" {
		if err := ec.validator.ValidateIdentifier(subKey, "list sub-key"); err != nil {
			return "", err
		}
		id = subKey
	}
	return ec.keyGen.BuildKey(tenantID, kind, id)
}

// read loads and decodes key into dst and marks the tenant active. It
// reports whether dst was filled; an undecodable entry is deleted.
func (ec *EntityCache) read(ctx context.Context, tenantID string, category internal.Category, key string, dst any) (bool, error) {
	ctx = internal.WithTenant(ctx, tenantID)
	ec.markActive(ctx, tenantID)

	res := ec.store.Get(ctx, key)
	if res.Degraded() {
		ec.metrics.ObserveLookup(category, internal.LookupDegraded)
		ec.emit(ctx, internal.Event{
			Category:       internal.EventCacheStoreFailure,
			TenantID:       tenantID,
			OperationClass: string(internal.ClassCache),
			Operation:      "get",
			Outcome:        internal.OutcomeTreatedAsMiss,
			Err:            res.Err,
		})
		return false, res.Err
	}
	if !res.Found {
		ec.metrics.ObserveLookup(category, internal.LookupMiss)
		return false, nil
	}

	if err := json.Unmarshal(res.Value, dst); err != nil {
		serErr := internal.NewSerializationError(key, "failed to decode cached payload", err)
		ec.metrics.ObserveLookup(category, internal.LookupMiss)
		ec.emit(ctx, internal.Event{
			Category:       internal.EventCacheDecodeFailure,
			TenantID:       tenantID,
			OperationClass: string(internal.ClassCache),
			Operation:      "get",
			Outcome:        internal.OutcomeTreatedAsMiss,
			Err:            serErr,
		})
		if _, delErr := ec.store.Delete(ctx, key); delErr != nil {
			ec.logger.Warn("failed to delete undecodable entry", zap.String("key", key), zap.Error(delErr))
		}
		return false, serErr
	}

	ec.metrics.ObserveLookup(category, internal.LookupHit)
	return true, nil
}

// write encodes value and stores it. A zero ttl means no expiry for
// categories configured that way; otherwise ttl <= 0 applies the TTL policy.
// Failures are logged and emitted, never returned.
func (ec *EntityCache) write(ctx context.Context, tenantID string, category internal.Category, key string, value any, ttl time.Duration) {
	ctx = internal.WithTenant(ctx, tenantID)
	switch {
	case ttl == 0 && ec.ttl.AllowsNoExpiry(category):
	case ttl <= 0:
		ttl = ec.ttl.ResolveTTL(category, ec.isActive(ctx, tenantID))
	default:
		if err := ec.validator.ValidateTTL(ttl, false); err != nil {
			ec.logger.Warn("refusing to cache entry", zap.String("key", key), zap.Error(err))
			return
		}
	}

	data, err := json.Marshal(value)
	if err != nil {
		ec.logger.Warn("failed to encode cache entry", zap.String("key", key), zap.Error(err))
		return
	}

	if err := ec.store.Set(ctx, key, data, ttl); err != nil {
		ec.logger.Warn("failed to populate cache",
			zap.String("tenant_id", tenantID),
			zap.String("category", string(category)),
			zap.Error(err))
		ec.emit(ctx, internal.Event{
			Category:       internal.EventCacheStoreFailure,
			TenantID:       tenantID,
			OperationClass: string(internal.ClassCache),
			Operation:      "set",
			Outcome:        internal.OutcomeDegraded,
			Err:            err,
		})
	}
}

// markActive counts a read in the tenant's current activity window
func (ec *EntityCache) markActive(ctx context.Context, tenantID string) {
	key, err := ec.keyGen.BuildKey(tenantID, internal.CategoryActivity, activityMarkerID)
	if err != nil {
		return
	}
	window := ec.ttl.Base(internal.CategoryActivity)
	if window <= 0 {
		return
	}
	if _, err := ec.store.Increment(ctx, key, 1, window); err != nil {
		ec.logger.Debug("failed to record tenant activity", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

func (ec *EntityCache) isActive(ctx context.Context, tenantID string) bool {
	key, err := ec.keyGen.BuildKey(tenantID, internal.CategoryActivity, activityMarkerID)
	if err != nil {
		return false
	}
	res := ec.store.Get(ctx, key)
	if !res.Found {
		return false
	}
	reads, err := strconv.ParseInt(string(res.Value), 10, 64)
	if err != nil {
		return false
	}
	threshold := ec.threshold
	if threshold < 1 {
		threshold = internal.DefaultActivityThreshold
	}
	return reads >= threshold
}

// invalidationError swallows store failures on an invalidation path except
// the ones the caller must act on: an open circuit or exhausted retries.
func (ec *EntityCache) invalidationError(ctx context.Context, tenantID, op string, err error) error {
	if err == nil {
		return nil
	}
	if internal.IsValidationError(err) {
		return err
	}

	ec.logger.Warn("cache invalidation failed",
		zap.String("tenant_id", tenantID),
		zap.String("operation", op),
		zap.Error(err))
	ec.emit(ctx, internal.Event{
		Category:       internal.EventCacheStoreFailure,
		TenantID:       tenantID,
		OperationClass: string(internal.ClassCache),
		Operation:      op,
		Outcome:        internal.OutcomeDegraded,
		Err:            err,
	})

	if internal.IsCircuitOpenError(err) || internal.IsRetryExhaustedError(err) {
		return err
	}
	return nil
}
