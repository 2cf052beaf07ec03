// Package service composes the task store and the shared cache. Reads go
// through the cache and fall back to the store; writes commit to the store
// first and then invalidate every cached projection they affect.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kengibson1111/go-tenant-cache/cache"
	"github.com/kengibson1111/go-tenant-cache/internal"
	"github.com/kengibson1111/go-tenant-cache/internal/models"
)

// TaskStore is the authoritative task store
type TaskStore interface {
	Create(ctx context.Context, task *models.Task) error
	Get(ctx context.Context, tenantID, id string) (*models.Task, error)
	Update(ctx context.Context, task *models.Task) error
	UpdateStatus(ctx context.Context, tenantID, id string, status models.TaskStatus) (*models.Task, error)
	Delete(ctx context.Context, tenantID, id string) error
	List(ctx context.Context, tenantID string, status models.TaskStatus) ([]models.Task, error)
	ListOverdue(ctx context.Context, tenantID string) ([]models.Task, error)
	Statistics(ctx context.Context, tenantID string) (*models.TaskStatistics, error)
}

// MutationResult reports a committed write. CacheStale is set when the write
// succeeded but its invalidation was refused, so cached projections may be
// served until their TTL runs out.
type MutationResult struct {
	Task       *models.Task
	CacheStale bool
}

// TaskService serves tenant-scoped task reads and writes
type TaskService struct {
	store  TaskStore
	cache  cache.Cache
	logger *zap.Logger
}

// NewTaskService creates a TaskService
func NewTaskService(store TaskStore, c cache.Cache, logger *zap.Logger) *TaskService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskService{store: store, cache: c, logger: logger}
}

// GetTask returns one task, reading through the cache
func (s *TaskService) GetTask(ctx context.Context, tenantID, id string) (*models.Task, error) {
	ctx = internal.WithTenant(ctx, tenantID)

	if res := s.cache.GetTask(ctx, tenantID, id); res.Found {
		return res.Value, nil
	}

	task, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	s.cache.PutTask(ctx, tenantID, task, 0)
	return task, nil
}

// ListTasks returns the tenant's tasks, optionally filtered by status
func (s *TaskService) ListTasks(ctx context.Context, tenantID string, status models.TaskStatus) ([]models.Task, error) {
	if status != "" && !status.Valid() {
		return nil, internal.NewValidationError(fmt.Sprintf("invalid task status: %s", status), nil)
	}
	ctx = internal.WithTenant(ctx, tenantID)

	subKey := ""
	if status != "" {
		subKey = "status=" + string(status)
	}
	if res := s.cache.GetList(ctx, tenantID, cache.ListTasks, subKey); res.Found {
		return res.Value, nil
	}

	tasks, err := s.store.List(ctx, tenantID, status)
	if err != nil {
		return nil, err
	}
	s.cache.PutList(ctx, tenantID, cache.ListTasks, tasks, 0, subKey)
	return tasks, nil
}

// ListOverdue returns the tenant's overdue tasks
func (s *TaskService) ListOverdue(ctx context.Context, tenantID string) ([]models.Task, error) {
	ctx = internal.WithTenant(ctx, tenantID)

	if res := s.cache.GetList(ctx, tenantID, cache.ListOverdue, ""); res.Found {
		return res.Value, nil
	}

	tasks, err := s.store.ListOverdue(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	s.cache.PutList(ctx, tenantID, cache.ListOverdue, tasks, 0, "")
	return tasks, nil
}

// Statistics returns the tenant's task statistics
func (s *TaskService) Statistics(ctx context.Context, tenantID string) (*models.TaskStatistics, error) {
	ctx = internal.WithTenant(ctx, tenantID)

	if res := s.cache.GetStatistics(ctx, tenantID); res.Found {
		return res.Value, nil
	}

	stats, err := s.store.Statistics(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	s.cache.PutStatistics(ctx, tenantID, stats, 0)
	return stats, nil
}

// CreateTask stores a new task for the tenant
func (s *TaskService) CreateTask(ctx context.Context, tenantID string, task *models.Task) (MutationResult, error) {
	if task == nil {
		return MutationResult{}, internal.NewValidationError("task cannot be nil", nil)
	}
	task.TenantID = tenantID
	ctx = internal.WithTenant(ctx, tenantID)

	if err := s.store.Create(ctx, task); err != nil {
		return MutationResult{}, err
	}
	return s.committed(ctx, task, models.MutationCreated), nil
}

// UpdateTask overwrites a task of the tenant
func (s *TaskService) UpdateTask(ctx context.Context, tenantID string, task *models.Task) (MutationResult, error) {
	if task == nil {
		return MutationResult{}, internal.NewValidationError("task cannot be nil", nil)
	}
	task.TenantID = tenantID
	ctx = internal.WithTenant(ctx, tenantID)

	if err := s.store.Update(ctx, task); err != nil {
		return MutationResult{}, err
	}
	return s.committed(ctx, task, models.MutationUpdated), nil
}

// UpdateStatus moves a task of the tenant to a new status
func (s *TaskService) UpdateStatus(ctx context.Context, tenantID, id string, status models.TaskStatus) (MutationResult, error) {
	ctx = internal.WithTenant(ctx, tenantID)

	task, err := s.store.UpdateStatus(ctx, tenantID, id, status)
	if err != nil {
		return MutationResult{}, err
	}
	return s.committed(ctx, task, models.MutationStatusChanged), nil
}

// DeleteTask removes a task of the tenant
func (s *TaskService) DeleteTask(ctx context.Context, tenantID, id string) (MutationResult, error) {
	ctx = internal.WithTenant(ctx, tenantID)

	if err := s.store.Delete(ctx, tenantID, id); err != nil {
		return MutationResult{}, err
	}
	return s.committed(ctx, &models.Task{ID: id, TenantID: tenantID}, models.MutationDeleted), nil
}

// committed runs the invalidation owed by a write that is already durable.
// The write is never rolled back; a refused invalidation is reported instead.
func (s *TaskService) committed(ctx context.Context, task *models.Task, kind models.MutationKind) MutationResult {
	err := s.cache.HandleMutation(ctx, models.TaskMutation{
		TenantID: task.TenantID,
		TaskID:   task.ID,
		Kind:     kind,
	})
	if err == nil {
		return MutationResult{Task: task}
	}

	s.logger.Warn("cache invalidation refused after committed write",
		zap.String("tenant_id", task.TenantID),
		zap.String("task_id", task.ID),
		zap.String("mutation", string(kind)),
		zap.Bool("refused", cache.IsInvalidationRefused(err)),
		zap.Error(err))
	return MutationResult{Task: task, CacheStale: true}
}
