package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kengibson1111/go-tenant-cache/internal"
	"github.com/kengibson1111/go-tenant-cache/internal/models"
)

// taskRecord is the relational row behind models.Task
type taskRecord struct {
	TenantID    string `gorm:"primaryKey;column:tenant_id"`
	ID          string `gorm:"primaryKey;column:id"`
	Title       string `gorm:"not null"`
	Description string
	Status      string     `gorm:"not null;default:'todo';index"`
	Priority    string     `gorm:"not null;default:'medium'"`
	DueDate     *time.Time `gorm:"column:due_date;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName specifies the table name for taskRecord
func (taskRecord) TableName() string {
	return "tasks"
}

func recordFromTask(t *models.Task) taskRecord {
	rec := taskRecord{
		TenantID:    t.TenantID,
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		Priority:    string(t.Priority),
		CreatedAt:   t.CreatedAt.UTC(),
		UpdatedAt:   t.UpdatedAt.UTC(),
	}
	if t.DueDate != nil {
		due := t.DueDate.UTC()
		rec.DueDate = &due
	}
	return rec
}

func (r taskRecord) toTask() models.Task {
	task := models.Task{
		ID:          r.ID,
		TenantID:    r.TenantID,
		Title:       r.Title,
		Description: r.Description,
		Status:      models.TaskStatus(r.Status),
		Priority:    models.TaskPriority(r.Priority),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	if r.DueDate != nil {
		due := r.DueDate.UTC()
		task.DueDate = &due
	}
	return task
}

// TaskRepository is the authoritative task store. Every query runs through
// the database class of the resilience executor.
type TaskRepository struct {
	db        *gorm.DB
	exec      *internal.Executor
	logger    *zap.Logger
	validator *internal.InputValidator
	now       func() time.Time
}

// NewTaskRepository creates a repository over db
func NewTaskRepository(db *gorm.DB, exec *internal.Executor, logger *zap.Logger) *TaskRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	if exec == nil {
		exec = internal.NewExecutor(internal.DefaultResilienceConfig(), logger)
	}
	return &TaskRepository{
		db:        db,
		exec:      exec,
		logger:    logger,
		validator: internal.NewInputValidator(),
		now:       time.Now,
	}
}

// WithClock returns a copy of the repository that reads time from now
func (r *TaskRepository) WithClock(now func() time.Time) *TaskRepository {
	clone := *r
	clone.now = now
	return &clone
}

func (r *TaskRepository) do(ctx context.Context, op, key string, fn func(tx *gorm.DB) error) error {
	return r.exec.Do(ctx, internal.ClassDatabase, op, func(ctx context.Context) error {
		return translateError(key, fn(r.db.WithContext(ctx)))
	})
}

// Create inserts a task, assigning an ID and timestamps when missing
func (r *TaskRepository) Create(ctx context.Context, task *models.Task) error {
	if task == nil {
		return internal.NewValidationError("task cannot be nil", nil)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = models.StatusTodo
	}
	if task.Priority == "" {
		task.Priority = models.PriorityMedium
	}
	now := r.now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	if err := r.validator.ValidateTask(task); err != nil {
		return err
	}

	rec := recordFromTask(task)
	return r.do(ctx, "create", task.ID, func(tx *gorm.DB) error {
		return tx.Create(&rec).Error
	})
}

// Get returns one task of the tenant
func (r *TaskRepository) Get(ctx context.Context, tenantID, id string) (*models.Task, error) {
	if err := r.validateIDs(tenantID, id); err != nil {
		return nil, err
	}

	var rec taskRecord
	err := r.do(ctx, "get", id, func(tx *gorm.DB) error {
		return tx.Where("tenant_id = ? AND id = ?", tenantID, id).First(&rec).Error
	})
	if err != nil {
		return nil, err
	}
	task := rec.toTask()
	return &task, nil
}

// Update overwrites the mutable fields of a task
func (r *TaskRepository) Update(ctx context.Context, task *models.Task) error {
	if err := r.validator.ValidateTask(task); err != nil {
		return err
	}
	task.UpdatedAt = r.now().UTC()
	rec := recordFromTask(task)

	return r.do(ctx, "update", task.ID, func(tx *gorm.DB) error {
		result := tx.Model(&taskRecord{}).
			Where("tenant_id = ? AND id = ?", task.TenantID, task.ID).
			Updates(map[string]any{
				"title":       rec.Title,
				"description": rec.Description,
				"status":      rec.Status,
				"priority":    rec.Priority,
				"due_date":    rec.DueDate,
				"updated_at":  rec.UpdatedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// UpdateStatus changes the status of a task and returns the updated row
func (r *TaskRepository) UpdateStatus(ctx context.Context, tenantID, id string, status models.TaskStatus) (*models.Task, error) {
	if err := r.validateIDs(tenantID, id); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, internal.NewValidationError(fmt.Sprintf("invalid task status: %s", status), nil)
	}

	now := r.now().UTC()
	err := r.do(ctx, "update_status", id, func(tx *gorm.DB) error {
		result := tx.Model(&taskRecord{}).
			Where("tenant_id = ? AND id = ?", tenantID, id).
			Updates(map[string]any{"status": string(status), "updated_at": now})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, tenantID, id)
}

// Delete removes a task of the tenant
func (r *TaskRepository) Delete(ctx context.Context, tenantID, id string) error {
	if err := r.validateIDs(tenantID, id); err != nil {
		return err
	}
	return r.do(ctx, "delete", id, func(tx *gorm.DB) error {
		result := tx.Where("tenant_id = ? AND id = ?", tenantID, id).Delete(&taskRecord{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// List returns the tenant's tasks, newest first. An empty status lists every task.
func (r *TaskRepository) List(ctx context.Context, tenantID string, status models.TaskStatus) ([]models.Task, error) {
	if err := r.validator.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	if status != "" && !status.Valid() {
		return nil, internal.NewValidationError(fmt.Sprintf("invalid task status: %s", status), nil)
	}

	var recs []taskRecord
	err := r.do(ctx, "list", tenantID, func(tx *gorm.DB) error {
		query := tx.Where("tenant_id = ?", tenantID)
		if status != "" {
			query = query.Where("status = ?", string(status))
		}
		return query.Order("created_at desc").Order("id").Find(&recs).Error
	})
	if err != nil {
		return nil, err
	}
	return toTasks(recs), nil
}

// ListOverdue returns the tenant's open tasks whose due date has passed
func (r *TaskRepository) ListOverdue(ctx context.Context, tenantID string) ([]models.Task, error) {
	if err := r.validator.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	var recs []taskRecord
	err := r.do(ctx, "list_overdue", tenantID, func(tx *gorm.DB) error {
		return tx.Where("tenant_id = ? AND due_date IS NOT NULL AND due_date < ? AND status <> ?",
			tenantID, now, string(models.StatusDone)).
			Order("due_date").Order("id").
			Find(&recs).Error
	})
	if err != nil {
		return nil, err
	}
	return toTasks(recs), nil
}

// Statistics aggregates the tenant's task counts
func (r *TaskRepository) Statistics(ctx context.Context, tenantID string) (*models.TaskStatistics, error) {
	if err := r.validator.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	stats := &models.TaskStatistics{
		TenantID:    tenantID,
		ByStatus:    make(map[models.TaskStatus]int64),
		GeneratedAt: now,
	}

	err := r.do(ctx, "statistics", tenantID, func(tx *gorm.DB) error {
		var rows []struct {
			Status string
			Count  int64
		}
		if err := tx.Model(&taskRecord{}).
			Select("status, count(*) as count").
			Where("tenant_id = ?", tenantID).
			Group("status").
			Scan(&rows).Error; err != nil {
			return err
		}

		stats.Total = 0
		for _, row := range rows {
			stats.ByStatus[models.TaskStatus(row.Status)] = row.Count
			stats.Total += row.Count
		}

		return tx.Model(&taskRecord{}).
			Where("tenant_id = ? AND due_date IS NOT NULL AND due_date < ? AND status <> ?",
				tenantID, now, string(models.StatusDone)).
			Count(&stats.Overdue).Error
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (r *TaskRepository) validateIDs(tenantID, id string) error {
	if err := r.validator.ValidateTenantID(tenantID); err != nil {
		return err
	}
	return r.validator.ValidateIdentifier(id, "task ID")
}

func toTasks(recs []taskRecord) []models.Task {
	tasks := make([]models.Task, 0, len(recs))
	for _, rec := range recs {
		tasks = append(tasks, rec.toTask())
	}
	return tasks
}

// translateError maps gorm sentinels onto the shared error taxonomy
func translateError(key string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return internal.NewCacheError(internal.ErrorTypeNotFound, key, "task not found", nil)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return internal.NewValidationError(fmt.Sprintf("task %s already exists", key), err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return internal.NewTimeoutError(key, "database call interrupted", err)
	default:
		return err
	}
}
