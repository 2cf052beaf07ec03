package models

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// TaskStatus represents the workflow status of a task
type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusDone       TaskStatus = "done"
)

// Valid reports whether the status is one of the known values
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	default:
		return false
	}
}

// TaskPriority represents the priority of a task
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

// Task is the cached projection of a task row
type Task struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenant_id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	DueDate     *time.Time   `json:"due_date,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Validate validates the Task data integrity
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if t.TenantID == "" {
		return fmt.Errorf("task tenant ID cannot be empty")
	}
	if t.Title == "" {
		return fmt.Errorf("task title cannot be empty")
	}
	if t.Status != "" && !t.Status.Valid() {
		return fmt.Errorf("invalid task status: %s", t.Status)
	}
	return nil
}

// IsOverdue reports whether the task is past due and not done at the given instant
func (t *Task) IsOverdue(now time.Time) bool {
	return t.DueDate != nil && t.Status != StatusDone && t.DueDate.Before(now)
}

// TaskStatistics is the cached per-tenant statistics projection
type TaskStatistics struct {
	TenantID    string               `json:"tenant_id"`
	Total       int64                `json:"total"`
	ByStatus    map[TaskStatus]int64 `json:"by_status"`
	Overdue     int64                `json:"overdue"`
	GeneratedAt time.Time            `json:"generated_at"`
}

// MutationKind names the write that changed a tenant's task data
type MutationKind string

const (
	MutationCreated       MutationKind = "created"
	MutationUpdated       MutationKind = "updated"
	MutationStatusChanged MutationKind = "status_changed"
	MutationDeleted       MutationKind = "deleted"
)

// TaskMutation is the tagged event raised after a committed task write
type TaskMutation struct {
	TenantID string       `json:"tenant_id"`
	TaskID   string       `json:"task_id,omitempty"`
	Kind     MutationKind `json:"kind"`
}

// ValidatedToken is the cached outcome of a successful JWT verification
type ValidatedToken struct {
	TenantID  string          `json:"tenant_id"`
	IssuedAt  int64           `json:"issued_at"`
	ExpiresAt int64           `json:"expires_at"`
	RawClaims json.RawMessage `json:"raw_claims,omitempty"`
}

// Expired reports whether the token is expired at the given instant
func (v *ValidatedToken) Expired(now time.Time) bool {
	return v.ExpiresAt <= now.Unix()
}

// OperationClass groups requests that share a rate-limit quota
type OperationClass string

const (
	OperationRead  OperationClass = "read"
	OperationWrite OperationClass = "write"
)

// Tier is a static quota definition. A tenant's tier is resolved outside this module.
type Tier struct {
	Name                 string                     `json:"name" yaml:"name" validate:"required"`
	BaseLimit            int                        `json:"base_limit" yaml:"base_limit" validate:"gt=0"`
	WindowSeconds        int                        `json:"window_seconds" yaml:"window_seconds" validate:"gt=0"`
	BurstFraction        float64                    `json:"burst_fraction" yaml:"burst_fraction" validate:"gte=0,lte=1"`
	OperationMultipliers map[OperationClass]float64 `json:"operation_multipliers" yaml:"operation_multipliers" validate:"omitempty,dive,gt=0"`
}

// Limit returns the base quota for an operation class. Classes without a
// multiplier use the base limit; the result is never below one.
func (t Tier) Limit(class OperationClass) int {
	multiplier, ok := t.OperationMultipliers[class]
	if !ok {
		multiplier = 1.0
	}
	limit := int(math.Floor(float64(t.BaseLimit) * multiplier))
	if limit < 1 {
		limit = 1
	}
	return limit
}

// BurstCeiling returns the highest count still admitted for an operation class
func (t Tier) BurstCeiling(class OperationClass) int {
	limit := t.Limit(class)
	return limit + int(math.Floor(float64(limit)*t.BurstFraction))
}

// Window returns the window length as a duration
func (t Tier) Window() time.Duration {
	return time.Duration(t.WindowSeconds) * time.Second
}

// DefaultTiers returns the built-in tier table
func DefaultTiers() map[string]Tier {
	return map[string]Tier{
		"free": {
			Name:          "free",
			BaseLimit:     100,
			WindowSeconds: 60,
			BurstFraction: 0.2,
			OperationMultipliers: map[OperationClass]float64{
				OperationRead:  1.0,
				OperationWrite: 0.5,
			},
		},
		"pro": {
			Name:          "pro",
			BaseLimit:     1000,
			WindowSeconds: 60,
			BurstFraction: 0.25,
			OperationMultipliers: map[OperationClass]float64{
				OperationRead:  1.0,
				OperationWrite: 0.5,
			},
		},
		"enterprise": {
			Name:          "enterprise",
			BaseLimit:     10000,
			WindowSeconds: 60,
			BurstFraction: 0.5,
			OperationMultipliers: map[OperationClass]float64{
				OperationRead:  1.0,
				OperationWrite: 0.5,
			},
		},
	}
}

// RateWindow describes one fixed-window counter
type RateWindow struct {
	TenantID       string         `json:"tenant_id"`
	OperationClass OperationClass `json:"operation_class"`
	WindowStart    int64          `json:"window_start"`
	Count          int64          `json:"count"`
}

// ResetAt returns the epoch second at which the window ends
func (w RateWindow) ResetAt(windowSeconds int) int64 {
	return w.WindowStart + int64(windowSeconds)
}

// Decision is the outcome of a rate-limit check
type Decision struct {
	Allowed        bool           `json:"allowed"`
	Remaining      int            `json:"remaining"`
	ResetAt        int64          `json:"reset_at"`
	Limit          int            `json:"limit"`
	OperationClass OperationClass `json:"operation_class"`
	// Burst is set when the request was admitted above the base limit
	Burst bool `json:"burst,omitempty"`
	// FailOpen is set when the store could not be consulted and the request was admitted anyway
	FailOpen bool `json:"fail_open,omitempty"`
}

// RetryAfter returns how long a rejected caller should wait, in whole seconds
func (d Decision) RetryAfter(now time.Time) int64 {
	wait := d.ResetAt - now.Unix()
	if wait < 1 {
		wait = 1
	}
	return wait
}
