// internal/domain/task_record.go
package domain

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	// ErrTaskNotFound is a sentinel error returned when a task record is not found.
	ErrTaskNotFound = errors.New("task not found")
	// ErrStatusTransition is returned when an update would move a record out
	// of a terminal status or out of a status it is no longer in.
	ErrStatusTransition = errors.New("task status transition rejected")
)

// TaskStatus defines the lifecycle status of a submitted task.
type TaskStatus string

const (
	TaskStatusQueued         TaskStatus = "queued"
	TaskStatusRunning        TaskStatus = "running"
	TaskStatusRetrying       TaskStatus = "retrying"
	TaskStatusSucceeded      TaskStatus = "succeeded"
	TaskStatusDeadLettered   TaskStatus = "dead_lettered"
	TaskStatusDelivered      TaskStatus = "delivered"
	TaskStatusDeliveryFailed TaskStatus = "delivery_failed"
	TaskStatusAbandoned      TaskStatus = "abandoned"
)

// Terminal reports whether no further pipeline stage will touch the task.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusDeadLettered, TaskStatusDelivered, TaskStatusDeliveryFailed, TaskStatusAbandoned:
		return true
	}
	return false
}

// TaskRecord tracks what the pipeline has observed for one task_id.
type TaskRecord struct {
	TaskID      string     `json:"task_id"`
	Kind        string     `json:"kind"`
	CallbackURL string     `json:"callback_url"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	WorkerID    string     `json:"worker_id,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Validate checks if the task record is valid.
func (r *TaskRecord) Validate() error {
	if r.TaskID == "" {
		return fmt.Errorf("task record ID cannot be empty")
	}
	if r.Status == "" {
		return fmt.Errorf("task record status cannot be empty")
	}
	if r.SubmittedAt.IsZero() {
		return fmt.Errorf("task record submitted time cannot be zero")
	}
	return nil
}

// TaskUpdate describes a status transition reported by a pipeline stage.
type TaskUpdate struct {
	Status   TaskStatus
	Attempts int
	Error    string
	WorkerID string
	// From restricts the update to records still in one of these statuses.
	From []TaskStatus
}

// TaskRepository persists task records.
type TaskRepository interface {
	// Save persists a full record, replacing any previous one.
	Save(ctx context.Context, record *TaskRecord) error
	// Get returns ErrTaskNotFound when no record exists.
	Get(ctx context.Context, taskID string) (*TaskRecord, error)
	// Update applies a transition to an existing record. It returns
	// ErrStatusTransition when the record's current status does not allow it.
	Update(ctx context.Context, taskID string, update TaskUpdate) error
	// ListByStatus returns records currently in any of the given statuses.
	ListByStatus(ctx context.Context, statuses ...TaskStatus) ([]*TaskRecord, error)
}

// Apply copies the non-zero fields of an update onto the record. Terminal
// records never change.
func (r *TaskRecord) Apply(update TaskUpdate, now time.Time) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s is terminal, refusing %s", ErrStatusTransition, r.Status, update.Status)
	}
	if len(update.From) > 0 && !slices.Contains(update.From, r.Status) {
		return fmt.Errorf("%w: status is %s, expected one of %v", ErrStatusTransition, r.Status, update.From)
	}
	r.Status = update.Status
	if update.Attempts > 0 {
		r.Attempts = update.Attempts
	}
	r.Error = update.Error
	if update.WorkerID != "" {
		r.WorkerID = update.WorkerID
	}
	r.UpdatedAt = now
	return nil
}
