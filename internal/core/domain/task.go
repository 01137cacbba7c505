package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskType identifies the type of background task
type TaskType string

const (
	// TaskTypeExecuteBatch runs an enforcement batch
	TaskTypeExecuteBatch TaskType = "execute_batch"
	// TaskTypeRollbackBatch rolls back a completed batch
	TaskTypeRollbackBatch TaskType = "rollback_batch"
	// TaskTypeRefreshToken proactively refreshes a connection's tokens
	TaskTypeRefreshToken TaskType = "refresh_token"
)

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Task represents a background job to be processed by workers
type Task struct {
	ID string `json:"id"`

	Type TaskType `json:"type"`

	// UserID scopes the task to a user
	UserID string `json:"user_id"`

	// Payload contains task-specific data
	// For execute_batch: {"batch_id": "..."}
	// For rollback_batch: {"batch_id": "..."}
	// For refresh_token: {"connection_id": "..."}
	Payload map[string]string `json:"payload"`

	Status TaskStatus `json:"status"`

	// Priority determines processing order (higher = more urgent)
	Priority int `json:"priority"`

	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	Error       string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ScheduledFor is when the task should be processed (for delayed tasks)
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewTask creates a new task with default values
func NewTask(taskType TaskType, userID string, payload map[string]string) *Task {
	now := time.Now()
	return &Task{
		ID:           uuid.NewString(),
		Type:         taskType,
		UserID:       userID,
		Payload:      payload,
		Status:       TaskStatusPending,
		MaxAttempts:  3,
		CreatedAt:    now,
		UpdatedAt:    now,
		ScheduledFor: now,
	}
}

// NewExecuteBatchTask creates a task to run an enforcement batch
func NewExecuteBatchTask(userID, batchID string) *Task {
	return NewTask(TaskTypeExecuteBatch, userID, map[string]string{"batch_id": batchID})
}

// NewRollbackBatchTask creates a task to roll back a batch
func NewRollbackBatchTask(userID, batchID string) *Task {
	return NewTask(TaskTypeRollbackBatch, userID, map[string]string{"batch_id": batchID})
}

// NewRefreshTokenTask creates a task to refresh a connection's tokens
func NewRefreshTokenTask(userID, connectionID string) *Task {
	return NewTask(TaskTypeRefreshToken, userID, map[string]string{"connection_id": connectionID})
}

// BatchID extracts the batch_id from the payload
func (t *Task) BatchID() string {
	if t.Payload == nil {
		return ""
	}
	return t.Payload["batch_id"]
}

// ConnectionID extracts the connection_id from the payload
func (t *Task) ConnectionID() string {
	if t.Payload == nil {
		return ""
	}
	return t.Payload["connection_id"]
}

// CanRetry returns true if the task can be retried
func (t *Task) CanRetry() bool {
	return t.Attempts < t.MaxAttempts
}

// IsReady returns true if the task is ready to be processed
func (t *Task) IsReady() bool {
	return t.Status == TaskStatusPending && time.Now().After(t.ScheduledFor)
}

// MarkProcessing updates the task to processing state
func (t *Task) MarkProcessing() {
	now := time.Now()
	t.Status = TaskStatusProcessing
	t.StartedAt = &now
	t.UpdatedAt = now
	t.Attempts++
}

// MarkCompleted updates the task to completed state
func (t *Task) MarkCompleted() {
	now := time.Now()
	t.Status = TaskStatusCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
	t.Error = ""
}

// MarkFailed updates the task to failed state
func (t *Task) MarkFailed(err string) {
	now := time.Now()
	t.Status = TaskStatusFailed
	t.UpdatedAt = now
	t.Error = err
}

// Retry resets the task for retry with exponential backoff
func (t *Task) Retry(err string) {
	now := time.Now()
	t.Status = TaskStatusPending
	t.UpdatedAt = now
	t.Error = err

	// 1s, 2s, 4s, ... capped at 5 minutes
	backoff := time.Duration(1<<t.Attempts) * time.Second
	if backoff > 5*time.Minute {
		backoff = 5 * time.Minute
	}
	t.ScheduledFor = now.Add(backoff)
}
