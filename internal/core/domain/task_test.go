package domain

import (
	"testing"
	"time"
)

func TestNewTask(t *testing.T) {
	payload := map[string]string{"key": "value"}

	task := NewTask(TaskTypeExecuteBatch, "user-123", payload)

	if task.ID == "" {
		t.Error("expected non-empty ID")
	}
	if task.Type != TaskTypeExecuteBatch {
		t.Errorf("expected type %s, got %s", TaskTypeExecuteBatch, task.Type)
	}
	if task.UserID != "user-123" {
		t.Errorf("expected user ID user-123, got %s", task.UserID)
	}
	if task.Payload["key"] != "value" {
		t.Error("expected payload to be set")
	}
	if task.Status != TaskStatusPending {
		t.Errorf("expected status %s, got %s", TaskStatusPending, task.Status)
	}
	if task.Attempts != 0 {
		t.Errorf("expected attempts 0, got %d", task.Attempts)
	}
	if task.MaxAttempts != 3 {
		t.Errorf("expected max attempts 3, got %d", task.MaxAttempts)
	}
	if task.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
	if task.ScheduledFor.IsZero() {
		t.Error("expected ScheduledFor to be set")
	}
}

func TestTaskConstructors(t *testing.T) {
	execute := NewExecuteBatchTask("user-1", "batch-1")
	if execute.Type != TaskTypeExecuteBatch {
		t.Errorf("expected execute_batch, got %s", execute.Type)
	}
	if execute.BatchID() != "batch-1" {
		t.Errorf("expected batch-1, got %s", execute.BatchID())
	}

	rollback := NewRollbackBatchTask("user-1", "batch-2")
	if rollback.Type != TaskTypeRollbackBatch {
		t.Errorf("expected rollback_batch, got %s", rollback.Type)
	}
	if rollback.BatchID() != "batch-2" {
		t.Errorf("expected batch-2, got %s", rollback.BatchID())
	}

	refresh := NewRefreshTokenTask("user-1", "conn-1")
	if refresh.Type != TaskTypeRefreshToken {
		t.Errorf("expected refresh_token, got %s", refresh.Type)
	}
	if refresh.ConnectionID() != "conn-1" {
		t.Errorf("expected conn-1, got %s", refresh.ConnectionID())
	}
}

func TestTaskPayloadAccessors_NilPayload(t *testing.T) {
	task := &Task{}
	if task.BatchID() != "" {
		t.Error("expected empty batch ID for nil payload")
	}
	if task.ConnectionID() != "" {
		t.Error("expected empty connection ID for nil payload")
	}
}

func TestTaskLifecycle(t *testing.T) {
	task := NewExecuteBatchTask("user-1", "batch-1")

	task.MarkProcessing()
	if task.Status != TaskStatusProcessing {
		t.Errorf("expected processing, got %s", task.Status)
	}
	if task.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", task.Attempts)
	}
	if task.StartedAt == nil {
		t.Error("expected StartedAt to be set")
	}

	task.MarkCompleted()
	if task.Status != TaskStatusCompleted {
		t.Errorf("expected completed, got %s", task.Status)
	}
	if task.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
}

func TestTaskRetryBackoff(t *testing.T) {
	task := NewExecuteBatchTask("user-1", "batch-1")
	task.MarkProcessing()

	before := time.Now()
	task.Retry("provider timeout")

	if task.Status != TaskStatusPending {
		t.Errorf("expected pending after retry, got %s", task.Status)
	}
	if task.Error != "provider timeout" {
		t.Errorf("expected error recorded, got %q", task.Error)
	}
	// First retry after 1 attempt: 2s backoff.
	if task.ScheduledFor.Before(before.Add(time.Second)) {
		t.Error("expected backoff before next attempt")
	}
	if task.ScheduledFor.After(before.Add(10 * time.Second)) {
		t.Error("backoff too large for first retry")
	}
}

func TestTaskCanRetry(t *testing.T) {
	task := NewExecuteBatchTask("user-1", "batch-1")

	for i := 0; i < task.MaxAttempts; i++ {
		if !task.CanRetry() {
			t.Fatalf("expected retry allowed at attempt %d", i)
		}
		task.MarkProcessing()
	}
	if task.CanRetry() {
		t.Error("expected retries exhausted")
	}
}

func TestTaskIsReady(t *testing.T) {
	task := NewExecuteBatchTask("user-1", "batch-1")
	task.ScheduledFor = time.Now().Add(-time.Second)
	if !task.IsReady() {
		t.Error("expected pending past-due task to be ready")
	}

	task.ScheduledFor = time.Now().Add(time.Hour)
	if task.IsReady() {
		t.Error("expected future-scheduled task not ready")
	}

	task.ScheduledFor = time.Now().Add(-time.Second)
	task.MarkProcessing()
	if task.IsReady() {
		t.Error("expected processing task not ready")
	}
}
