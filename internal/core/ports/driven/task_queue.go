package driven

import (
	"context"

	"github.com/quietlist-labs/quietlist-core/internal/core/domain"
)

// TaskQueue handles background task queuing and processing.
// Implementations can use Redis Streams (preferred) or Postgres (fallback).
type TaskQueue interface {
	// Enqueue adds a task to the queue for processing.
	Enqueue(ctx context.Context, task *domain.Task) error

	// DequeueWithTimeout retrieves the next available task, waiting up
	// to timeout seconds. Returns nil, nil when none is available.
	DequeueWithTimeout(ctx context.Context, timeout int) (*domain.Task, error)

	// Ack acknowledges successful completion of a task.
	Ack(ctx context.Context, taskID string) error

	// Nack indicates processing failed. The task is requeued with
	// backoff until its attempts exceed MaxAttempts, then marked failed.
	Nack(ctx context.Context, taskID string, reason string) error

	// GetTask retrieves a task by ID (for status checking).
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)

	// PurgeTasks removes terminal tasks older than olderThan seconds.
	PurgeTasks(ctx context.Context, olderThan int) (int, error)

	// Ping checks if the queue backend is healthy.
	Ping(ctx context.Context) error

	// Close cleans up resources.
	Close() error
}
