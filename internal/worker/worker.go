package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quietlist-labs/quietlist-core/internal/core/domain"
	"github.com/quietlist-labs/quietlist-core/internal/core/ports/driven"
	"github.com/quietlist-labs/quietlist-core/internal/core/services"
)

// BatchExecutor runs and reverses enforcement batches.
// Implemented by services.Executor.
type BatchExecutor interface {
	ResumeBatch(ctx context.Context, batchID string) (*domain.ActionBatch, error)
	Rollback(ctx context.Context, batchID string, itemIDs ...string) (*domain.RollbackInfo, error)
}

// TokenRefresher refreshes stored provider credentials.
// Implemented by services.Vault.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, connectionID string) (*domain.ConnectionSummary, error)
}

// Worker processes tasks from the task queue: batch executions,
// rollbacks and token refreshes.
type Worker struct {
	taskQueue driven.TaskQueue
	executor  BatchExecutor
	vault     TokenRefresher
	scheduler *services.Scheduler
	logger    *slog.Logger

	// Configuration
	concurrency    int
	dequeueTimeout int // seconds

	// Internal state
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// WorkerConfig holds configuration for the worker.
type WorkerConfig struct {
	TaskQueue      driven.TaskQueue
	Executor       BatchExecutor
	Vault          TokenRefresher
	Scheduler      *services.Scheduler
	Logger         *slog.Logger
	Concurrency    int // Number of concurrent task processors
	DequeueTimeout int // Seconds to wait for a task before checking again
}

// NewWorker creates a new task worker.
func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	dequeueTimeout := cfg.DequeueTimeout
	if dequeueTimeout <= 0 {
		dequeueTimeout = 5
	}

	return &Worker{
		taskQueue:      cfg.TaskQueue,
		executor:       cfg.Executor,
		vault:          cfg.Vault,
		scheduler:      cfg.Scheduler,
		logger:         logger,
		concurrency:    concurrency,
		dequeueTimeout: dequeueTimeout,
	}
}

// Start begins the worker loop.
// It runs until Stop is called or context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	w.logger.Info("worker starting",
		"concurrency", w.concurrency,
		"dequeue_timeout", w.dequeueTimeout,
	)

	// Start the scheduler if provided
	if w.scheduler != nil {
		if err := w.scheduler.Start(ctx); err != nil {
			w.logger.Error("failed to start scheduler", "error", err)
		}
	}

	// Start worker goroutines
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			w.processLoop(ctx, workerID)
		}(i)
	}

	// Wait for all workers to finish
	go func() {
		wg.Wait()
		close(w.doneCh)
	}()

	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	w.mu.Unlock()

	// Stop the scheduler
	if w.scheduler != nil {
		w.scheduler.Stop()
	}

	// Wait for workers to finish
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("worker stopped")
}

// Wait blocks until the worker stops.
func (w *Worker) Wait() {
	<-w.doneCh
}

// processLoop is the main processing loop for a worker goroutine.
func (w *Worker) processLoop(ctx context.Context, workerID int) {
	logger := w.logger.With("worker_id", workerID)
	logger.Info("worker goroutine started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker context cancelled")
			return
		case <-w.stopCh:
			logger.Info("worker stop signal received")
			return
		default:
		}

		// Dequeue a task with timeout
		task, err := w.taskQueue.DequeueWithTimeout(ctx, w.dequeueTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			logger.Error("failed to dequeue task", "error", err)
			time.Sleep(time.Second) // Back off on error
			continue
		}

		if task == nil {
			// No task available, continue
			continue
		}

		// Process the task
		w.processTask(ctx, task, logger)
	}
}

// processTask processes a single task.
func (w *Worker) processTask(ctx context.Context, task *domain.Task, logger *slog.Logger) {
	logger = logger.With("task_id", task.ID, "task_type", task.Type, "user_id", task.UserID)
	logger.Info("processing task")

	startTime := time.Now()
	var err error

	switch task.Type {
	case domain.TaskTypeExecuteBatch:
		err = w.handleExecuteBatch(ctx, task)
	case domain.TaskTypeRollbackBatch:
		err = w.handleRollbackBatch(ctx, task)
	case domain.TaskTypeRefreshToken:
		err = w.handleRefreshToken(ctx, task)
	default:
		err = fmt.Errorf("unknown task type: %s", task.Type)
	}

	duration := time.Since(startTime)

	if err != nil {
		logger.Error("task failed",
			"duration", duration,
			"error", err,
		)

		// Nack the task so it can be retried
		if nackErr := w.taskQueue.Nack(ctx, task.ID, err.Error()); nackErr != nil {
			logger.Error("failed to nack task", "nack_error", nackErr)
		}
		return
	}

	logger.Info("task completed", "duration", duration)

	// Ack the task
	if ackErr := w.taskQueue.Ack(ctx, task.ID); ackErr != nil {
		logger.Error("failed to ack task", "ack_error", ackErr)
	}
}

// handleExecuteBatch resumes a stored batch to a terminal state.
func (w *Worker) handleExecuteBatch(ctx context.Context, task *domain.Task) error {
	batchID := task.BatchID()
	if batchID == "" {
		return fmt.Errorf("batch_id not found in task payload")
	}

	batch, err := w.executor.ResumeBatch(ctx, batchID)
	if err != nil {
		return err
	}

	if batch.Status == domain.BatchStatusFailed {
		return fmt.Errorf("batch failed: %d of %d actions errored",
			batch.Summary.FailedActions, batch.Summary.TotalActions)
	}

	return nil
}

// handleRollbackBatch reverses a completed batch.
func (w *Worker) handleRollbackBatch(ctx context.Context, task *domain.Task) error {
	batchID := task.BatchID()
	if batchID == "" {
		return fmt.Errorf("batch_id not found in task payload")
	}

	info, err := w.executor.Rollback(ctx, batchID)
	if err != nil {
		return err
	}

	if info.PartialRollback {
		// Partial rollbacks are reported, not retried: retrying would
		// re-execute inverses that already succeeded.
		w.logger.Warn("rollback was partial",
			"batch_id", batchID,
			"rollback_batch_id", info.RollbackBatchID,
			"errors", len(info.RollbackErrors),
		)
	}

	return nil
}

// handleRefreshToken refreshes a connection's tokens.
func (w *Worker) handleRefreshToken(ctx context.Context, task *domain.Task) error {
	connectionID := task.ConnectionID()
	if connectionID == "" {
		return fmt.Errorf("connection_id not found in task payload")
	}

	_, err := w.vault.RefreshToken(ctx, connectionID)
	if errors.Is(err, domain.ErrNeedsReauth) {
		// The connection is flagged for the user; retrying cannot help.
		w.logger.Warn("connection needs reauthorization", "connection_id", connectionID)
		return nil
	}
	return err
}

// Health returns health status of the worker.
type Health struct {
	Running     bool   `json:"running"`
	QueueHealth bool   `json:"queue_health"`
	Error       string `json:"error,omitempty"`
}

// Health returns the health status of the worker.
func (w *Worker) Health(ctx context.Context) Health {
	w.mu.RLock()
	running := w.running
	w.mu.RUnlock()

	health := Health{
		Running: running,
	}

	// Check queue health
	if err := w.taskQueue.Ping(ctx); err != nil {
		health.QueueHealth = false
		health.Error = err.Error()
	} else {
		health.QueueHealth = true
	}

	return health
}
