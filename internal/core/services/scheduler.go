package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quietlist-labs/quietlist-core/internal/core/domain"
	"github.com/quietlist-labs/quietlist-core/internal/core/ports/driven"
)

const schedulerLockName = "quietlist:scheduler"

// Scheduler runs the periodic maintenance loops: token health sweeps
// (enqueuing refresh tasks for connections close to expiry), data key
// rotation, and cleanup of stale checkpoints and terminal tasks.
//
// For multi-worker deployments, configure a DistributedLock so each
// sweep runs once per cluster, not once per process.
type Scheduler struct {
	vault     *Vault
	batches   driven.BatchStore
	taskQueue driven.TaskQueue
	lock      driven.DistributedLock
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	healthInterval    time.Duration
	rotationInterval  time.Duration
	keyMaxAge         time.Duration
	checkpointRetain  time.Duration
	taskRetainSeconds int
	lockTTL           time.Duration
	lastRotation      time.Time
}

// SchedulerConfig holds configuration for the scheduler.
type SchedulerConfig struct {
	Vault     *Vault
	Batches   driven.BatchStore
	TaskQueue driven.TaskQueue
	Lock      driven.DistributedLock // Optional: multi-instance coordination
	Logger    *slog.Logger

	HealthInterval   time.Duration // How often to sweep connections (default: 15m)
	RotationInterval time.Duration // How often to attempt key rotation (default: 24h)
	KeyMaxAge        time.Duration // Data keys older than this are re-wrapped (default: 90 days)
	CheckpointRetain time.Duration // Terminal-batch checkpoints older than this are purged (default: 7 days)
	TaskRetain       time.Duration // Terminal tasks older than this are purged (default: 24h)
	LockTTL          time.Duration // TTL for the distributed lock (default: 2x health interval)
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	healthInterval := cfg.HealthInterval
	if healthInterval == 0 {
		healthInterval = 15 * time.Minute
	}
	rotationInterval := cfg.RotationInterval
	if rotationInterval == 0 {
		rotationInterval = 24 * time.Hour
	}
	keyMaxAge := cfg.KeyMaxAge
	if keyMaxAge == 0 {
		keyMaxAge = 90 * 24 * time.Hour
	}
	checkpointRetain := cfg.CheckpointRetain
	if checkpointRetain == 0 {
		checkpointRetain = 7 * 24 * time.Hour
	}
	taskRetain := cfg.TaskRetain
	if taskRetain == 0 {
		taskRetain = 24 * time.Hour
	}
	lockTTL := cfg.LockTTL
	if lockTTL == 0 {
		lockTTL = 2 * healthInterval
	}

	return &Scheduler{
		vault:             cfg.Vault,
		batches:           cfg.Batches,
		taskQueue:         cfg.TaskQueue,
		lock:              cfg.Lock,
		logger:            logger,
		healthInterval:    healthInterval,
		rotationInterval:  rotationInterval,
		keyMaxAge:         keyMaxAge,
		checkpointRetain:  checkpointRetain,
		taskRetainSeconds: int(taskRetain.Seconds()),
		lockTTL:           lockTTL,
	}
}

// Start begins the scheduler loop. It runs until Stop is called or the
// context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler starting",
		"health_interval", s.healthInterval,
		"rotation_interval", s.rotationInterval)

	go s.run(ctx)

	return nil
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// run is the main scheduler loop.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	// Run immediately on start
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler context cancelled")
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one maintenance cycle under the distributed lock.
func (s *Scheduler) sweep(ctx context.Context) {
	if s.lock != nil {
		acquired, err := s.lock.Acquire(ctx, schedulerLockName, s.lockTTL)
		if err != nil {
			s.logger.Warn("failed to acquire scheduler lock", "error", err)
			return
		}
		if !acquired {
			s.logger.Debug("scheduler lock held by another instance, skipping cycle")
			return
		}
		defer func() {
			if err := s.lock.Release(ctx, schedulerLockName); err != nil {
				s.logger.Warn("failed to release scheduler lock", "error", err)
			}
		}()
	}

	s.healthSweep(ctx)

	if time.Since(s.lastRotation) >= s.rotationInterval {
		s.rotateKeys(ctx)
		s.purge(ctx)
		s.lastRotation = time.Now()
	}
}

// healthSweep probes all connections and enqueues a refresh task for
// every active connection whose token is expired or close to expiry.
func (s *Scheduler) healthSweep(ctx context.Context) {
	checks, err := s.vault.HealthCheckAllConnections(ctx)
	if err != nil {
		s.logger.Error("connection health sweep failed", "error", err)
		return
	}

	enqueued := 0
	for _, check := range checks {
		if !check.NeedsRefresh || check.ErrorMessage != "" {
			continue
		}
		conn, err := s.vault.GetConnection(ctx, check.ConnectionID)
		if err != nil {
			s.logger.Warn("lookup connection for refresh failed",
				"connection_id", check.ConnectionID, "error", err)
			continue
		}
		task := domain.NewRefreshTokenTask(conn.UserID, conn.ID)
		if err := s.taskQueue.Enqueue(ctx, task); err != nil {
			s.logger.Error("enqueue refresh task failed",
				"connection_id", conn.ID, "error", err)
			continue
		}
		enqueued++
	}

	s.logger.Info("connection health sweep finished",
		"checked", len(checks), "refresh_enqueued", enqueued)
}

// rotateKeys re-wraps data keys older than the configured maximum age.
func (s *Scheduler) rotateKeys(ctx context.Context) {
	cutoff := time.Now().Add(-s.keyMaxAge)
	rotated, err := s.vault.RotateDataKeys(ctx, cutoff)
	if err != nil {
		s.logger.Error("data key rotation failed", "error", err)
		return
	}
	if rotated > 0 {
		s.logger.Info("data key rotation finished", "rotated", rotated)
	}
}

// purge drops checkpoints of old terminal batches and terminal tasks.
func (s *Scheduler) purge(ctx context.Context) {
	cutoff := time.Now().Add(-s.checkpointRetain)
	removed, err := s.batches.PurgeCheckpoints(ctx, cutoff)
	if err != nil {
		s.logger.Error("checkpoint purge failed", "error", err)
	} else if removed > 0 {
		s.logger.Info("purged stale checkpoints", "removed", removed)
	}

	purged, err := s.taskQueue.PurgeTasks(ctx, s.taskRetainSeconds)
	if err != nil {
		s.logger.Error("task purge failed", "error", err)
	} else if purged > 0 {
		s.logger.Info("purged terminal tasks", "removed", purged)
	}
}
