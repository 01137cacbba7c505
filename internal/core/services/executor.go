package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quietlist-labs/quietlist-core/internal/core/domain"
	"github.com/quietlist-labs/quietlist-core/internal/core/ports/driven"
)

const (
	// retryBaseDelay is the initial backoff between attempts on a
	// recoverable item failure.
	retryBaseDelay = time.Second

	// retryMaxDelay caps the per-attempt backoff.
	retryMaxDelay = 30 * time.Second

	rollbackKeyPrefix = "rollback_"
)

// ExecutorConfig holds dependencies for the batch executor.
type ExecutorConfig struct {
	Batches  driven.BatchStore
	Vault    *Vault
	Limiter  *RateLimiter
	Provider driven.ProviderAPI
	Logger   *slog.Logger

	// Clock is injectable for tests. Defaults to time.Now.
	Clock func() time.Time

	// Sleep is injectable for tests. Defaults to a ctx-aware timer wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Executor runs enforcement plans against streaming providers as
// resumable batches. Items execute sequentially in dependency order;
// progress is checkpointed after every terminal item so an interrupted
// run picks up where it stopped instead of repeating provider calls.
type Executor struct {
	batches  driven.BatchStore
	vault    *Vault
	limiter  *RateLimiter
	provider driven.ProviderAPI
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// NewExecutor creates a batch executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	return &Executor{
		batches:  cfg.Batches,
		vault:    cfg.Vault,
		limiter:  cfg.Limiter,
		provider: cfg.Provider,
		logger:   logger,
		now:      clock,
		sleep:    sleep,
		cancels:  make(map[string]context.CancelFunc),
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ExecuteBatch runs an enforcement plan. When the plan carries an
// idempotency key of a batch that already ran, the stored batch is
// returned as-is if terminal, or resumed from its checkpoint if not.
func (e *Executor) ExecuteBatch(ctx context.Context, plan *domain.EnforcementPlan, opts domain.BatchOptions) (*domain.ActionBatch, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}

	if plan.IdempotencyKey != "" {
		existing, err := e.batches.GetBatchByIdempotencyKey(ctx, plan.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if existing != nil {
			if existing.IsTerminal() {
				e.logger.Info("batch already executed, returning stored result",
					"batch_id", existing.ID, "status", existing.Status)
				return existing, nil
			}
			e.logger.Info("resuming interrupted batch", "batch_id", existing.ID)
			return e.run(ctx, existing)
		}
	}

	batch := domain.NewActionBatch(plan, opts)
	items := make([]*domain.ActionItem, 0, len(plan.Actions))
	for _, action := range plan.Actions {
		items = append(items, domain.NewActionItem(batch.ID, action))
	}

	if err := e.batches.SaveBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("save batch: %w", err)
	}
	if err := e.batches.SaveItems(ctx, items); err != nil {
		return nil, fmt.Errorf("save items: %w", err)
	}
	return e.run(ctx, batch)
}

// ResumeBatch continues a non-terminal batch from its checkpoint.
func (e *Executor) ResumeBatch(ctx context.Context, batchID string) (*domain.ActionBatch, error) {
	batch, err := e.batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.IsTerminal() {
		return batch, nil
	}
	return e.run(ctx, batch)
}

// GetBatch returns a batch with its current state.
func (e *Executor) GetBatch(ctx context.Context, batchID string) (*domain.ActionBatch, error) {
	return e.batches.GetBatch(ctx, batchID)
}

// GetProgress returns the checkpoint-derived progress of a batch in
// [0, 100], or 0 when no checkpoint exists yet.
func (e *Executor) GetProgress(ctx context.Context, batchID string) (float64, error) {
	cp, err := e.batches.GetCheckpoint(ctx, batchID)
	if err != nil {
		return 0, err
	}
	if cp == nil {
		return 0, nil
	}
	return cp.ProgressPercentage(), nil
}

// CancelBatch requests cooperative cancellation of a running batch.
// The in-flight item finishes; remaining pending items are not started.
func (e *Executor) CancelBatch(batchID string) bool {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	cancel, ok := e.cancels[batchID]
	if ok {
		cancel()
	}
	return ok
}

// run executes (or resumes) a batch to a terminal state.
func (e *Executor) run(ctx context.Context, batch *domain.ActionBatch) (*domain.ActionBatch, error) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancelMu.Lock()
	e.cancels[batch.ID] = cancel
	e.cancelMu.Unlock()
	defer func() {
		cancel()
		e.cancelMu.Lock()
		delete(e.cancels, batch.ID)
		e.cancelMu.Unlock()
	}()

	started := e.now()

	items, err := e.batches.GetItems(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}

	cp, err := e.batches.GetCheckpoint(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		cp = domain.NewBatchCheckpoint(batch.ID, len(items))
	}

	batch.Status = domain.BatchStatusInProgress
	batch.UpdatedAt = e.now()
	if err := e.batches.SaveBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("save batch: %w", err)
	}

	var accessToken string
	if !batch.DryRun {
		token, err := e.vault.GetDecryptedToken(ctx, batch.ConnectionID)
		if err != nil {
			// No item can run without the token, so the whole batch
			// fails. The summary stays empty, which distinguishes a
			// systemic failure from item-level ones.
			e.markFailed(ctx, batch)
			return nil, fmt.Errorf("decrypt connection token: %w", err)
		}
		accessToken = token.AccessToken
	}

	ordered := orderByDependencies(items)
	outcomes := itemOutcomes(items)
	cancelled := false

	for _, item := range ordered {
		if item.IsTerminal() {
			outcomes[item.EntityID] = item.Status
			continue
		}

		// Cancellation is cooperative: checked between items, never
		// mid-call, so the provider is left in a known state.
		if runCtx.Err() != nil {
			cancelled = true
			break
		}

		if blocked, dep := dependencyBlocked(item, outcomes); blocked {
			item.MarkSkipped("dependency " + dep + " did not complete")
			if err := e.persistItem(ctx, batch, item, cp); err != nil {
				return nil, err
			}
			outcomes[item.EntityID] = item.Status
			continue
		}

		if err := e.executeItem(runCtx, batch, item, accessToken, cp); err != nil {
			if runCtx.Err() != nil {
				cancelled = true
				break
			}
			return nil, err
		}
		outcomes[item.EntityID] = item.Status
	}

	return e.finalize(ctx, batch, cp, cancelled, started)
}

// markFailed persists a terminal failed state without a summary pass,
// for failures that prevent any item from running.
func (e *Executor) markFailed(ctx context.Context, batch *domain.ActionBatch) {
	batch.Status = domain.BatchStatusFailed
	now := e.now()
	batch.UpdatedAt = now
	batch.CompletedAt = &now
	if err := e.batches.SaveBatch(ctx, batch); err != nil {
		e.logger.Error("persist failed batch", "batch_id", batch.ID, "error", err)
	}
}

// executeItem drives one item to a terminal state: waits for rate-limit
// capacity, calls the provider with bounded retries, then checkpoints.
func (e *Executor) executeItem(ctx context.Context, batch *domain.ActionBatch, item *domain.ActionItem, accessToken string, cp *domain.BatchCheckpoint) error {
	if batch.DryRun {
		item.MarkInProgress()
		item.MarkCompleted(simulatedAfterState(item.Action))
		return e.persistItem(ctx, batch, item, cp)
	}

	if err := e.waitForCapacity(ctx, batch, item); err != nil {
		return err
	}
	if item.IsTerminal() {
		// Skipped while waiting for rate-limit capacity.
		return e.persistItem(ctx, batch, item, cp)
	}

	// Negative MaxRetries means no retries, not no attempts.
	maxRetries := batch.Options.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, retryDelay(attempt)); err != nil {
				return err
			}
			if err := e.waitForCapacity(ctx, batch, item); err != nil {
				return err
			}
			if item.IsTerminal() {
				return e.persistItem(ctx, batch, item, cp)
			}
		}

		item.MarkInProgress()
		cp.APICallsMade++

		result, err := e.provider.ExecuteAction(ctx, driven.ProviderAction{
			Provider:    batch.Provider,
			Action:      item.Action,
			EntityType:  item.EntityType,
			EntityID:    item.EntityID,
			AccessToken: accessToken,
		})
		if err == nil {
			var hint *domain.RateLimitHint
			var after *domain.EntityState
			if result != nil {
				hint = result.RateLimit
				after = result.AfterState
			}
			e.limiter.RecordSuccess(batch.Provider, hint)
			item.MarkCompleted(after)
			return e.persistItem(ctx, batch, item, cp)
		}

		lastErr = err
		var hint *domain.RateLimitHint
		if result != nil {
			hint = result.RateLimit
		}
		e.limiter.RecordFailure(batch.Provider, hint)

		if !domain.IsRecoverable(err) {
			break
		}
		e.logger.Warn("item attempt failed, retrying",
			"batch_id", batch.ID,
			"entity_id", item.EntityID,
			"attempt", attempt+1,
			"error", err)
	}

	item.MarkFailed(lastErr.Error(), domain.IsRecoverable(lastErr))
	return e.persistItem(ctx, batch, item, cp)
}

// waitForCapacity blocks until the provider may be called, bounded by
// the batch's MaxRateLimitWait. The item is skipped when the bound is
// exceeded so one throttled provider cannot stall the whole batch.
func (e *Executor) waitForCapacity(ctx context.Context, batch *domain.ActionBatch, item *domain.ActionItem) error {
	deadline := e.now().Add(batch.Options.MaxRateLimitWait)
	for !e.limiter.CanProceed(batch.Provider) {
		wait := e.limiter.SuggestedWait(batch.Provider)
		if e.now().Add(wait).After(deadline) {
			item.MarkSkipped("rate limit wait exceeded " + batch.Options.MaxRateLimitWait.String())
			return nil
		}
		e.logger.Debug("waiting for rate limit capacity",
			"batch_id", batch.ID, "provider", batch.Provider, "wait", wait)
		if err := e.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return nil
}

// persistItem saves the item's terminal state and advances the
// checkpoint. A checkpoint that cannot be persisted aborts the run:
// continuing would make a crash replay completed provider calls.
func (e *Executor) persistItem(ctx context.Context, batch *domain.ActionBatch, item *domain.ActionItem, cp *domain.BatchCheckpoint) error {
	if err := e.batches.UpdateItem(ctx, item); err != nil {
		return fmt.Errorf("update item %s: %w", item.ID, err)
	}

	switch item.Status {
	case domain.ItemStatusFailed:
		cp.RecordFailure()
	default:
		cp.RecordSuccess(item.ID)
	}

	if err := e.batches.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("batch %s: %w: %v", batch.ID, domain.ErrCheckpointPersist, err)
	}
	return nil
}

// finalize computes the summary from item states and persists the
// terminal batch. The API call count comes from the checkpoint, which
// survives interruptions.
func (e *Executor) finalize(ctx context.Context, batch *domain.ActionBatch, cp *domain.BatchCheckpoint, cancelled bool, started time.Time) (*domain.ActionBatch, error) {
	items, err := e.batches.GetItems(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}

	summary := domain.BatchSummary{
		TotalActions: len(items),
		APICallsMade: cp.APICallsMade,
	}
	for _, item := range items {
		switch item.Status {
		case domain.ItemStatusCompleted, domain.ItemStatusRolledBack:
			summary.CompletedActions++
		case domain.ItemStatusFailed:
			summary.FailedActions++
			summary.Errors = append(summary.Errors, domain.BatchError{
				ItemID:        item.ID,
				EntityID:      item.EntityID,
				Code:          "action_failed",
				Message:       item.ErrorMessage,
				IsRecoverable: item.ErrorRecoverable,
			})
		case domain.ItemStatusSkipped:
			summary.SkippedActions++
		}
	}
	summary.DurationSeconds = e.now().Sub(started).Seconds()

	switch {
	case cancelled:
		batch.Status = domain.BatchStatusCancelled
	case summary.FailedActions == 0:
		batch.Status = domain.BatchStatusCompleted
	case summary.CompletedActions > 0:
		batch.Status = domain.BatchStatusPartiallyCompleted
	default:
		batch.Status = domain.BatchStatusFailed
	}

	batch.Summary = summary
	now := e.now()
	batch.UpdatedAt = now
	if batch.Status != domain.BatchStatusCancelled {
		batch.CompletedAt = &now
	}

	if err := e.batches.SaveBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("save batch: %w", err)
	}

	e.logger.Info("batch finished",
		"batch_id", batch.ID,
		"status", batch.Status,
		"completed", summary.CompletedActions,
		"failed", summary.FailedActions,
		"skipped", summary.SkippedActions,
		"api_calls", summary.APICallsMade,
		"dry_run", batch.DryRun)
	return batch, nil
}

// Rollback reverses a batch's completed actions by executing their
// inverses as a new batch, in reverse completion order. When item IDs
// are given, only those items are reversed. Items that completed
// without a captured before-state, or whose action has no inverse,
// cannot be reversed and are reported as rollback errors.
func (e *Executor) Rollback(ctx context.Context, batchID string, itemIDs ...string) (*domain.RollbackInfo, error) {
	batch, err := e.batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !batch.IsTerminal() {
		return nil, fmt.Errorf("batch %s is still %s: %w", batchID, batch.Status, domain.ErrInvalidInput)
	}
	if batch.DryRun {
		return nil, fmt.Errorf("dry-run batch %s made no provider calls: %w", batchID, domain.ErrInvalidInput)
	}

	items, err := e.batches.GetItems(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}

	scope := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		scope[id] = true
	}

	info := &domain.RollbackInfo{}
	var reversible []*domain.ActionItem
	for _, item := range items {
		if len(scope) > 0 && !scope[item.ID] {
			continue
		}
		if item.Status != domain.ItemStatusCompleted {
			continue
		}
		switch {
		case item.BeforeState == nil:
			info.RollbackErrors = append(info.RollbackErrors,
				fmt.Sprintf("item %s (%s): no before-state captured", item.ID, item.EntityID))
			info.PartialRollback = true
		case item.Action.Inverse() == "":
			info.RollbackErrors = append(info.RollbackErrors,
				fmt.Sprintf("item %s (%s): action %s has no inverse", item.ID, item.EntityID, item.Action))
			info.PartialRollback = true
		default:
			reversible = append(reversible, item)
		}
	}

	if len(reversible) == 0 {
		return info, nil
	}

	// Reverse completion order, so dependents are undone before their
	// dependencies.
	actions := make([]domain.PlannedAction, 0, len(reversible))
	for i := len(reversible) - 1; i >= 0; i-- {
		item := reversible[i]
		actions = append(actions, domain.PlannedAction{
			EntityType:  item.EntityType,
			EntityID:    item.EntityID,
			Action:      item.Action.Inverse(),
			BeforeState: item.AfterState,
		})
	}

	// A scoped rollback must not collide with the full-batch key, and
	// repeating the same scope must stay idempotent.
	rollbackKey := rollbackKeyPrefix + batch.ID
	if len(itemIDs) > 0 {
		rollbackKey += "_" + scopeDigest(itemIDs)
	}

	rollbackPlan := &domain.EnforcementPlan{
		UserID:         batch.UserID,
		Provider:       batch.Provider,
		ConnectionID:   batch.ConnectionID,
		IdempotencyKey: rollbackKey,
		Actions:        actions,
	}

	rollbackBatch, err := e.ExecuteBatch(ctx, rollbackPlan, batch.Options)
	if err != nil {
		return nil, fmt.Errorf("execute rollback batch: %w", err)
	}

	info.RollbackBatchID = rollbackBatch.ID
	info.RollbackActions = len(actions)
	info.RollbackSummary = rollbackBatch.Summary

	// Mark original items rolled back only where the inverse succeeded.
	rolledBack := make(map[string]bool)
	rbItems, err := e.batches.GetItems(ctx, rollbackBatch.ID)
	if err != nil {
		return nil, fmt.Errorf("load rollback items: %w", err)
	}
	for _, item := range rbItems {
		if item.Status == domain.ItemStatusCompleted {
			rolledBack[item.EntityID] = true
		}
	}
	for _, item := range reversible {
		if !rolledBack[item.EntityID] {
			info.PartialRollback = true
			continue
		}
		item.MarkRolledBack()
		if err := e.batches.UpdateItem(ctx, item); err != nil {
			return nil, fmt.Errorf("update rolled-back item %s: %w", item.ID, err)
		}
	}
	if rollbackBatch.Status != domain.BatchStatusCompleted {
		info.PartialRollback = true
	}

	e.logger.Info("rollback finished",
		"batch_id", batchID,
		"rollback_batch_id", rollbackBatch.ID,
		"actions", info.RollbackActions,
		"partial", info.PartialRollback)
	return info, nil
}

// scopeDigest derives a stable key fragment from an item-ID scope,
// independent of argument order.
func scopeDigest(itemIDs []string) string {
	ids := append([]string(nil), itemIDs...)
	sort.Strings(ids)
	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// retryDelay is exponential in the attempt number, capped.
func retryDelay(attempt int) time.Duration {
	d := retryBaseDelay << (attempt - 1)
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	return d
}

// simulatedAfterState synthesizes the post-action state for dry runs.
func simulatedAfterState(action domain.ActionType) *domain.EntityState {
	present := strings.HasPrefix(string(action), "add_") || strings.HasPrefix(string(action), "follow_")
	return &domain.EntityState{
		Present:  present,
		Metadata: map[string]string{"simulated": "true"},
	}
}

// orderByDependencies returns items in dependency-satisfying order,
// preserving the original order among independent items. Items on a
// dependency cycle sort last, in original order; the dependency check
// during execution will skip them.
func orderByDependencies(items []*domain.ActionItem) []*domain.ActionItem {
	byEntity := make(map[string][]*domain.ActionItem, len(items))
	for _, item := range items {
		byEntity[item.EntityID] = append(byEntity[item.EntityID], item)
	}

	indegree := make(map[string]int, len(items))
	dependents := make(map[string][]*domain.ActionItem)
	for _, item := range items {
		for _, dep := range item.DependsOn {
			if len(byEntity[dep]) == 0 || dep == item.EntityID {
				continue
			}
			indegree[item.ID] += len(byEntity[dep])
			for _, depItem := range byEntity[dep] {
				dependents[depItem.EntityID] = append(dependents[depItem.EntityID], item)
			}
		}
	}

	ordered := make([]*domain.ActionItem, 0, len(items))
	queued := make(map[string]bool, len(items))
	var queue []*domain.ActionItem
	for _, item := range items {
		if indegree[item.ID] == 0 {
			queue = append(queue, item)
			queued[item.ID] = true
		}
	}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		ordered = append(ordered, item)
		for _, dependent := range dependents[item.EntityID] {
			indegree[dependent.ID]--
			if indegree[dependent.ID] == 0 && !queued[dependent.ID] {
				queue = append(queue, dependent)
				queued[dependent.ID] = true
			}
		}
	}

	if len(ordered) < len(items) {
		for _, item := range items {
			if !queued[item.ID] {
				ordered = append(ordered, item)
			}
		}
	}
	return ordered
}

// itemOutcomes seeds the outcome map from already-terminal items, so a
// resumed run sees prior results when evaluating dependencies.
func itemOutcomes(items []*domain.ActionItem) map[string]domain.ItemStatus {
	outcomes := make(map[string]domain.ItemStatus, len(items))
	for _, item := range items {
		if item.IsTerminal() {
			outcomes[item.EntityID] = item.Status
		}
	}
	return outcomes
}

// dependencyBlocked reports whether any dependency of the item did not
// complete, returning the blocking entity ID. A dependency with no
// recorded outcome never ran (dependency cycle) and blocks too.
func dependencyBlocked(item *domain.ActionItem, outcomes map[string]domain.ItemStatus) (bool, string) {
	for _, dep := range item.DependsOn {
		if dep == item.EntityID {
			continue
		}
		status, done := outcomes[dep]
		if !done {
			return true, dep
		}
		if status != domain.ItemStatusCompleted && status != domain.ItemStatusRolledBack {
			return true, dep
		}
	}
	return false, ""
}
