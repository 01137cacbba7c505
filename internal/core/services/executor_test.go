package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/quietlist-labs/quietlist-core/internal/core/domain"
	"github.com/quietlist-labs/quietlist-core/internal/core/ports/driven"
	"github.com/quietlist-labs/quietlist-core/internal/core/ports/driven/mocks"
)

type execFixture struct {
	executor     *Executor
	store        *mocks.MockBatchStore
	provider     *mocks.MockProviderAPI
	limiter      *RateLimiter
	vault        *Vault
	connectionID string
}

// newExecFixture wires an executor against in-memory stores with one
// stored spotify connection. Sleeps are no-ops so retry tests run fast.
func newExecFixture(t *testing.T) *execFixture {
	t.Helper()

	connections := mocks.NewMockConnectionStore()
	vault := NewVault(VaultConfig{
		Connections: connections,
		DataKeys:    mocks.NewMockDataKeyStore(),
		Kms:         mocks.NewMockKmsProvider(),
		Providers:   mocks.NewMockProviderAPI(),
	})

	summary, err := vault.StoreToken(context.Background(), "user-1", domain.ProviderTypeSpotify, "sp-user", testToken())
	if err != nil {
		t.Fatalf("seed connection: %v", err)
	}

	f := &execFixture{
		store:        mocks.NewMockBatchStore(),
		provider:     mocks.NewMockProviderAPI(),
		vault:        vault,
		connectionID: summary.ID,
	}
	f.limiter = NewRateLimiter(RateLimiterConfig{})
	f.executor = NewExecutor(ExecutorConfig{
		Batches:  f.store,
		Vault:    f.vault,
		Limiter:  f.limiter,
		Provider: f.provider,
		Sleep: func(ctx context.Context, d time.Duration) error {
			return ctx.Err()
		},
	})
	return f
}

func (f *execFixture) plan(key string, entityIDs ...string) *domain.EnforcementPlan {
	actions := make([]domain.PlannedAction, 0, len(entityIDs))
	for _, id := range entityIDs {
		actions = append(actions, domain.PlannedAction{
			EntityType:  domain.EntityTypeTrack,
			EntityID:    id,
			Action:      domain.ActionRemoveLikedSong,
			BeforeState: &domain.EntityState{Present: true},
		})
	}
	return &domain.EnforcementPlan{
		UserID:         "user-1",
		Provider:       domain.ProviderTypeSpotify,
		ConnectionID:   f.connectionID,
		IdempotencyKey: key,
		Actions:        actions,
	}
}

func TestExecutor_HappyPath(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	batch, err := f.executor.ExecuteBatch(ctx, f.plan("k1", "t1", "t2", "t3"), domain.DefaultBatchOptions())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if batch.Status != domain.BatchStatusCompleted {
		t.Errorf("expected completed, got %s", batch.Status)
	}
	if batch.Summary.CompletedActions != 3 {
		t.Errorf("expected 3 completed, got %d", batch.Summary.CompletedActions)
	}
	if batch.Summary.APICallsMade != 3 {
		t.Errorf("expected 3 api calls, got %d", batch.Summary.APICallsMade)
	}
	if batch.CompletedAt == nil {
		t.Error("expected completed_at set")
	}

	// The access token reached the provider.
	if f.provider.Calls[0].AccessToken != "access-secret" {
		t.Errorf("unexpected access token %q", f.provider.Calls[0].AccessToken)
	}

	progress, err := f.executor.GetProgress(ctx, batch.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress != 100.0 {
		t.Errorf("expected 100%% progress, got %v", progress)
	}
}

func TestExecutor_InvalidPlan(t *testing.T) {
	f := newExecFixture(t)

	_, err := f.executor.ExecuteBatch(context.Background(), f.plan("k1"), domain.DefaultBatchOptions())
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty plan, got %v", err)
	}
}

func TestExecutor_DryRun(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	opts := domain.DefaultBatchOptions()
	opts.DryRun = true
	batch, err := f.executor.ExecuteBatch(ctx, f.plan("k1", "t1", "t2"), opts)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if batch.Status != domain.BatchStatusCompleted {
		t.Errorf("expected completed, got %s", batch.Status)
	}
	if f.provider.CallCount() != 0 {
		t.Errorf("dry run made %d provider calls", f.provider.CallCount())
	}
	if batch.Summary.APICallsMade != 0 {
		t.Errorf("expected 0 api calls, got %d", batch.Summary.APICallsMade)
	}

	items, _ := f.store.GetItems(ctx, batch.ID)
	for _, item := range items {
		if item.Status != domain.ItemStatusCompleted {
			t.Errorf("item %s not completed: %s", item.EntityID, item.Status)
		}
		if item.AfterState == nil || item.AfterState.Metadata["simulated"] != "true" {
			t.Errorf("item %s missing simulated after-state", item.EntityID)
		}
		// remove_liked_song leaves the entity absent.
		if item.AfterState != nil && item.AfterState.Present {
			t.Errorf("item %s should be absent after removal", item.EntityID)
		}
	}
}

func TestExecutor_RecoverableRetriesThenSucceeds(t *testing.T) {
	f := newExecFixture(t)
	f.provider.FailTimes["t1"] = 2

	batch, err := f.executor.ExecuteBatch(context.Background(), f.plan("k1", "t1"), domain.DefaultBatchOptions())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if batch.Status != domain.BatchStatusCompleted {
		t.Errorf("expected completed, got %s", batch.Status)
	}
	// Two failures plus the success.
	if batch.Summary.APICallsMade != 3 {
		t.Errorf("expected 3 api calls, got %d", batch.Summary.APICallsMade)
	}
}

func TestExecutor_RecoverableExhaustsRetries(t *testing.T) {
	f := newExecFixture(t)
	f.provider.FailWith["t1"] = domain.NewRecoverableError("upstream_5xx", "still down")

	opts := domain.DefaultBatchOptions()
	opts.MaxRetries = 2
	batch, err := f.executor.ExecuteBatch(context.Background(), f.plan("k1", "t1"), opts)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if batch.Status != domain.BatchStatusFailed {
		t.Errorf("expected failed, got %s", batch.Status)
	}
	// Initial attempt plus MaxRetries.
	if batch.Summary.APICallsMade != 3 {
		t.Errorf("expected 3 api calls, got %d", batch.Summary.APICallsMade)
	}
	if len(batch.Summary.Errors) != 1 {
		t.Fatalf("expected 1 batch error, got %d", len(batch.Summary.Errors))
	}
	if batch.Summary.Errors[0].EntityID != "t1" {
		t.Errorf("unexpected error entity %s", batch.Summary.Errors[0].EntityID)
	}
	// The failure class survives into the summary even though retries
	// were exhausted.
	if !batch.Summary.Errors[0].IsRecoverable {
		t.Error("expected recoverable failure reported as recoverable")
	}
}

func TestExecutor_FatalFailsWithoutRetry(t *testing.T) {
	f := newExecFixture(t)
	f.provider.FailWith["t1"] = domain.NewFatalError("not_found", "track does not exist")

	batch, err := f.executor.ExecuteBatch(context.Background(), f.plan("k1", "t1", "t2"), domain.DefaultBatchOptions())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if batch.Status != domain.BatchStatusPartiallyCompleted {
		t.Errorf("expected partially_completed, got %s", batch.Status)
	}
	// One failed call for t1, one success for t2: no retries.
	if batch.Summary.APICallsMade != 2 {
		t.Errorf("expected 2 api calls, got %d", batch.Summary.APICallsMade)
	}
	if batch.Summary.FailedActions != 1 || batch.Summary.CompletedActions != 1 {
		t.Errorf("unexpected summary: %+v", batch.Summary)
	}
	if len(batch.Summary.Errors) != 1 || batch.Summary.Errors[0].IsRecoverable {
		t.Errorf("expected one fatal error in summary: %+v", batch.Summary.Errors)
	}
}

func TestExecutor_NegativeMaxRetriesRunsOnce(t *testing.T) {
	f := newExecFixture(t)
	f.provider.FailWith["t1"] = domain.NewRecoverableError("upstream_5xx", "down")

	opts := domain.DefaultBatchOptions()
	opts.MaxRetries = -3
	batch, err := f.executor.ExecuteBatch(context.Background(), f.plan("k1", "t1"), opts)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if batch.Status != domain.BatchStatusFailed {
		t.Errorf("expected failed, got %s", batch.Status)
	}
	if batch.Summary.APICallsMade != 1 {
		t.Errorf("expected a single attempt, got %d calls", batch.Summary.APICallsMade)
	}
}

func TestExecutor_TokenFailureFailsBatch(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	plan := f.plan("k1", "t1", "t2")
	plan.ConnectionID = "no-such-connection"

	_, err := f.executor.ExecuteBatch(ctx, plan, domain.DefaultBatchOptions())
	if err == nil {
		t.Fatal("expected error when the token cannot be decrypted")
	}

	// The stored batch reaches a terminal state, not a stuck in_progress.
	stored, err := f.store.GetBatchByIdempotencyKey(ctx, "k1")
	if err != nil {
		t.Fatalf("lookup batch: %v", err)
	}
	if stored == nil {
		t.Fatal("expected stored batch")
	}
	if stored.Status != domain.BatchStatusFailed {
		t.Errorf("expected failed, got %s", stored.Status)
	}
	if stored.CompletedAt == nil {
		t.Error("expected completed_at set")
	}
	// Systemic failure: no item ran, no item-level errors.
	if stored.Summary.FailedActions != 0 {
		t.Errorf("expected no item failures, got %d", stored.Summary.FailedActions)
	}
	if f.provider.CallCount() != 0 {
		t.Errorf("expected 0 provider calls, got %d", f.provider.CallCount())
	}
}

func TestExecutor_DependencyOrdering(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	// t2 is listed first but depends on t1.
	plan := f.plan("k1", "t2", "t1")
	plan.Actions[0].DependsOn = []string{"t1"}

	batch, err := f.executor.ExecuteBatch(ctx, plan, domain.DefaultBatchOptions())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if batch.Status != domain.BatchStatusCompleted {
		t.Fatalf("expected completed, got %s", batch.Status)
	}

	if len(f.provider.Calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(f.provider.Calls))
	}
	if f.provider.Calls[0].EntityID != "t1" || f.provider.Calls[1].EntityID != "t2" {
		t.Errorf("dependency order violated: %s then %s",
			f.provider.Calls[0].EntityID, f.provider.Calls[1].EntityID)
	}
}

func TestExecutor_DependencyFailureSkipsDependent(t *testing.T) {
	f := newExecFixture(t)
	f.provider.FailWith["t1"] = domain.NewFatalError("not_found", "gone")

	plan := f.plan("k1", "t1", "t2", "t3")
	plan.Actions[1].DependsOn = []string{"t1"}

	batch, err := f.executor.ExecuteBatch(context.Background(), plan, domain.DefaultBatchOptions())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if batch.Summary.FailedActions != 1 {
		t.Errorf("expected 1 failed, got %d", batch.Summary.FailedActions)
	}
	if batch.Summary.SkippedActions != 1 {
		t.Errorf("expected 1 skipped, got %d", batch.Summary.SkippedActions)
	}
	if batch.Summary.CompletedActions != 1 {
		t.Errorf("expected 1 completed, got %d", batch.Summary.CompletedActions)
	}

	items, _ := f.store.GetItems(context.Background(), batch.ID)
	for _, item := range items {
		if item.EntityID == "t2" {
			if item.Status != domain.ItemStatusSkipped {
				t.Errorf("expected t2 skipped, got %s", item.Status)
			}
			if !strings.Contains(item.ErrorMessage, "t1") {
				t.Errorf("skip reason should name the dependency: %q", item.ErrorMessage)
			}
		}
	}
}

func TestExecutor_DependencyCycleSkips(t *testing.T) {
	f := newExecFixture(t)

	plan := f.plan("k1", "t1", "t2", "t3")
	plan.Actions[0].DependsOn = []string{"t2"}
	plan.Actions[1].DependsOn = []string{"t1"}

	batch, err := f.executor.ExecuteBatch(context.Background(), plan, domain.DefaultBatchOptions())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	// t3 completes; t1 and t2 block each other and are skipped.
	if batch.Summary.CompletedActions != 1 {
		t.Errorf("expected 1 completed, got %d", batch.Summary.CompletedActions)
	}
	if batch.Summary.SkippedActions != 2 {
		t.Errorf("expected 2 skipped, got %d", batch.Summary.SkippedActions)
	}
	if batch.Status != domain.BatchStatusCompleted {
		t.Errorf("expected completed (skips are not failures), got %s", batch.Status)
	}
}

func TestExecutor_IdempotentReExecution(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	first, err := f.executor.ExecuteBatch(ctx, f.plan("stable-key", "t1", "t2"), domain.DefaultBatchOptions())
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	callsAfterFirst := f.provider.CallCount()

	second, err := f.executor.ExecuteBatch(ctx, f.plan("stable-key", "t1", "t2"), domain.DefaultBatchOptions())
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}

	if second.ID != first.ID {
		t.Error("expected the stored batch to be returned")
	}
	if f.provider.CallCount() != callsAfterFirst {
		t.Errorf("re-execution made %d extra provider calls", f.provider.CallCount()-callsAfterFirst)
	}
}

func TestExecutor_ResumeSkipsCompletedItems(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	// Simulate an interrupted run: batch in progress, first item already
	// completed and checkpointed.
	plan := f.plan("k1", "t1", "t2", "t3")
	batch := domain.NewActionBatch(plan, domain.DefaultBatchOptions())
	batch.Status = domain.BatchStatusInProgress

	items := make([]*domain.ActionItem, 0, 3)
	for _, a := range plan.Actions {
		items = append(items, domain.NewActionItem(batch.ID, a))
	}
	items[0].MarkCompleted(&domain.EntityState{Present: false})

	if err := f.store.SaveBatch(ctx, batch); err != nil {
		t.Fatalf("save batch: %v", err)
	}
	if err := f.store.SaveItems(ctx, items); err != nil {
		t.Fatalf("save items: %v", err)
	}
	cp := domain.NewBatchCheckpoint(batch.ID, 3)
	cp.RecordSuccess(items[0].ID)
	cp.APICallsMade = 1
	if err := f.store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	resumed, err := f.executor.ResumeBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}

	if resumed.Status != domain.BatchStatusCompleted {
		t.Errorf("expected completed, got %s", resumed.Status)
	}
	if resumed.Summary.CompletedActions != 3 {
		t.Errorf("expected 3 completed, got %d", resumed.Summary.CompletedActions)
	}
	// Only the two pending items hit the provider.
	if f.provider.CallCount() != 2 {
		t.Errorf("expected 2 provider calls on resume, got %d", f.provider.CallCount())
	}
	// The call made before the interruption still counts in the summary.
	if resumed.Summary.APICallsMade != 3 {
		t.Errorf("expected 3 api calls across runs, got %d", resumed.Summary.APICallsMade)
	}
	for _, call := range f.provider.Calls {
		if call.EntityID == "t1" {
			t.Error("completed item was re-executed")
		}
	}
}

func TestExecutor_ResumeTerminalBatchIsNoOp(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	batch, err := f.executor.ExecuteBatch(ctx, f.plan("k1", "t1"), domain.DefaultBatchOptions())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	calls := f.provider.CallCount()
	again, err := f.executor.ResumeBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if again.Status != batch.Status {
		t.Errorf("status changed on resume: %s", again.Status)
	}
	if f.provider.CallCount() != calls {
		t.Error("terminal resume made provider calls")
	}
}

func TestExecutor_RateLimitWaitExceededSkips(t *testing.T) {
	f := newExecFixture(t)

	// A preset with zero capacity: CanProceed is always false and the
	// suggested wait (window reset) exceeds any small bound.
	f.limiter = NewRateLimiter(RateLimiterConfig{
		Presets: map[domain.ProviderType]domain.ProviderPreset{
			domain.ProviderTypeSpotify: {
				RateLimit: domain.RateLimitConfig{
					RequestsPerWindow: 0,
					WindowDuration:    time.Hour,
				},
			},
		},
	})
	f.executor = NewExecutor(ExecutorConfig{
		Batches:  f.store,
		Vault:    f.vault,
		Limiter:  f.limiter,
		Provider: f.provider,
		Sleep: func(ctx context.Context, d time.Duration) error {
			return ctx.Err()
		},
	})

	opts := domain.DefaultBatchOptions()
	opts.MaxRateLimitWait = 10 * time.Second
	batch, err := f.executor.ExecuteBatch(context.Background(), f.plan("k1", "t1"), opts)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if batch.Summary.SkippedActions != 1 {
		t.Errorf("expected 1 skipped, got %d", batch.Summary.SkippedActions)
	}
	if f.provider.CallCount() != 0 {
		t.Errorf("expected 0 provider calls, got %d", f.provider.CallCount())
	}

	items, _ := f.store.GetItems(context.Background(), batch.ID)
	if !strings.Contains(items[0].ErrorMessage, "rate limit wait exceeded") {
		t.Errorf("unexpected skip reason %q", items[0].ErrorMessage)
	}
}

// cancellingProvider cancels the run after its first successful call,
// simulating an operator cancelling mid-batch.
type cancellingProvider struct {
	inner  *mocks.MockProviderAPI
	cancel context.CancelFunc
	calls  int
}

func (p *cancellingProvider) ExecuteAction(ctx context.Context, action driven.ProviderAction) (*driven.ActionResult, error) {
	result, err := p.inner.ExecuteAction(ctx, action)
	p.calls++
	if p.calls == 1 {
		p.cancel()
	}
	return result, err
}

func (p *cancellingProvider) RefreshToken(ctx context.Context, provider domain.ProviderType, refreshToken string) (*driven.TokenRefreshResult, error) {
	return p.inner.RefreshToken(ctx, provider, refreshToken)
}

func TestExecutor_CancellationBetweenItems(t *testing.T) {
	f := newExecFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cp := &cancellingProvider{inner: f.provider, cancel: cancel}
	f.executor = NewExecutor(ExecutorConfig{
		Batches:  f.store,
		Vault:    f.vault,
		Limiter:  f.limiter,
		Provider: cp,
		Sleep: func(ctx context.Context, d time.Duration) error {
			return ctx.Err()
		},
	})

	batch, err := f.executor.ExecuteBatch(ctx, f.plan("k1", "t1", "t2", "t3"), domain.DefaultBatchOptions())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if batch.Status != domain.BatchStatusCancelled {
		t.Fatalf("expected cancelled, got %s", batch.Status)
	}
	// The in-flight item finished; nothing after it started.
	if cp.calls != 1 {
		t.Errorf("expected 1 provider call, got %d", cp.calls)
	}
	if batch.Summary.CompletedActions != 1 {
		t.Errorf("expected 1 completed, got %d", batch.Summary.CompletedActions)
	}
	if batch.CompletedAt != nil {
		t.Error("cancelled batch should not have completed_at")
	}
}

func TestExecutor_CheckpointPersistFailureAborts(t *testing.T) {
	f := newExecFixture(t)
	f.store.SaveCheckpointErr = errors.New("disk full")

	_, err := f.executor.ExecuteBatch(context.Background(), f.plan("k1", "t1"), domain.DefaultBatchOptions())
	if !errors.Is(err, domain.ErrCheckpointPersist) {
		t.Errorf("expected ErrCheckpointPersist, got %v", err)
	}
}

func TestExecutor_CheckpointAdvancesPerItem(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	batch, err := f.executor.ExecuteBatch(ctx, f.plan("k1", "t1", "t2", "t3"), domain.DefaultBatchOptions())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	// One checkpoint save per terminal item.
	if f.store.CheckpointSaves != 3 {
		t.Errorf("expected 3 checkpoint saves, got %d", f.store.CheckpointSaves)
	}

	cp, _ := f.store.GetCheckpoint(ctx, batch.ID)
	if cp == nil {
		t.Fatal("expected checkpoint")
	}
	if !cp.IsComplete() {
		t.Error("expected complete checkpoint")
	}
	if cp.CurrentPosition != 3 {
		t.Errorf("expected position 3, got %d", cp.CurrentPosition)
	}
}

func TestExecutor_Rollback(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	batch, err := f.executor.ExecuteBatch(ctx, f.plan("k1", "t1", "t2"), domain.DefaultBatchOptions())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	callsBefore := f.provider.CallCount()

	info, err := f.executor.Rollback(ctx, batch.ID)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if info.PartialRollback {
		t.Errorf("expected full rollback, errors: %v", info.RollbackErrors)
	}
	if info.RollbackActions != 2 {
		t.Errorf("expected 2 rollback actions, got %d", info.RollbackActions)
	}
	if info.RollbackBatchID == "" {
		t.Error("expected rollback batch ID")
	}

	// Inverse actions run in reverse completion order.
	rbCalls := f.provider.Calls[callsBefore:]
	if len(rbCalls) != 2 {
		t.Fatalf("expected 2 rollback calls, got %d", len(rbCalls))
	}
	if rbCalls[0].EntityID != "t2" || rbCalls[1].EntityID != "t1" {
		t.Errorf("rollback order wrong: %s then %s", rbCalls[0].EntityID, rbCalls[1].EntityID)
	}
	if rbCalls[0].Action != domain.ActionAddLikedSong {
		t.Errorf("expected inverse action, got %s", rbCalls[0].Action)
	}

	// Originals are marked rolled back.
	items, _ := f.store.GetItems(ctx, batch.ID)
	for _, item := range items {
		if item.Status != domain.ItemStatusRolledBack {
			t.Errorf("item %s not rolled back: %s", item.EntityID, item.Status)
		}
	}
}

func TestExecutor_Rollback_ScopedToItems(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	batch, err := f.executor.ExecuteBatch(ctx, f.plan("k1", "t1", "t2", "t3"), domain.DefaultBatchOptions())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	items, _ := f.store.GetItems(ctx, batch.ID)
	var targetID string
	for _, item := range items {
		if item.EntityID == "t2" {
			targetID = item.ID
		}
	}
	if targetID == "" {
		t.Fatal("missing t2 item")
	}
	callsBefore := f.provider.CallCount()

	info, err := f.executor.Rollback(ctx, batch.ID, targetID)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if info.RollbackActions != 1 {
		t.Errorf("expected 1 rollback action, got %d", info.RollbackActions)
	}
	if info.PartialRollback {
		t.Errorf("expected clean scoped rollback, errors: %v", info.RollbackErrors)
	}

	rbCalls := f.provider.Calls[callsBefore:]
	if len(rbCalls) != 1 || rbCalls[0].EntityID != "t2" {
		t.Fatalf("expected a single inverse call for t2, got %v", rbCalls)
	}

	// Only the named item changes state.
	items, _ = f.store.GetItems(ctx, batch.ID)
	for _, item := range items {
		switch item.EntityID {
		case "t2":
			if item.Status != domain.ItemStatusRolledBack {
				t.Errorf("t2 should be rolled back, got %s", item.Status)
			}
		default:
			if item.Status != domain.ItemStatusCompleted {
				t.Errorf("%s should stay completed, got %s", item.EntityID, item.Status)
			}
		}
	}
}

func TestExecutor_Rollback_MissingBeforeStateIsPartial(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	plan := f.plan("k1", "t1", "t2")
	plan.Actions[1].BeforeState = nil

	batch, err := f.executor.ExecuteBatch(ctx, plan, domain.DefaultBatchOptions())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	info, err := f.executor.Rollback(ctx, batch.ID)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if !info.PartialRollback {
		t.Error("expected partial rollback")
	}
	if len(info.RollbackErrors) != 1 {
		t.Fatalf("expected 1 rollback error, got %d", len(info.RollbackErrors))
	}
	if !strings.Contains(info.RollbackErrors[0], "t2") {
		t.Errorf("rollback error should name the item: %q", info.RollbackErrors[0])
	}
	if info.RollbackActions != 1 {
		t.Errorf("expected 1 rollback action, got %d", info.RollbackActions)
	}

	items, _ := f.store.GetItems(ctx, batch.ID)
	for _, item := range items {
		switch item.EntityID {
		case "t1":
			if item.Status != domain.ItemStatusRolledBack {
				t.Errorf("t1 should be rolled back, got %s", item.Status)
			}
		case "t2":
			if item.Status != domain.ItemStatusCompleted {
				t.Errorf("t2 should stay completed, got %s", item.Status)
			}
		}
	}
}

func TestExecutor_Rollback_InverseFailureIsPartial(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	batch, err := f.executor.ExecuteBatch(ctx, f.plan("k1", "t1", "t2"), domain.DefaultBatchOptions())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	// The inverse for t1 fails fatally.
	f.provider.FailWith["t1"] = domain.NewFatalError("conflict", "cannot re-add")

	info, err := f.executor.Rollback(ctx, batch.ID)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if !info.PartialRollback {
		t.Error("expected partial rollback")
	}

	items, _ := f.store.GetItems(ctx, batch.ID)
	for _, item := range items {
		switch item.EntityID {
		case "t1":
			if item.Status != domain.ItemStatusCompleted {
				t.Errorf("t1 inverse failed, should stay completed, got %s", item.Status)
			}
		case "t2":
			if item.Status != domain.ItemStatusRolledBack {
				t.Errorf("t2 should be rolled back, got %s", item.Status)
			}
		}
	}
}

func TestExecutor_Rollback_NonTerminalRejected(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	plan := f.plan("k1", "t1")
	batch := domain.NewActionBatch(plan, domain.DefaultBatchOptions())
	batch.Status = domain.BatchStatusInProgress
	if err := f.store.SaveBatch(ctx, batch); err != nil {
		t.Fatalf("save batch: %v", err)
	}

	_, err := f.executor.Rollback(ctx, batch.ID)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestExecutor_Rollback_DryRunRejected(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	opts := domain.DefaultBatchOptions()
	opts.DryRun = true
	batch, err := f.executor.ExecuteBatch(ctx, f.plan("k1", "t1"), opts)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	_, err = f.executor.Rollback(ctx, batch.ID)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestExecutor_CancelBatch_Unknown(t *testing.T) {
	f := newExecFixture(t)
	if f.executor.CancelBatch("no-such-batch") {
		t.Error("expected false for unknown batch")
	}
}
