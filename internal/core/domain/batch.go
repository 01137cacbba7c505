package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// BatchStatus represents the lifecycle state of an action batch
type BatchStatus string

const (
	BatchStatusPending            BatchStatus = "pending"
	BatchStatusInProgress         BatchStatus = "in_progress"
	BatchStatusCompleted          BatchStatus = "completed"
	BatchStatusFailed             BatchStatus = "failed"
	BatchStatusPartiallyCompleted BatchStatus = "partially_completed"
	BatchStatusCancelled          BatchStatus = "cancelled"
)

// ItemStatus represents the lifecycle state of a single action item
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusInProgress ItemStatus = "in_progress"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
	ItemStatusSkipped    ItemStatus = "skipped"
	ItemStatusRolledBack ItemStatus = "rolled_back"
)

// BatchOptions controls executor behavior for one batch.
type BatchOptions struct {
	// DryRun skips all provider calls and synthesizes after-state locally.
	DryRun bool `json:"dry_run"`

	// MaxRetries bounds retries for recoverable item failures.
	MaxRetries int `json:"max_retries"`

	// MaxRateLimitWait bounds how long an item waits for rate-limit
	// capacity before being skipped.
	MaxRateLimitWait time.Duration `json:"max_rate_limit_wait"`
}

// DefaultBatchOptions returns the executor defaults.
func DefaultBatchOptions() BatchOptions {
	return BatchOptions{
		MaxRetries:       3,
		MaxRateLimitWait: 2 * time.Minute,
	}
}

// BatchError records one failed item in the batch summary.
type BatchError struct {
	ItemID        string `json:"item_id"`
	EntityID      string `json:"entity_id"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	IsRecoverable bool   `json:"is_recoverable"`
}

// BatchSummary aggregates the outcome of a batch run. Counters are only
// finalized after all items reach a terminal state or cancellation.
type BatchSummary struct {
	TotalActions     int          `json:"total_actions"`
	CompletedActions int          `json:"completed_actions"`
	FailedActions    int          `json:"failed_actions"`
	SkippedActions   int          `json:"skipped_actions"`
	APICallsMade     int          `json:"api_calls_made"`
	Errors           []BatchError `json:"errors,omitempty"`
	DurationSeconds  float64      `json:"duration_seconds"`
}

// ActionBatch is one enforcement run. It owns N ActionItems.
type ActionBatch struct {
	ID             string       `json:"id"`
	UserID         string       `json:"user_id"`
	Provider       ProviderType `json:"provider"`
	ConnectionID   string       `json:"connection_id"`
	IdempotencyKey string       `json:"idempotency_key"`
	DryRun         bool         `json:"dry_run"`
	Status         BatchStatus  `json:"status"`
	Options        BatchOptions `json:"options"`
	Summary        BatchSummary `json:"summary"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
}

// NewActionBatch creates a pending batch from an enforcement plan.
func NewActionBatch(plan *EnforcementPlan, opts BatchOptions) *ActionBatch {
	now := time.Now()
	key := plan.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	return &ActionBatch{
		ID:             uuid.NewString(),
		UserID:         plan.UserID,
		Provider:       plan.Provider,
		ConnectionID:   plan.ConnectionID,
		IdempotencyKey: key,
		DryRun:         opts.DryRun,
		Status:         BatchStatusPending,
		Options:        opts,
		Summary:        BatchSummary{TotalActions: len(plan.Actions)},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IsTerminal reports whether the batch reached a final state.
func (b *ActionBatch) IsTerminal() bool {
	switch b.Status {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusPartiallyCompleted, BatchStatusCancelled:
		return true
	default:
		return false
	}
}

// ActionItem is one provider-side mutation inside a batch.
// ErrorRecoverable records the failure class at failure time, so the
// batch summary reports it correctly even after a resume.
type ActionItem struct {
	ID               string       `json:"id"`
	BatchID          string       `json:"batch_id"`
	EntityType       EntityType   `json:"entity_type"`
	EntityID         string       `json:"entity_id"`
	Action           ActionType   `json:"action"`
	IdempotencyKey   string       `json:"idempotency_key"`
	BeforeState      *EntityState `json:"before_state,omitempty"`
	AfterState       *EntityState `json:"after_state,omitempty"`
	DependsOn        []string     `json:"depends_on,omitempty"`
	Status           ItemStatus   `json:"status"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	ErrorRecoverable bool         `json:"error_recoverable,omitempty"`
	Attempts         int          `json:"attempts"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// ItemIdempotencyKey derives the deterministic key that makes retried
// executions side-effect free: hash of batch, entity and action identity.
func ItemIdempotencyKey(batchID string, entityType EntityType, entityID string, action ActionType) string {
	h := sha256.New()
	h.Write([]byte(batchID))
	h.Write([]byte{0})
	h.Write([]byte(entityType))
	h.Write([]byte{0})
	h.Write([]byte(entityID))
	h.Write([]byte{0})
	h.Write([]byte(action))
	return hex.EncodeToString(h.Sum(nil))
}

// NewActionItem creates a pending item for a planned action.
func NewActionItem(batchID string, action PlannedAction) *ActionItem {
	now := time.Now()
	return &ActionItem{
		ID:             uuid.NewString(),
		BatchID:        batchID,
		EntityType:     action.EntityType,
		EntityID:       action.EntityID,
		Action:         action.Action,
		IdempotencyKey: ItemIdempotencyKey(batchID, action.EntityType, action.EntityID, action.Action),
		BeforeState:    action.BeforeState,
		DependsOn:      action.DependsOn,
		Status:         ItemStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// CanRollback reports whether the item can be reversed: it completed and
// its prior state was captured.
func (i *ActionItem) CanRollback() bool {
	return i.Status == ItemStatusCompleted && i.BeforeState != nil
}

// IsTerminal reports whether the item reached a final state.
func (i *ActionItem) IsTerminal() bool {
	switch i.Status {
	case ItemStatusCompleted, ItemStatusFailed, ItemStatusSkipped, ItemStatusRolledBack:
		return true
	default:
		return false
	}
}

// MarkInProgress transitions the item to in_progress.
func (i *ActionItem) MarkInProgress() {
	i.Status = ItemStatusInProgress
	i.Attempts++
	i.UpdatedAt = time.Now()
}

// MarkCompleted transitions the item to completed with its after-state.
func (i *ActionItem) MarkCompleted(after *EntityState) {
	i.Status = ItemStatusCompleted
	i.AfterState = after
	i.ErrorMessage = ""
	i.ErrorRecoverable = false
	i.UpdatedAt = time.Now()
}

// MarkFailed transitions the item to failed, recording the message and
// whether the failure class was recoverable.
func (i *ActionItem) MarkFailed(msg string, recoverable bool) {
	i.Status = ItemStatusFailed
	i.ErrorMessage = msg
	i.ErrorRecoverable = recoverable
	i.UpdatedAt = time.Now()
}

// MarkSkipped transitions the item to skipped with a reason.
func (i *ActionItem) MarkSkipped(reason string) {
	i.Status = ItemStatusSkipped
	i.ErrorMessage = reason
	i.UpdatedAt = time.Now()
}

// MarkRolledBack records that the item's effect was reversed.
func (i *ActionItem) MarkRolledBack() {
	i.Status = ItemStatusRolledBack
	i.UpdatedAt = time.Now()
}
