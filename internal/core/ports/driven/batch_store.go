package driven

import (
	"context"
	"time"

	"github.com/quietlist-labs/quietlist-core/internal/core/domain"
)

// BatchStore handles persistence of action batches, their items and
// progress checkpoints.
type BatchStore interface {
	// SaveBatch creates or updates a batch (upsert on ID).
	SaveBatch(ctx context.Context, batch *domain.ActionBatch) error

	// GetBatch retrieves a batch by ID.
	// Returns domain.ErrNotFound if absent.
	GetBatch(ctx context.Context, id string) (*domain.ActionBatch, error)

	// GetBatchByIdempotencyKey retrieves a batch by its idempotency key.
	// Returns nil, nil when absent; used to resume interrupted runs
	// instead of creating duplicates.
	GetBatchByIdempotencyKey(ctx context.Context, key string) (*domain.ActionBatch, error)

	// SaveItems persists a batch's items in one transaction.
	SaveItems(ctx context.Context, items []*domain.ActionItem) error

	// GetItems retrieves all items of a batch in creation order.
	GetItems(ctx context.Context, batchID string) ([]*domain.ActionItem, error)

	// UpdateItem persists an item's current state.
	UpdateItem(ctx context.Context, item *domain.ActionItem) error

	// SaveCheckpoint creates or updates the batch checkpoint.
	SaveCheckpoint(ctx context.Context, cp *domain.BatchCheckpoint) error

	// GetCheckpoint retrieves the checkpoint for a batch.
	// Returns nil, nil when absent.
	GetCheckpoint(ctx context.Context, batchID string) (*domain.BatchCheckpoint, error)

	// PurgeCheckpoints removes checkpoints not updated since the cutoff
	// whose batches are terminal. Returns the number removed.
	PurgeCheckpoints(ctx context.Context, cutoff time.Time) (int, error)
}
