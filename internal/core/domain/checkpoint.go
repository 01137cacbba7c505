package domain

import "time"

// BatchCheckpoint is the persisted progress marker for a batch, updated
// after each item reaches a terminal state so a crashed run can resume.
//
// CurrentPosition is the count of items done (processed + failed), not
// the next index to attempt. Progress reporting depends on this exact
// semantic, so it is preserved as-is.
type BatchCheckpoint struct {
	BatchID              string            `json:"batch_id"`
	TotalItems           int               `json:"total_items"`
	ProcessedItems       int               `json:"processed_items"`
	FailedItems          int               `json:"failed_items"`
	CurrentPosition      int               `json:"current_position"`
	LastSuccessfulItemID string            `json:"last_successful_item_id,omitempty"`
	// APICallsMade counts provider calls across runs of the batch, so a
	// resumed run keeps an accurate total.
	APICallsMade   int               `json:"api_calls_made"`
	CheckpointData map[string]string `json:"checkpoint_data,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewBatchCheckpoint creates an empty checkpoint for a batch.
func NewBatchCheckpoint(batchID string, totalItems int) *BatchCheckpoint {
	now := time.Now()
	return &BatchCheckpoint{
		BatchID:    batchID,
		TotalItems: totalItems,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// RecordSuccess counts one processed item. Skipped items count as
// processed for progress purposes.
func (c *BatchCheckpoint) RecordSuccess(itemID string) {
	c.ProcessedItems++
	c.CurrentPosition = c.ProcessedItems + c.FailedItems
	c.LastSuccessfulItemID = itemID
	c.UpdatedAt = time.Now()
}

// RecordFailure counts one failed item.
func (c *BatchCheckpoint) RecordFailure() {
	c.FailedItems++
	c.CurrentPosition = c.ProcessedItems + c.FailedItems
	c.UpdatedAt = time.Now()
}

// IsComplete reports whether every item reached a terminal state.
func (c *BatchCheckpoint) IsComplete() bool {
	return c.ProcessedItems+c.FailedItems >= c.TotalItems
}

// ProgressPercentage returns completion in [0, 100].
func (c *BatchCheckpoint) ProgressPercentage() float64 {
	if c.TotalItems == 0 {
		return 100.0
	}
	pct := float64(c.ProcessedItems+c.FailedItems) / float64(c.TotalItems) * 100.0
	if pct > 100.0 {
		pct = 100.0
	}
	return pct
}

// RollbackInfo is the outcome of rolling back a batch.
type RollbackInfo struct {
	RollbackBatchID string       `json:"rollback_batch_id"`
	RollbackActions int          `json:"rollback_actions"`
	RollbackSummary BatchSummary `json:"rollback_summary"`
	PartialRollback bool         `json:"partial_rollback"`
	RollbackErrors  []string     `json:"rollback_errors,omitempty"`
}
