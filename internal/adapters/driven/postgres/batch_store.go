package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/quietlist-labs/quietlist-core/internal/core/domain"
	"github.com/quietlist-labs/quietlist-core/internal/core/ports/driven"
)

// Ensure BatchStore implements the interface.
var _ driven.BatchStore = (*BatchStore)(nil)

// BatchStore implements driven.BatchStore using PostgreSQL.
type BatchStore struct {
	db *DB
}

// NewBatchStore creates a new PostgreSQL-backed batch store.
func NewBatchStore(db *DB) *BatchStore {
	return &BatchStore{db: db}
}

// SaveBatch stores a batch or updates an existing one.
func (s *BatchStore) SaveBatch(ctx context.Context, batch *domain.ActionBatch) error {
	options, err := json.Marshal(batch.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	summary, err := json.Marshal(batch.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	query := `
		INSERT INTO action_batches (
			id, user_id, provider, connection_id, idempotency_key, dry_run,
			status, options, summary, created_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			options = EXCLUDED.options,
			summary = EXCLUDED.summary,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at
	`

	_, err = s.db.ExecContext(ctx, query,
		batch.ID,
		batch.UserID,
		batch.Provider,
		batch.ConnectionID,
		batch.IdempotencyKey,
		batch.DryRun,
		batch.Status,
		options,
		summary,
		batch.CreatedAt,
		batch.UpdatedAt,
		NullTime(batch.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save batch: %w", err)
	}
	return nil
}

const batchColumns = `
	SELECT id, user_id, provider, connection_id, idempotency_key, dry_run,
		   status, options, summary, created_at, updated_at, completed_at
	FROM action_batches
`

// GetBatch retrieves a batch by ID.
func (s *BatchStore) GetBatch(ctx context.Context, id string) (*domain.ActionBatch, error) {
	batch, err := scanBatch(s.db.QueryRowContext(ctx, batchColumns+`WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return batch, nil
}

// GetBatchByIdempotencyKey retrieves a batch by its idempotency key.
// Returns nil, nil when absent.
func (s *BatchStore) GetBatchByIdempotencyKey(ctx context.Context, key string) (*domain.ActionBatch, error) {
	batch, err := scanBatch(s.db.QueryRowContext(ctx, batchColumns+`WHERE idempotency_key = $1`, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get batch by idempotency key: %w", err)
	}
	return batch, nil
}

func scanBatch(row scanner) (*domain.ActionBatch, error) {
	var batch domain.ActionBatch
	var options, summary []byte
	var completedAt sql.NullTime

	err := row.Scan(
		&batch.ID,
		&batch.UserID,
		&batch.Provider,
		&batch.ConnectionID,
		&batch.IdempotencyKey,
		&batch.DryRun,
		&batch.Status,
		&options,
		&summary,
		&batch.CreatedAt,
		&batch.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(options) > 0 {
		if err := json.Unmarshal(options, &batch.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &batch.Summary); err != nil {
			return nil, fmt.Errorf("unmarshal summary: %w", err)
		}
	}
	batch.CompletedAt = TimePtr(completedAt)
	return &batch, nil
}

// SaveItems persists a batch's items in one transaction.
func (s *BatchStore) SaveItems(ctx context.Context, items []*domain.ActionItem) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO action_items (
				id, batch_id, entity_type, entity_id, action, idempotency_key,
				before_state, after_state, depends_on, status, error_message,
				error_recoverable, attempts, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (id) DO UPDATE SET
				before_state = EXCLUDED.before_state,
				after_state = EXCLUDED.after_state,
				status = EXCLUDED.status,
				error_message = EXCLUDED.error_message,
				error_recoverable = EXCLUDED.error_recoverable,
				attempts = EXCLUDED.attempts,
				updated_at = EXCLUDED.updated_at
		`
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, item := range items {
			before, err := marshalState(item.BeforeState)
			if err != nil {
				return fmt.Errorf("marshal before state for item %s: %w", item.ID, err)
			}
			after, err := marshalState(item.AfterState)
			if err != nil {
				return fmt.Errorf("marshal after state for item %s: %w", item.ID, err)
			}

			_, err = stmt.ExecContext(ctx,
				item.ID,
				item.BatchID,
				item.EntityType,
				item.EntityID,
				item.Action,
				item.IdempotencyKey,
				before,
				after,
				pq.Array(item.DependsOn),
				item.Status,
				item.ErrorMessage,
				item.ErrorRecoverable,
				item.Attempts,
				item.CreatedAt,
				item.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert item %s: %w", item.ID, err)
			}
		}
		return nil
	})
}

// GetItems retrieves all items of a batch in creation order.
func (s *BatchStore) GetItems(ctx context.Context, batchID string) ([]*domain.ActionItem, error) {
	query := `
		SELECT id, batch_id, entity_type, entity_id, action, idempotency_key,
			   before_state, after_state, depends_on, status, error_message,
			   error_recoverable, attempts, created_at, updated_at
		FROM action_items
		WHERE batch_id = $1
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []*domain.ActionItem
	for rows.Next() {
		var item domain.ActionItem
		var before, after []byte
		var dependsOn []string

		err := rows.Scan(
			&item.ID,
			&item.BatchID,
			&item.EntityType,
			&item.EntityID,
			&item.Action,
			&item.IdempotencyKey,
			&before,
			&after,
			pq.Array(&dependsOn),
			&item.Status,
			&item.ErrorMessage,
			&item.ErrorRecoverable,
			&item.Attempts,
			&item.CreatedAt,
			&item.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}

		if item.BeforeState, err = unmarshalState(before); err != nil {
			return nil, fmt.Errorf("unmarshal before state: %w", err)
		}
		if item.AfterState, err = unmarshalState(after); err != nil {
			return nil, fmt.Errorf("unmarshal after state: %w", err)
		}
		item.DependsOn = dependsOn
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

// UpdateItem persists an item's current state.
func (s *BatchStore) UpdateItem(ctx context.Context, item *domain.ActionItem) error {
	before, err := marshalState(item.BeforeState)
	if err != nil {
		return fmt.Errorf("marshal before state: %w", err)
	}
	after, err := marshalState(item.AfterState)
	if err != nil {
		return fmt.Errorf("marshal after state: %w", err)
	}

	query := `
		UPDATE action_items
		SET before_state = $1, after_state = $2, status = $3,
			error_message = $4, error_recoverable = $5, attempts = $6,
			updated_at = $7
		WHERE id = $8
	`
	result, err := s.db.ExecContext(ctx, query,
		before,
		after,
		item.Status,
		item.ErrorMessage,
		item.ErrorRecoverable,
		item.Attempts,
		item.UpdatedAt,
		item.ID,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SaveCheckpoint creates or updates the batch checkpoint.
func (s *BatchStore) SaveCheckpoint(ctx context.Context, cp *domain.BatchCheckpoint) error {
	data, err := json.Marshal(cp.CheckpointData)
	if err != nil {
		return fmt.Errorf("marshal checkpoint data: %w", err)
	}

	query := `
		INSERT INTO batch_checkpoints (
			batch_id, total_items, processed_items, failed_items,
			current_position, last_successful_item_id, api_calls_made,
			checkpoint_data, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (batch_id) DO UPDATE SET
			total_items = EXCLUDED.total_items,
			processed_items = EXCLUDED.processed_items,
			failed_items = EXCLUDED.failed_items,
			current_position = EXCLUDED.current_position,
			last_successful_item_id = EXCLUDED.last_successful_item_id,
			api_calls_made = EXCLUDED.api_calls_made,
			checkpoint_data = EXCLUDED.checkpoint_data,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		cp.BatchID,
		cp.TotalItems,
		cp.ProcessedItems,
		cp.FailedItems,
		cp.CurrentPosition,
		cp.LastSuccessfulItemID,
		cp.APICallsMade,
		data,
		cp.CreatedAt,
		cp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint retrieves the checkpoint for a batch. Returns nil, nil
// when absent.
func (s *BatchStore) GetCheckpoint(ctx context.Context, batchID string) (*domain.BatchCheckpoint, error) {
	query := `
		SELECT batch_id, total_items, processed_items, failed_items,
			   current_position, last_successful_item_id, api_calls_made,
			   checkpoint_data, created_at, updated_at
		FROM batch_checkpoints
		WHERE batch_id = $1
	`
	var cp domain.BatchCheckpoint
	var data []byte

	err := s.db.QueryRowContext(ctx, query, batchID).Scan(
		&cp.BatchID,
		&cp.TotalItems,
		&cp.ProcessedItems,
		&cp.FailedItems,
		&cp.CurrentPosition,
		&cp.LastSuccessfulItemID,
		&cp.APICallsMade,
		&data,
		&cp.CreatedAt,
		&cp.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &cp.CheckpointData); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint data: %w", err)
		}
	}
	return &cp, nil
}

// PurgeCheckpoints removes checkpoints of terminal batches not updated
// since the cutoff.
func (s *BatchStore) PurgeCheckpoints(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		DELETE FROM batch_checkpoints
		WHERE updated_at < $1
		  AND batch_id IN (
			SELECT id FROM action_batches
			WHERE status IN ($2, $3, $4, $5)
		  )
	`
	result, err := s.db.ExecContext(ctx, query,
		cutoff,
		domain.BatchStatusCompleted,
		domain.BatchStatusFailed,
		domain.BatchStatusPartiallyCompleted,
		domain.BatchStatusCancelled,
	)
	if err != nil {
		return 0, fmt.Errorf("purge checkpoints: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return int(rows), nil
}

func marshalState(state *domain.EntityState) ([]byte, error) {
	if state == nil {
		return nil, nil
	}
	return json.Marshal(state)
}

func unmarshalState(blob []byte) (*domain.EntityState, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var state domain.EntityState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, err
	}
	return &state, nil
}
