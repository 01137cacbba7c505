package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/quietlist-labs/quietlist-core/internal/core/domain"
	"github.com/quietlist-labs/quietlist-core/internal/core/ports/driven"
)

// Ensure DataKeyStore implements the interface.
var _ driven.DataKeyStore = (*DataKeyStore)(nil)

// DataKeyStore implements driven.DataKeyStore using PostgreSQL.
// Only KMS-wrapped key material is persisted.
type DataKeyStore struct {
	db *DB
}

// NewDataKeyStore creates a new PostgreSQL-backed data key store.
func NewDataKeyStore(db *DB) *DataKeyStore {
	return &DataKeyStore{db: db}
}

// Save stores a wrapped data key or updates an existing one.
func (s *DataKeyStore) Save(ctx context.Context, keyID string, encryptedKey []byte, version int, createdAt time.Time) error {
	query := `
		INSERT INTO data_keys (key_id, encrypted_key, version, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key_id) DO UPDATE SET
			encrypted_key = EXCLUDED.encrypted_key,
			version = EXCLUDED.version
	`
	_, err := s.db.ExecContext(ctx, query, keyID, encryptedKey, version, createdAt)
	if err != nil {
		return fmt.Errorf("save data key: %w", err)
	}
	return nil
}

// Get retrieves a wrapped data key.
func (s *DataKeyStore) Get(ctx context.Context, keyID string) (*domain.DataKey, error) {
	query := `
		SELECT key_id, encrypted_key, version, created_at
		FROM data_keys
		WHERE key_id = $1
	`
	var key domain.DataKey
	err := s.db.QueryRowContext(ctx, query, keyID).Scan(
		&key.KeyID,
		&key.EncryptedKey,
		&key.Version,
		&key.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get data key: %w", err)
	}
	return &key, nil
}

// ListOlderThan retrieves keys created before the cutoff.
func (s *DataKeyStore) ListOlderThan(ctx context.Context, cutoff time.Time) ([]*domain.DataKey, error) {
	query := `
		SELECT key_id, encrypted_key, version, created_at
		FROM data_keys
		WHERE created_at < $1
		ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list data keys: %w", err)
	}
	defer rows.Close()

	var keys []*domain.DataKey
	for rows.Next() {
		var key domain.DataKey
		if err := rows.Scan(&key.KeyID, &key.EncryptedKey, &key.Version, &key.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan data key: %w", err)
		}
		keys = append(keys, &key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate data keys: %w", err)
	}
	return keys, nil
}

// UpdateEncryptedKey replaces the wrapped form after rotation.
func (s *DataKeyStore) UpdateEncryptedKey(ctx context.Context, keyID string, encryptedKey []byte, version int) error {
	query := `
		UPDATE data_keys
		SET encrypted_key = $1, version = $2
		WHERE key_id = $3
	`
	result, err := s.db.ExecContext(ctx, query, encryptedKey, version, keyID)
	if err != nil {
		return fmt.Errorf("update data key: %w", err)
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
