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

// Ensure ConnectionStore implements the interface.
var _ driven.ConnectionStore = (*ConnectionStore)(nil)

// ConnectionStore implements driven.ConnectionStore using PostgreSQL.
// Token fields are stored as JSONB ciphertext envelopes; plaintext never
// reaches this layer.
type ConnectionStore struct {
	db *DB
}

// NewConnectionStore creates a new PostgreSQL-backed connection store.
func NewConnectionStore(db *DB) *ConnectionStore {
	return &ConnectionStore{db: db}
}

// Save stores a new connection or updates an existing one.
func (s *ConnectionStore) Save(ctx context.Context, conn *domain.Connection) error {
	accessBlob, err := marshalToken(conn.AccessTokenEncrypted)
	if err != nil {
		return fmt.Errorf("marshal access token: %w", err)
	}
	refreshBlob, err := marshalToken(conn.RefreshTokenEncrypted)
	if err != nil {
		return fmt.Errorf("marshal refresh token: %w", err)
	}

	query := `
		INSERT INTO connections (
			id, user_id, provider, provider_user_id, scopes,
			access_token_encrypted, refresh_token_encrypted, token_version,
			expires_at, status, data_key_id, last_health_check, error_code,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			provider_user_id = EXCLUDED.provider_user_id,
			scopes = EXCLUDED.scopes,
			access_token_encrypted = EXCLUDED.access_token_encrypted,
			refresh_token_encrypted = EXCLUDED.refresh_token_encrypted,
			token_version = EXCLUDED.token_version,
			expires_at = EXCLUDED.expires_at,
			status = EXCLUDED.status,
			data_key_id = EXCLUDED.data_key_id,
			last_health_check = EXCLUDED.last_health_check,
			error_code = EXCLUDED.error_code,
			updated_at = EXCLUDED.updated_at
	`

	now := time.Now()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, query,
		conn.ID,
		conn.UserID,
		conn.Provider,
		conn.ProviderUserID,
		pq.Array(conn.Scopes),
		accessBlob,
		refreshBlob,
		conn.TokenVersion,
		NullTime(conn.ExpiresAt),
		conn.Status,
		conn.DataKeyID,
		NullTime(conn.LastHealthCheck),
		conn.ErrorCode,
		conn.CreatedAt,
		conn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save connection: %w", err)
	}

	return nil
}

// Get retrieves a connection by ID.
func (s *ConnectionStore) Get(ctx context.Context, id string) (*domain.Connection, error) {
	conn, err := s.queryOne(ctx, `WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, domain.ErrConnectionNotFound
	}
	return conn, err
}

// GetByUserProvider retrieves the connection for a (user, provider) pair.
// Returns nil, nil when absent.
func (s *ConnectionStore) GetByUserProvider(ctx context.Context, userID string, provider domain.ProviderType) (*domain.Connection, error) {
	conn, err := s.queryOne(ctx, `WHERE user_id = $1 AND provider = $2`, userID, provider)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return conn, err
}

const connectionColumns = `
	SELECT id, user_id, provider, provider_user_id, scopes,
		   access_token_encrypted, refresh_token_encrypted, token_version,
		   expires_at, status, data_key_id, last_health_check, error_code,
		   created_at, updated_at
	FROM connections
`

func (s *ConnectionStore) queryOne(ctx context.Context, where string, args ...any) (*domain.Connection, error) {
	row := s.db.QueryRowContext(ctx, connectionColumns+where, args...)
	conn, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	return conn, nil
}

// List retrieves all connections.
func (s *ConnectionStore) List(ctx context.Context) ([]*domain.Connection, error) {
	rows, err := s.db.QueryContext(ctx, connectionColumns+`ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var conns []*domain.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connections: %w", err)
	}

	return conns, nil
}

// UpdateStatus updates status, error code and updated_at.
func (s *ConnectionStore) UpdateStatus(ctx context.Context, id string, status domain.ConnectionStatus, errorCode string) error {
	query := `
		UPDATE connections
		SET status = $1, error_code = $2, updated_at = $3
		WHERE id = $4
	`
	result, err := s.db.ExecContext(ctx, query, status, errorCode, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrConnectionNotFound
	}
	return nil
}

// UpdateHealthCheck records the time of the last health probe.
func (s *ConnectionStore) UpdateHealthCheck(ctx context.Context, id string, checkedAt time.Time) error {
	query := `
		UPDATE connections
		SET last_health_check = $1, updated_at = $2
		WHERE id = $3
	`
	_, err := s.db.ExecContext(ctx, query, checkedAt, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update health check: %w", err)
	}
	return nil
}

// Delete removes a connection.
func (s *ConnectionStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrConnectionNotFound
	}
	return nil
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanConnection(row scanner) (*domain.Connection, error) {
	var conn domain.Connection
	var scopes []string
	var accessBlob, refreshBlob []byte
	var expiresAt, lastHealthCheck sql.NullTime

	err := row.Scan(
		&conn.ID,
		&conn.UserID,
		&conn.Provider,
		&conn.ProviderUserID,
		pq.Array(&scopes),
		&accessBlob,
		&refreshBlob,
		&conn.TokenVersion,
		&expiresAt,
		&conn.Status,
		&conn.DataKeyID,
		&lastHealthCheck,
		&conn.ErrorCode,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	conn.Scopes = scopes
	conn.ExpiresAt = TimePtr(expiresAt)
	conn.LastHealthCheck = TimePtr(lastHealthCheck)

	if conn.AccessTokenEncrypted, err = unmarshalToken(accessBlob); err != nil {
		return nil, fmt.Errorf("unmarshal access token: %w", err)
	}
	if conn.RefreshTokenEncrypted, err = unmarshalToken(refreshBlob); err != nil {
		return nil, fmt.Errorf("unmarshal refresh token: %w", err)
	}

	return &conn, nil
}

func marshalToken(token *domain.EncryptedToken) ([]byte, error) {
	if token == nil {
		return nil, nil
	}
	return json.Marshal(token)
}

func unmarshalToken(blob []byte) (*domain.EncryptedToken, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var token domain.EncryptedToken
	if err := json.Unmarshal(blob, &token); err != nil {
		return nil, err
	}
	return &token, nil
}
