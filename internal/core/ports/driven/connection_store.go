package driven

import (
	"context"
	"time"

	"github.com/quietlist-labs/quietlist-core/internal/core/domain"
)

// ConnectionStore handles persistence of streaming-account connections.
// Token fields are stored only in encrypted form.
type ConnectionStore interface {
	// Save creates or updates a connection (upsert on ID).
	Save(ctx context.Context, conn *domain.Connection) error

	// Get retrieves a connection by ID.
	// Returns domain.ErrConnectionNotFound if absent.
	Get(ctx context.Context, id string) (*domain.Connection, error)

	// GetByUserProvider retrieves the connection for a (user, provider)
	// pair. Returns nil, nil when absent.
	GetByUserProvider(ctx context.Context, userID string, provider domain.ProviderType) (*domain.Connection, error)

	// List retrieves all connections.
	List(ctx context.Context) ([]*domain.Connection, error)

	// UpdateStatus updates status, error code and updated_at.
	UpdateStatus(ctx context.Context, id string, status domain.ConnectionStatus, errorCode string) error

	// UpdateHealthCheck records the time of the last health probe.
	UpdateHealthCheck(ctx context.Context, id string, checkedAt time.Time) error

	// Delete removes a connection (disconnect).
	Delete(ctx context.Context, id string) error
}

// DataKeyStore persists wrapped data keys. Plaintext key material never
// reaches this interface.
type DataKeyStore interface {
	// Save creates or updates a wrapped data key (upsert on key ID).
	Save(ctx context.Context, keyID string, encryptedKey []byte, version int, createdAt time.Time) error

	// Get retrieves a wrapped data key. Returns domain.ErrNotFound if absent.
	Get(ctx context.Context, keyID string) (*domain.DataKey, error)

	// ListOlderThan retrieves key IDs created before the cutoff,
	// candidates for master-key rotation.
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]*domain.DataKey, error)

	// UpdateEncryptedKey replaces the wrapped form after rotation and
	// bumps the version.
	UpdateEncryptedKey(ctx context.Context, keyID string, encryptedKey []byte, version int) error
}
