package driven

import (
	"context"

	"github.com/quietlist-labs/quietlist-core/internal/core/domain"
)

// KmsProvider wraps and unwraps per-connection data keys with a master
// key it owns. Implementations: local AES-GCM (dev/test) and HashiCorp
// Vault Transit. Selected once at startup from explicit configuration
// and shared by reference; never via global state.
type KmsProvider interface {
	// GenerateDataKey produces a fresh 32-byte data key and returns both
	// its plaintext (for immediate use) and wrapped form (for storage).
	GenerateDataKey(ctx context.Context, keyID string) (*domain.DataKey, error)

	// DecryptDataKey unwraps a stored data key. Fails with
	// domain.ErrDecryptFailed if the ciphertext is malformed, too short,
	// or fails its authentication tag check.
	DecryptDataKey(ctx context.Context, encryptedKey []byte, keyID string) ([]byte, error)

	// RotateKey re-wraps the same plaintext data key under the latest
	// master key version. The plaintext data key does not change, so
	// payloads encrypted under it remain readable.
	RotateKey(ctx context.Context, encryptedKey []byte, keyID string) ([]byte, error)
}
