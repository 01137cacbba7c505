// Package kms provides KmsProvider implementations: a local AES-GCM
// provider for development and testing, and a HashiCorp Vault Transit
// client for production.
package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/quietlist-labs/quietlist-core/internal/core/domain"
	"github.com/quietlist-labs/quietlist-core/internal/core/ports/driven"
)

const (
	// nonceSize is the AES-GCM nonce size (12 bytes is standard)
	nonceSize = 12

	// keySize is the required key size for AES-256
	keySize = 32
)

// ErrInvalidMasterKey is returned when a master key is not 32 bytes.
var ErrInvalidMasterKey = errors.New("master key must be 32 bytes")

// LocalKms wraps data keys with AES-256-GCM under locally held master
// keys. Master keys are versioned; new wraps always use the latest
// version while older versions stay available for unwrapping, so
// RotateKey can migrate stored keys forward.
//
// The wrapped format is: masterVersion(1) || nonce(12) || ciphertext.
type LocalKms struct {
	masters []cipher.AEAD
}

var _ driven.KmsProvider = (*LocalKms)(nil)

// NewLocalKms creates a local KMS from one or more 32-byte master keys,
// oldest first. The last key is the current wrapping key.
func NewLocalKms(masterKeys ...[]byte) (*LocalKms, error) {
	if len(masterKeys) == 0 {
		return nil, errors.New("at least one master key is required")
	}
	if len(masterKeys) > 255 {
		return nil, errors.New("at most 255 master key versions are supported")
	}

	masters := make([]cipher.AEAD, 0, len(masterKeys))
	for i, key := range masterKeys {
		if len(key) != keySize {
			return nil, fmt.Errorf("key version %d: %w: got %d bytes", i+1, ErrInvalidMasterKey, len(key))
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("create AES cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("create GCM: %w", err)
		}
		masters = append(masters, gcm)
	}
	return &LocalKms{masters: masters}, nil
}

// DeriveMasterKey derives a 32-byte master key from a passphrase with
// Argon2id, for deployments that configure a passphrase instead of raw
// key bytes. The salt must be stable across restarts.
func DeriveMasterKey(passphrase, salt string) []byte {
	return argon2.IDKey([]byte(passphrase), []byte(salt), 1, 64*1024, 4, keySize)
}

// currentVersion is the master key version used for new wraps.
func (k *LocalKms) currentVersion() int {
	return len(k.masters)
}

// GenerateDataKey produces a fresh random data key wrapped under the
// current master key.
func (k *LocalKms) GenerateDataKey(ctx context.Context, keyID string) (*domain.DataKey, error) {
	plaintext := make([]byte, keySize)
	if _, err := rand.Read(plaintext); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyGenFailed, err)
	}

	wrapped, err := k.wrap(plaintext)
	if err != nil {
		return nil, err
	}

	return &domain.DataKey{
		KeyID:        keyID,
		PlaintextKey: plaintext,
		EncryptedKey: wrapped,
		Version:      1,
		CreatedAt:    time.Now(),
	}, nil
}

// DecryptDataKey unwraps a stored data key.
func (k *LocalKms) DecryptDataKey(ctx context.Context, encryptedKey []byte, keyID string) ([]byte, error) {
	plaintext, _, err := k.unwrap(encryptedKey)
	return plaintext, err
}

// RotateKey re-wraps the data key under the current master key version.
// The plaintext data key is unchanged.
func (k *LocalKms) RotateKey(ctx context.Context, encryptedKey []byte, keyID string) ([]byte, error) {
	plaintext, _, err := k.unwrap(encryptedKey)
	if err != nil {
		return nil, err
	}
	defer zero(plaintext)
	return k.wrap(plaintext)
}

// wrap seals plaintext under the current master key.
// Format: masterVersion(1) || nonce(12) || ciphertext.
func (k *LocalKms) wrap(plaintext []byte) ([]byte, error) {
	gcm := k.masters[len(k.masters)-1]

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	blob := make([]byte, 1+nonceSize+len(ciphertext))
	blob[0] = byte(k.currentVersion())
	copy(blob[1:1+nonceSize], nonce)
	copy(blob[1+nonceSize:], ciphertext)
	return blob, nil
}

// unwrap opens a wrapped blob with the master key version it names.
func (k *LocalKms) unwrap(blob []byte) (plaintext []byte, version int, err error) {
	if len(blob) < 1+nonceSize+1 {
		return nil, 0, domain.ErrInvalidCiphertext
	}

	version = int(blob[0])
	if version < 1 || version > len(k.masters) {
		return nil, 0, fmt.Errorf("%w: unknown master key version %d", domain.ErrInvalidCiphertext, version)
	}
	gcm := k.masters[version-1]

	if len(blob) < 1+nonceSize+gcm.Overhead() {
		return nil, 0, domain.ErrInvalidCiphertext
	}

	nonce := blob[1 : 1+nonceSize]
	ciphertext := blob[1+nonceSize:]

	plaintext, err = gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, 0, domain.ErrDecryptFailed
	}
	return plaintext, version, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
