package mocks

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/quietlist-labs/quietlist-core/internal/core/domain"
)

var wrapPrefix = []byte("wrapped:")

// MockKmsProvider is a trivially reversible KmsProvider for testing.
// The wrapped form is "wrapped:v<N>:" + plaintext; do not mistake it
// for real key protection.
type MockKmsProvider struct {
	mu sync.Mutex

	GenerateCalls int
	DecryptCalls  int
	RotateCalls   int

	GenerateErr error
	DecryptErr  error
	RotateErr   error
}

// NewMockKmsProvider creates a new MockKmsProvider
func NewMockKmsProvider() *MockKmsProvider {
	return &MockKmsProvider{}
}

func wrap(plaintext []byte, version int) []byte {
	header := []byte(fmt.Sprintf("wrapped:v%d:", version))
	return append(header, plaintext...)
}

func unwrap(encryptedKey []byte) (plaintext []byte, version int, err error) {
	if !bytes.HasPrefix(encryptedKey, wrapPrefix) {
		return nil, 0, domain.ErrDecryptFailed
	}
	rest := encryptedKey[len(wrapPrefix):]
	sep := bytes.IndexByte(rest, ':')
	if sep < 0 {
		return nil, 0, domain.ErrDecryptFailed
	}
	if _, err := fmt.Sscanf(string(rest[:sep]), "v%d", &version); err != nil {
		return nil, 0, domain.ErrDecryptFailed
	}
	return append([]byte(nil), rest[sep+1:]...), version, nil
}

func (m *MockKmsProvider) GenerateDataKey(ctx context.Context, keyID string) (*domain.DataKey, error) {
	m.mu.Lock()
	m.GenerateCalls++
	err := m.GenerateErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, 32)
	if _, err := rand.Read(plaintext); err != nil {
		return nil, domain.ErrKeyGenFailed
	}

	return &domain.DataKey{
		KeyID:        keyID,
		PlaintextKey: plaintext,
		EncryptedKey: wrap(plaintext, 1),
		Version:      1,
		CreatedAt:    time.Now(),
	}, nil
}

func (m *MockKmsProvider) DecryptDataKey(ctx context.Context, encryptedKey []byte, keyID string) ([]byte, error) {
	m.mu.Lock()
	m.DecryptCalls++
	err := m.DecryptErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	plaintext, _, uerr := unwrap(encryptedKey)
	return plaintext, uerr
}

func (m *MockKmsProvider) RotateKey(ctx context.Context, encryptedKey []byte, keyID string) ([]byte, error) {
	m.mu.Lock()
	m.RotateCalls++
	err := m.RotateErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	plaintext, version, uerr := unwrap(encryptedKey)
	if uerr != nil {
		return nil, uerr
	}
	return wrap(plaintext, version+1), nil
}
