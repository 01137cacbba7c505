package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/quietlist-labs/quietlist-core/internal/core/domain"
)

// MockConnectionStore is an in-memory ConnectionStore for testing
type MockConnectionStore struct {
	mu          sync.RWMutex
	connections map[string]*domain.Connection

	SaveErr error
	GetErr  error
}

// NewMockConnectionStore creates a new MockConnectionStore
func NewMockConnectionStore() *MockConnectionStore {
	return &MockConnectionStore{
		connections: make(map[string]*domain.Connection),
	}
}

func (m *MockConnectionStore) Save(ctx context.Context, conn *domain.Connection) error {
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *conn
	m.connections[conn.ID] = &cp
	return nil
}

func (m *MockConnectionStore) Get(ctx context.Context, id string) (*domain.Connection, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[id]
	if !ok {
		return nil, domain.ErrConnectionNotFound
	}
	cp := *conn
	return &cp, nil
}

func (m *MockConnectionStore) GetByUserProvider(ctx context.Context, userID string, provider domain.ProviderType) (*domain.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, conn := range m.connections {
		if conn.UserID == userID && conn.Provider == provider {
			cp := *conn
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MockConnectionStore) List(ctx context.Context) ([]*domain.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Connection
	for _, conn := range m.connections {
		cp := *conn
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MockConnectionStore) UpdateStatus(ctx context.Context, id string, status domain.ConnectionStatus, errorCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[id]
	if !ok {
		return domain.ErrConnectionNotFound
	}
	conn.Status = status
	conn.ErrorCode = errorCode
	conn.UpdatedAt = time.Now()
	return nil
}

func (m *MockConnectionStore) UpdateHealthCheck(ctx context.Context, id string, checkedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[id]
	if !ok {
		return domain.ErrConnectionNotFound
	}
	conn.LastHealthCheck = &checkedAt
	return nil
}

func (m *MockConnectionStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connections[id]; !ok {
		return domain.ErrConnectionNotFound
	}
	delete(m.connections, id)
	return nil
}

// MockDataKeyStore is an in-memory DataKeyStore for testing
type MockDataKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*domain.DataKey
}

// NewMockDataKeyStore creates a new MockDataKeyStore
func NewMockDataKeyStore() *MockDataKeyStore {
	return &MockDataKeyStore{
		keys: make(map[string]*domain.DataKey),
	}
}

func (m *MockDataKeyStore) Save(ctx context.Context, keyID string, encryptedKey []byte, version int, createdAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[keyID] = &domain.DataKey{
		KeyID:        keyID,
		EncryptedKey: append([]byte(nil), encryptedKey...),
		Version:      version,
		CreatedAt:    createdAt,
	}
	return nil
}

func (m *MockDataKeyStore) Get(ctx context.Context, keyID string) (*domain.DataKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[keyID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *key
	cp.EncryptedKey = append([]byte(nil), key.EncryptedKey...)
	return &cp, nil
}

func (m *MockDataKeyStore) ListOlderThan(ctx context.Context, cutoff time.Time) ([]*domain.DataKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.DataKey
	for _, key := range m.keys {
		if key.CreatedAt.Before(cutoff) {
			cp := *key
			cp.EncryptedKey = append([]byte(nil), key.EncryptedKey...)
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MockDataKeyStore) UpdateEncryptedKey(ctx context.Context, keyID string, encryptedKey []byte, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[keyID]
	if !ok {
		return domain.ErrNotFound
	}
	key.EncryptedKey = append([]byte(nil), encryptedKey...)
	key.Version = version
	return nil
}
