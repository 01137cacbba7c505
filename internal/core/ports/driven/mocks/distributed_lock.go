package mocks

import (
	"context"
	"sync"
	"time"
)

// MockDistributedLock is an in-process DistributedLock for testing
type MockDistributedLock struct {
	mu    sync.Mutex
	held  map[string]bool
	Fails bool

	AcquireCalls int
	ReleaseCalls int
}

// NewMockDistributedLock creates a new MockDistributedLock
func NewMockDistributedLock() *MockDistributedLock {
	return &MockDistributedLock{
		held: make(map[string]bool),
	}
}

func (m *MockDistributedLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AcquireCalls++
	if m.Fails {
		return false, nil
	}
	if m.held[name] {
		return false, nil
	}
	m.held[name] = true
	return true, nil
}

func (m *MockDistributedLock) Release(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReleaseCalls++
	delete(m.held, name)
	return nil
}

func (m *MockDistributedLock) Extend(ctx context.Context, name string, ttl time.Duration) error {
	return nil
}

func (m *MockDistributedLock) Ping(ctx context.Context) error { return nil }
