package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quietlist-labs/quietlist-core/internal/core/domain"
)

// MockBatchStore is an in-memory BatchStore for testing
type MockBatchStore struct {
	mu          sync.RWMutex
	batches     map[string]*domain.ActionBatch
	items       map[string]*domain.ActionItem // by item ID
	checkpoints map[string]*domain.BatchCheckpoint

	// CheckpointSaves counts SaveCheckpoint calls (for assertions).
	CheckpointSaves int

	SaveCheckpointErr error
}

// NewMockBatchStore creates a new MockBatchStore
func NewMockBatchStore() *MockBatchStore {
	return &MockBatchStore{
		batches:     make(map[string]*domain.ActionBatch),
		items:       make(map[string]*domain.ActionItem),
		checkpoints: make(map[string]*domain.BatchCheckpoint),
	}
}

func (m *MockBatchStore) SaveBatch(ctx context.Context, batch *domain.ActionBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *batch
	m.batches[batch.ID] = &cp
	return nil
}

func (m *MockBatchStore) GetBatch(ctx context.Context, id string) (*domain.ActionBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	batch, ok := m.batches[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *batch
	return &cp, nil
}

func (m *MockBatchStore) GetBatchByIdempotencyKey(ctx context.Context, key string) (*domain.ActionBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, batch := range m.batches {
		if batch.IdempotencyKey == key {
			cp := *batch
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MockBatchStore) SaveItems(ctx context.Context, items []*domain.ActionItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		cp := *item
		m.items[item.ID] = &cp
	}
	return nil
}

func (m *MockBatchStore) GetItems(ctx context.Context, batchID string) ([]*domain.ActionItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.ActionItem
	for _, item := range m.items {
		if item.BatchID == batchID {
			cp := *item
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MockBatchStore) UpdateItem(ctx context.Context, item *domain.ActionItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *item
	m.items[item.ID] = &cp
	return nil
}

func (m *MockBatchStore) SaveCheckpoint(ctx context.Context, cp *domain.BatchCheckpoint) error {
	if m.SaveCheckpointErr != nil {
		return m.SaveCheckpointErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CheckpointSaves++
	c := *cp
	m.checkpoints[cp.BatchID] = &c
	return nil
}

func (m *MockBatchStore) GetCheckpoint(ctx context.Context, batchID string) (*domain.BatchCheckpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[batchID]
	if !ok {
		return nil, nil
	}
	c := *cp
	return &c, nil
}

func (m *MockBatchStore) PurgeCheckpoints(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, cp := range m.checkpoints {
		batch, ok := m.batches[id]
		if ok && batch.IsTerminal() && cp.UpdatedAt.Before(cutoff) {
			delete(m.checkpoints, id)
			count++
		}
	}
	return count, nil
}
