package mocks

import (
	"context"
	"sync"

	"github.com/quietlist-labs/quietlist-core/internal/core/domain"
	"github.com/quietlist-labs/quietlist-core/internal/core/ports/driven"
)

// MockProviderAPI is a scriptable ProviderAPI for testing.
// Failures can be injected per entity ID, either permanently or for the
// first N attempts.
type MockProviderAPI struct {
	mu sync.Mutex

	// Calls records every executed action in order.
	Calls []driven.ProviderAction

	// FailWith maps entity ID to the error every call returns.
	FailWith map[string]error

	// FailTimes maps entity ID to a number of failures before success.
	FailTimes map[string]int
	failSeen  map[string]int

	// Hint is attached to every successful result when set.
	Hint *domain.RateLimitHint

	// RefreshResult is returned by RefreshToken when set.
	RefreshResult *driven.TokenRefreshResult
	RefreshErr    error
	RefreshCalls  int
}

// NewMockProviderAPI creates a new MockProviderAPI
func NewMockProviderAPI() *MockProviderAPI {
	return &MockProviderAPI{
		FailWith:  make(map[string]error),
		FailTimes: make(map[string]int),
		failSeen:  make(map[string]int),
	}
}

func (m *MockProviderAPI) ExecuteAction(ctx context.Context, action driven.ProviderAction) (*driven.ActionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, action)

	if err, ok := m.FailWith[action.EntityID]; ok {
		return nil, err
	}
	if n, ok := m.FailTimes[action.EntityID]; ok && m.failSeen[action.EntityID] < n {
		m.failSeen[action.EntityID]++
		return nil, domain.NewRecoverableError("upstream_5xx", "temporary provider failure")
	}

	return &driven.ActionResult{
		AfterState: &domain.EntityState{Present: false},
		RateLimit:  m.Hint,
	}, nil
}

func (m *MockProviderAPI) RefreshToken(ctx context.Context, provider domain.ProviderType, refreshToken string) (*driven.TokenRefreshResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RefreshCalls++
	if m.RefreshErr != nil {
		return nil, m.RefreshErr
	}
	if m.RefreshResult != nil {
		return m.RefreshResult, nil
	}
	return &driven.TokenRefreshResult{
		AccessToken:  "refreshed-access",
		RefreshToken: refreshToken,
	}, nil
}

// CallCount returns the number of executed actions.
func (m *MockProviderAPI) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
