// Package providers routes enforcement actions to per-provider API
// clients. The real HTTP clients live outside this layer; the
// dispatcher only owns routing and the unknown-provider failure mode.
package providers

import (
	"context"
	"sync"

	"github.com/quietlist-labs/quietlist-core/internal/core/domain"
	"github.com/quietlist-labs/quietlist-core/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.ProviderAPI = (*Dispatcher)(nil)

// Dispatcher implements driven.ProviderAPI by delegating to the client
// registered for the action's provider. An action against a provider
// with no registered client fails fatally: retrying cannot make a
// client appear.
type Dispatcher struct {
	mu      sync.RWMutex
	clients map[domain.ProviderType]driven.ProviderAPI
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		clients: make(map[domain.ProviderType]driven.ProviderAPI),
	}
}

// Register installs the client for a provider, replacing any previous
// registration.
func (d *Dispatcher) Register(provider domain.ProviderType, client driven.ProviderAPI) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients[provider] = client
}

func (d *Dispatcher) clientFor(provider domain.ProviderType) (driven.ProviderAPI, error) {
	d.mu.RLock()
	client, ok := d.clients[provider]
	d.mu.RUnlock()
	if !ok {
		return nil, domain.NewFatalError("provider_not_configured",
			"no client registered for provider "+string(provider))
	}
	return client, nil
}

// ExecuteAction routes the action to its provider's client.
func (d *Dispatcher) ExecuteAction(ctx context.Context, action driven.ProviderAction) (*driven.ActionResult, error) {
	client, err := d.clientFor(action.Provider)
	if err != nil {
		return nil, err
	}
	return client.ExecuteAction(ctx, action)
}

// RefreshToken routes the refresh exchange to the provider's client.
func (d *Dispatcher) RefreshToken(ctx context.Context, provider domain.ProviderType, refreshToken string) (*driven.TokenRefreshResult, error) {
	client, err := d.clientFor(provider)
	if err != nil {
		return nil, err
	}
	return client.RefreshToken(ctx, provider, refreshToken)
}
