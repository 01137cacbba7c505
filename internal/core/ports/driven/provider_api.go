package driven

import (
	"context"
	"time"

	"github.com/quietlist-labs/quietlist-core/internal/core/domain"
)

// ProviderAction is one mutation request against a streaming provider.
type ProviderAction struct {
	Provider   domain.ProviderType
	Action     domain.ActionType
	EntityType domain.EntityType
	EntityID   string

	// AccessToken is the decrypted bearer token for the call.
	AccessToken string
}

// ActionResult is the provider's answer to a successful mutation.
type ActionResult struct {
	AfterState *domain.EntityState

	// RateLimit carries provider-reported limit headers when present.
	RateLimit *domain.RateLimitHint
}

// TokenRefreshResult holds new token material from a refresh exchange.
type TokenRefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Scopes       []string
}

// ProviderAPI executes enforcement actions against a streaming provider.
// Implementations must return domain.ActionError (via errors.As) so the
// executor can distinguish recoverable failures (network, 5xx, 429) from
// fatal ones (4xx auth/validation). Calls must honor ctx deadlines; a
// timeout counts as a recoverable failure.
type ProviderAPI interface {
	// ExecuteAction performs one mutation and returns the resulting
	// entity state plus any rate-limit hints from the response.
	ExecuteAction(ctx context.Context, action ProviderAction) (*ActionResult, error)

	// RefreshToken exchanges a refresh token for new token material.
	RefreshToken(ctx context.Context, provider domain.ProviderType, refreshToken string) (*TokenRefreshResult, error)
}
