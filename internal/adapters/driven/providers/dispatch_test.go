package providers

import (
	"context"
	"testing"

	"github.com/quietlist-labs/quietlist-core/internal/core/domain"
	"github.com/quietlist-labs/quietlist-core/internal/core/ports/driven"
	"github.com/quietlist-labs/quietlist-core/internal/core/ports/driven/mocks"
)

func TestDispatcher_RoutesToRegisteredClient(t *testing.T) {
	d := NewDispatcher()
	spotify := mocks.NewMockProviderAPI()
	d.Register(domain.ProviderTypeSpotify, spotify)

	_, err := d.ExecuteAction(context.Background(), driven.ProviderAction{
		Provider:   domain.ProviderTypeSpotify,
		Action:     domain.ActionRemoveLikedSong,
		EntityType: domain.EntityTypeTrack,
		EntityID:   "t1",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if spotify.CallCount() != 1 {
		t.Errorf("expected 1 call to the spotify client, got %d", spotify.CallCount())
	}
}

func TestDispatcher_UnregisteredProviderFailsFatally(t *testing.T) {
	d := NewDispatcher()
	d.Register(domain.ProviderTypeSpotify, mocks.NewMockProviderAPI())

	_, err := d.ExecuteAction(context.Background(), driven.ProviderAction{
		Provider: domain.ProviderTypeTidal,
		Action:   domain.ActionRemoveLikedSong,
		EntityID: "t1",
	})
	if err == nil {
		t.Fatal("expected error for unregistered provider")
	}
	// Fatal: retrying cannot make a client appear.
	if domain.IsRecoverable(err) {
		t.Error("expected a fatal error")
	}

	if _, err := d.RefreshToken(context.Background(), domain.ProviderTypeTidal, "rt"); err == nil {
		t.Error("expected refresh error for unregistered provider")
	}
}

func TestDispatcher_RefreshRoutes(t *testing.T) {
	d := NewDispatcher()
	spotify := mocks.NewMockProviderAPI()
	d.Register(domain.ProviderTypeSpotify, spotify)

	result, err := d.RefreshToken(context.Background(), domain.ProviderTypeSpotify, "rt-1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if result.AccessToken == "" {
		t.Error("expected refreshed access token")
	}
	if spotify.RefreshCalls != 1 {
		t.Errorf("expected 1 refresh call, got %d", spotify.RefreshCalls)
	}
}

func TestDispatcher_RegisterReplaces(t *testing.T) {
	d := NewDispatcher()
	first := mocks.NewMockProviderAPI()
	second := mocks.NewMockProviderAPI()
	d.Register(domain.ProviderTypeSpotify, first)
	d.Register(domain.ProviderTypeSpotify, second)

	_, err := d.ExecuteAction(context.Background(), driven.ProviderAction{
		Provider: domain.ProviderTypeSpotify,
		Action:   domain.ActionRemoveLikedSong,
		EntityID: "t1",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if first.CallCount() != 0 || second.CallCount() != 1 {
		t.Errorf("expected the replacement client to serve the call, got %d/%d",
			first.CallCount(), second.CallCount())
	}
}
