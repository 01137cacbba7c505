package domain

// EntityType identifies the kind of provider-side entity an action targets
type EntityType string

const (
	EntityTypeTrack         EntityType = "track"
	EntityTypeAlbum         EntityType = "album"
	EntityTypeArtist        EntityType = "artist"
	EntityTypePlaylistTrack EntityType = "playlist_track"
)

// ActionType identifies a provider-side mutation
type ActionType string

const (
	ActionRemoveLikedSong     ActionType = "remove_liked_song"
	ActionAddLikedSong        ActionType = "add_liked_song"
	ActionUnfollowArtist      ActionType = "unfollow_artist"
	ActionFollowArtist        ActionType = "follow_artist"
	ActionRemovePlaylistTrack ActionType = "remove_playlist_track"
	ActionAddPlaylistTrack    ActionType = "add_playlist_track"
	ActionRemoveSavedAlbum    ActionType = "remove_saved_album"
	ActionAddSavedAlbum       ActionType = "add_saved_album"
)

// Inverse returns the action that undoes this one, or "" if the action
// is not reversible.
func (a ActionType) Inverse() ActionType {
	switch a {
	case ActionRemoveLikedSong:
		return ActionAddLikedSong
	case ActionAddLikedSong:
		return ActionRemoveLikedSong
	case ActionUnfollowArtist:
		return ActionFollowArtist
	case ActionFollowArtist:
		return ActionUnfollowArtist
	case ActionRemovePlaylistTrack:
		return ActionAddPlaylistTrack
	case ActionAddPlaylistTrack:
		return ActionRemovePlaylistTrack
	case ActionRemoveSavedAlbum:
		return ActionAddSavedAlbum
	case ActionAddSavedAlbum:
		return ActionRemoveSavedAlbum
	default:
		return ""
	}
}

// EntityState captures the provider-side state of an entity before or
// after an action, so a completed action can be reversed.
type EntityState struct {
	Present  bool              `json:"present"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PlannedAction is one mutation in an enforcement plan.
// DependsOn lists entity IDs of actions that must complete first
// (e.g. remove a playlist track before unfollowing its artist).
type PlannedAction struct {
	EntityType  EntityType   `json:"entity_type"`
	EntityID    string       `json:"entity_id"`
	Action      ActionType   `json:"action"`
	BeforeState *EntityState `json:"before_state,omitempty"`
	DependsOn   []string     `json:"depends_on,omitempty"`
}

// EnforcementPlan is an ordered set of provider-side mutations derived
// from a user's DNP list, consumed by the batch executor.
type EnforcementPlan struct {
	UserID         string          `json:"user_id"`
	Provider       ProviderType    `json:"provider"`
	ConnectionID   string          `json:"connection_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Actions        []PlannedAction `json:"actions"`
}

// Validate checks the plan is executable.
func (p *EnforcementPlan) Validate() error {
	if p.UserID == "" || p.Provider == "" || p.ConnectionID == "" {
		return ErrInvalidInput
	}
	if len(p.Actions) == 0 {
		return ErrInvalidInput
	}
	ids := make(map[string]bool, len(p.Actions))
	for _, a := range p.Actions {
		if a.EntityID == "" || a.Action == "" {
			return ErrInvalidInput
		}
		ids[a.EntityID] = true
	}
	for _, a := range p.Actions {
		for _, dep := range a.DependsOn {
			if !ids[dep] {
				return ErrInvalidInput
			}
		}
	}
	return nil
}
