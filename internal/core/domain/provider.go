package domain

// ProviderType identifies a streaming provider
type ProviderType string

const (
	ProviderTypeSpotify    ProviderType = "spotify"
	ProviderTypeAppleMusic ProviderType = "apple_music"
	ProviderTypeTidal      ProviderType = "tidal"
)

// KnownProviders lists the providers with built-in presets.
func KnownProviders() []ProviderType {
	return []ProviderType{
		ProviderTypeSpotify,
		ProviderTypeAppleMusic,
		ProviderTypeTidal,
	}
}

// IsKnown reports whether the provider has built-in presets.
func (p ProviderType) IsKnown() bool {
	switch p {
	case ProviderTypeSpotify, ProviderTypeAppleMusic, ProviderTypeTidal:
		return true
	default:
		return false
	}
}
