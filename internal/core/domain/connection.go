package domain

import "time"

// ConnectionStatus represents the health of a provider connection
type ConnectionStatus string

const (
	ConnectionStatusActive      ConnectionStatus = "active"
	ConnectionStatusExpired     ConnectionStatus = "expired"
	ConnectionStatusRevoked     ConnectionStatus = "revoked"
	ConnectionStatusError       ConnectionStatus = "error"
	ConnectionStatusNeedsReauth ConnectionStatus = "needs_reauth"
)

// EncryptedToken is a token field at rest. All fields are base64 strings.
// EncryptedKey is the data key wrapped by the KMS master key; the nonce is
// unique per encryption call.
type EncryptedToken struct {
	EncryptedData string `json:"encrypted_data"`
	EncryptedKey  string `json:"encrypted_key"`
	Nonce         string `json:"nonce"`
	KeyID         string `json:"key_id"`
	Version       int    `json:"version"`
}

// Connection is one linked streaming account per (user, provider).
// Encrypted fields never hold plaintext; TokenVersion strictly increases
// on every token update.
type Connection struct {
	ID                    string           `json:"id"`
	UserID                string           `json:"user_id"`
	Provider              ProviderType     `json:"provider"`
	ProviderUserID        string           `json:"provider_user_id"`
	Scopes                []string         `json:"scopes,omitempty"`
	AccessTokenEncrypted  *EncryptedToken  `json:"-"`
	RefreshTokenEncrypted *EncryptedToken  `json:"-"`
	TokenVersion          int              `json:"token_version"`
	ExpiresAt             *time.Time       `json:"expires_at,omitempty"`
	Status                ConnectionStatus `json:"status"`
	DataKeyID             string           `json:"data_key_id"`
	LastHealthCheck       *time.Time       `json:"last_health_check,omitempty"`
	ErrorCode             string           `json:"error_code,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// IsActive reports whether the connection is usable for provider calls.
func (c *Connection) IsActive() bool {
	return c.Status == ConnectionStatusActive && !c.IsExpired()
}

// IsExpired checks if the access token has expired.
func (c *Connection) IsExpired() bool {
	if c.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*c.ExpiresAt)
}

// NeedsRefresh checks if tokens should be refreshed proactively.
// True within 5 minutes of expiry, or when no expiry is known.
func (c *Connection) NeedsRefresh() bool {
	if c.ExpiresAt == nil {
		return true
	}
	return time.Now().Add(5 * time.Minute).After(*c.ExpiresAt)
}

// ConnectionSummary is a safe view without ciphertext or key material.
type ConnectionSummary struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	Provider        ProviderType     `json:"provider"`
	ProviderUserID  string           `json:"provider_user_id"`
	Status          ConnectionStatus `json:"status"`
	TokenVersion    int              `json:"token_version"`
	ExpiresAt       *time.Time       `json:"expires_at,omitempty"`
	LastHealthCheck *time.Time       `json:"last_health_check,omitempty"`
	ErrorCode       string           `json:"error_code,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// ToSummary converts a Connection to its safe view.
func (c *Connection) ToSummary() *ConnectionSummary {
	return &ConnectionSummary{
		ID:              c.ID,
		UserID:          c.UserID,
		Provider:        c.Provider,
		ProviderUserID:  c.ProviderUserID,
		Status:          c.Status,
		TokenVersion:    c.TokenVersion,
		ExpiresAt:       c.ExpiresAt,
		LastHealthCheck: c.LastHealthCheck,
		ErrorCode:       c.ErrorCode,
		CreatedAt:       c.CreatedAt,
	}
}

// DecryptedToken holds plaintext token material, only ever in memory.
type DecryptedToken struct {
	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Scopes       []string   `json:"scopes,omitempty"`
}

// TokenHealthCheck is the result of a single connection health probe.
type TokenHealthCheck struct {
	ConnectionID string       `json:"connection_id"`
	Provider     ProviderType `json:"provider"`
	IsValid      bool         `json:"is_valid"`
	NeedsRefresh bool         `json:"needs_refresh"`
	ExpiresAt    *time.Time   `json:"expires_at,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	CheckedAt    time.Time    `json:"checked_at"`
}
