package services

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quietlist-labs/quietlist-core/internal/core/domain"
	"github.com/quietlist-labs/quietlist-core/internal/core/ports/driven"
)

const (
	dataKeyIDPrefix = "dk_"

	// healthCheckConcurrency bounds parallel connection probes so a large
	// sweep cannot exhaust provider quotas.
	healthCheckConcurrency = 8
)

// VaultConfig holds dependencies for the credential vault.
type VaultConfig struct {
	Connections driven.ConnectionStore
	DataKeys    driven.DataKeyStore
	Kms         driven.KmsProvider
	Providers   driven.ProviderAPI
	Logger      *slog.Logger

	// Clock is injectable for tests. Defaults to time.Now.
	Clock func() time.Time
}

// Vault stores and serves provider OAuth tokens using envelope
// encryption. Each connection's tokens are encrypted with a dedicated
// data key; the data key is persisted only in its KMS-wrapped form.
// Unwrapped keys live in memory only, in a cache keyed by data key ID.
type Vault struct {
	connections driven.ConnectionStore
	dataKeys    driven.DataKeyStore
	kms         driven.KmsProvider
	providers   driven.ProviderAPI
	logger      *slog.Logger
	now         func() time.Time

	keyMu    sync.Mutex
	keyCache map[string]*domain.DataKey
}

// NewVault creates a credential vault.
func NewVault(cfg VaultConfig) *Vault {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Vault{
		connections: cfg.Connections,
		dataKeys:    cfg.DataKeys,
		kms:         cfg.Kms,
		providers:   cfg.Providers,
		logger:      logger,
		now:         clock,
		keyCache:    make(map[string]*domain.DataKey),
	}
}

// DataKeyID derives the deterministic data key ID for a (user, provider)
// pair, so re-linking the same account reuses the same key slot.
func DataKeyID(userID string, provider domain.ProviderType) string {
	sum := sha256.Sum256([]byte(userID + "|" + string(provider)))
	return dataKeyIDPrefix + hex.EncodeToString(sum[:])
}

// StoreToken encrypts and persists token material for a (user, provider)
// pair, creating the connection and its data key on first use. The token
// version increases on every update so stale readers can be detected.
func (v *Vault) StoreToken(ctx context.Context, userID string, provider domain.ProviderType, providerUserID string, token *domain.DecryptedToken) (*domain.ConnectionSummary, error) {
	if userID == "" || token == nil || token.AccessToken == "" {
		return nil, fmt.Errorf("store token: %w", domain.ErrInvalidInput)
	}
	if !provider.IsKnown() {
		return nil, fmt.Errorf("store token: unknown provider %q: %w", provider, domain.ErrInvalidInput)
	}

	keyID := DataKeyID(userID, provider)
	key, err := v.ensureDataKey(ctx, keyID)
	if err != nil {
		return nil, err
	}

	conn, err := v.connections.GetByUserProvider(ctx, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("lookup connection: %w", err)
	}

	now := v.now()
	if conn == nil {
		conn = &domain.Connection{
			ID:        uuid.NewString(),
			UserID:    userID,
			Provider:  provider,
			DataKeyID: keyID,
			CreatedAt: now,
		}
	}

	if err := encryptTokensInto(conn, key, token); err != nil {
		return nil, err
	}

	conn.ProviderUserID = providerUserID
	conn.Scopes = token.Scopes
	conn.ExpiresAt = token.ExpiresAt
	conn.Status = domain.ConnectionStatusActive
	conn.ErrorCode = ""
	conn.TokenVersion++
	conn.UpdatedAt = now

	if err := v.connections.Save(ctx, conn); err != nil {
		return nil, fmt.Errorf("save connection: %w", err)
	}

	v.logger.Info("stored provider tokens",
		"connection_id", conn.ID,
		"provider", provider,
		"token_version", conn.TokenVersion)
	return conn.ToSummary(), nil
}

// GetDecryptedToken unwraps the connection's data key and decrypts its
// token material. The plaintext never leaves the caller's memory.
func (v *Vault) GetDecryptedToken(ctx context.Context, connectionID string) (*domain.DecryptedToken, error) {
	conn, err := v.connections.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	return v.decryptConnection(ctx, conn)
}

// GetConnection returns the safe view of a connection.
func (v *Vault) GetConnection(ctx context.Context, connectionID string) (*domain.ConnectionSummary, error) {
	conn, err := v.connections.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	return conn.ToSummary(), nil
}

// GetConnectionByUserProvider returns the safe view for a (user, provider)
// pair, or nil when no connection exists.
func (v *Vault) GetConnectionByUserProvider(ctx context.Context, userID string, provider domain.ProviderType) (*domain.ConnectionSummary, error) {
	conn, err := v.connections.GetByUserProvider(ctx, userID, provider)
	if err != nil || conn == nil {
		return nil, err
	}
	return conn.ToSummary(), nil
}

// Disconnect removes a connection and forgets its cached key material.
func (v *Vault) Disconnect(ctx context.Context, connectionID string) error {
	conn, err := v.connections.Get(ctx, connectionID)
	if err != nil {
		return err
	}
	if err := v.connections.Delete(ctx, connectionID); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	v.forgetKey(conn.DataKeyID)
	v.logger.Info("disconnected provider account",
		"connection_id", connectionID, "provider", conn.Provider)
	return nil
}

// RefreshToken exchanges the stored refresh token for new token material
// and re-encrypts it under the same data key. A fatal provider error
// (revoked grant, invalid refresh token) marks the connection
// needs_reauth instead of retrying.
func (v *Vault) RefreshToken(ctx context.Context, connectionID string) (*domain.ConnectionSummary, error) {
	conn, err := v.connections.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	decrypted, err := v.decryptConnection(ctx, conn)
	if err != nil {
		return nil, err
	}
	if decrypted.RefreshToken == "" {
		if markErr := v.MarkNeedsReauth(ctx, connectionID, "no_refresh_token"); markErr != nil {
			v.logger.Error("mark needs_reauth failed", "connection_id", connectionID, "error", markErr)
		}
		return nil, domain.ErrNeedsReauth
	}

	result, err := v.providers.RefreshToken(ctx, conn.Provider, decrypted.RefreshToken)
	if err != nil {
		if !domain.IsRecoverable(err) {
			if markErr := v.MarkNeedsReauth(ctx, connectionID, "refresh_rejected"); markErr != nil {
				v.logger.Error("mark needs_reauth failed", "connection_id", connectionID, "error", markErr)
			}
			return nil, fmt.Errorf("refresh rejected: %w", err)
		}
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	newToken := &domain.DecryptedToken{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresAt:    result.ExpiresAt,
		Scopes:       result.Scopes,
	}
	// Providers that do not rotate refresh tokens return an empty one.
	if newToken.RefreshToken == "" {
		newToken.RefreshToken = decrypted.RefreshToken
	}
	if len(newToken.Scopes) == 0 {
		newToken.Scopes = conn.Scopes
	}

	key, err := v.unwrapDataKey(ctx, conn.DataKeyID)
	if err != nil {
		return nil, err
	}
	if err := encryptTokensInto(conn, key, newToken); err != nil {
		return nil, err
	}

	conn.ExpiresAt = newToken.ExpiresAt
	conn.Scopes = newToken.Scopes
	conn.Status = domain.ConnectionStatusActive
	conn.ErrorCode = ""
	conn.TokenVersion++
	conn.UpdatedAt = v.now()

	if err := v.connections.Save(ctx, conn); err != nil {
		return nil, fmt.Errorf("save refreshed connection: %w", err)
	}

	v.logger.Info("refreshed provider tokens",
		"connection_id", conn.ID,
		"provider", conn.Provider,
		"token_version", conn.TokenVersion)
	return conn.ToSummary(), nil
}

// HealthCheckAllConnections probes every stored connection and records
// the result. Probes run concurrently but bounded; one failing
// connection never aborts the sweep.
func (v *Vault) HealthCheckAllConnections(ctx context.Context) ([]*domain.TokenHealthCheck, error) {
	conns, err := v.connections.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}

	results := make([]*domain.TokenHealthCheck, len(conns))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(healthCheckConcurrency)

	for i, conn := range conns {
		i, conn := i, conn
		g.Go(func() error {
			results[i] = v.checkConnection(gctx, conn)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// checkConnection probes one connection without calling the provider:
// it verifies the token material still decrypts and evaluates expiry.
func (v *Vault) checkConnection(ctx context.Context, conn *domain.Connection) *domain.TokenHealthCheck {
	check := &domain.TokenHealthCheck{
		ConnectionID: conn.ID,
		Provider:     conn.Provider,
		ExpiresAt:    conn.ExpiresAt,
		CheckedAt:    v.now(),
	}

	switch conn.Status {
	case domain.ConnectionStatusRevoked, domain.ConnectionStatusNeedsReauth:
		check.ErrorMessage = string(conn.Status)
	default:
		if _, err := v.decryptConnection(ctx, conn); err != nil {
			check.ErrorMessage = err.Error()
			if markErr := v.MarkError(ctx, conn.ID, "decrypt_failed"); markErr != nil {
				v.logger.Error("mark error failed", "connection_id", conn.ID, "error", markErr)
			}
		} else {
			// Valid means usable right now: active status and unexpired.
			check.IsValid = conn.IsActive()
			check.NeedsRefresh = conn.NeedsRefresh()
			switch {
			case conn.IsExpired():
				check.ErrorMessage = "token expired"
				if conn.Status == domain.ConnectionStatusActive {
					if markErr := v.MarkExpired(ctx, conn.ID); markErr != nil {
						v.logger.Error("mark expired failed", "connection_id", conn.ID, "error", markErr)
					}
				}
			case conn.Status != domain.ConnectionStatusActive:
				check.ErrorMessage = string(conn.Status)
			}
		}
	}

	if err := v.connections.UpdateHealthCheck(ctx, conn.ID, check.CheckedAt); err != nil {
		v.logger.Error("record health check failed", "connection_id", conn.ID, "error", err)
	}
	return check
}

// RotateDataKeys re-wraps data keys created before the cutoff under the
// latest master key version. The plaintext data keys do not change, so
// stored ciphertexts remain readable. Returns the number rotated.
func (v *Vault) RotateDataKeys(ctx context.Context, cutoff time.Time) (int, error) {
	keys, err := v.dataKeys.ListOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list data keys: %w", err)
	}

	rotated := 0
	for _, key := range keys {
		newWrapped, err := v.kms.RotateKey(ctx, key.EncryptedKey, key.KeyID)
		if err != nil {
			v.logger.Error("rotate data key failed", "key_id", key.KeyID, "error", err)
			continue
		}
		if err := v.dataKeys.UpdateEncryptedKey(ctx, key.KeyID, newWrapped, key.Version+1); err != nil {
			v.logger.Error("persist rotated data key failed", "key_id", key.KeyID, "error", err)
			continue
		}
		v.forgetKey(key.KeyID)
		rotated++
	}

	if rotated > 0 {
		v.logger.Info("rotated data keys", "count", rotated, "candidates", len(keys))
	}
	return rotated, nil
}

// MarkError sets the connection status to error with a code.
func (v *Vault) MarkError(ctx context.Context, connectionID, errorCode string) error {
	return v.connections.UpdateStatus(ctx, connectionID, domain.ConnectionStatusError, errorCode)
}

// MarkNeedsReauth flags the connection as requiring a new user
// authorization flow.
func (v *Vault) MarkNeedsReauth(ctx context.Context, connectionID, errorCode string) error {
	return v.connections.UpdateStatus(ctx, connectionID, domain.ConnectionStatusNeedsReauth, errorCode)
}

// MarkExpired flags the connection's access token as expired.
func (v *Vault) MarkExpired(ctx context.Context, connectionID string) error {
	return v.connections.UpdateStatus(ctx, connectionID, domain.ConnectionStatusExpired, "token_expired")
}

// ensureDataKey returns the data key for keyID with its plaintext
// unwrapped, generating and persisting a new one when none exists.
func (v *Vault) ensureDataKey(ctx context.Context, keyID string) (*domain.DataKey, error) {
	if key := v.cachedKey(keyID); key != nil {
		return key, nil
	}

	stored, err := v.dataKeys.Get(ctx, keyID)
	if err == nil {
		plaintext, derr := v.kms.DecryptDataKey(ctx, stored.EncryptedKey, keyID)
		if derr != nil {
			return nil, fmt.Errorf("unwrap data key %s: %w", keyID, derr)
		}
		stored.PlaintextKey = plaintext
		v.cacheKey(stored)
		return stored, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("lookup data key %s: %w", keyID, err)
	}

	key, err := v.kms.GenerateDataKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("generate data key %s: %w", keyID, err)
	}
	if err := v.dataKeys.Save(ctx, key.KeyID, key.EncryptedKey, key.Version, key.CreatedAt); err != nil {
		key.Zero()
		return nil, fmt.Errorf("save data key %s: %w", keyID, err)
	}
	v.cacheKey(key)
	return key, nil
}

// unwrapDataKey returns an existing data key with its plaintext unwrapped.
func (v *Vault) unwrapDataKey(ctx context.Context, keyID string) (*domain.DataKey, error) {
	if key := v.cachedKey(keyID); key != nil {
		return key, nil
	}

	stored, err := v.dataKeys.Get(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("lookup data key %s: %w", keyID, err)
	}
	plaintext, err := v.kms.DecryptDataKey(ctx, stored.EncryptedKey, keyID)
	if err != nil {
		return nil, fmt.Errorf("unwrap data key %s: %w", keyID, err)
	}
	stored.PlaintextKey = plaintext
	v.cacheKey(stored)
	return stored, nil
}

func (v *Vault) cachedKey(keyID string) *domain.DataKey {
	v.keyMu.Lock()
	defer v.keyMu.Unlock()
	return v.keyCache[keyID]
}

func (v *Vault) cacheKey(key *domain.DataKey) {
	v.keyMu.Lock()
	v.keyCache[key.KeyID] = key
	v.keyMu.Unlock()
}

func (v *Vault) forgetKey(keyID string) {
	v.keyMu.Lock()
	if cached, ok := v.keyCache[keyID]; ok {
		cached.Zero()
		delete(v.keyCache, keyID)
	}
	v.keyMu.Unlock()
}

// encryptTokensInto encrypts token material onto the connection. Each
// field gets its own random nonce.
func encryptTokensInto(conn *domain.Connection, key *domain.DataKey, token *domain.DecryptedToken) error {
	access, err := encryptField(key, []byte(token.AccessToken))
	if err != nil {
		return err
	}
	conn.AccessTokenEncrypted = access

	conn.RefreshTokenEncrypted = nil
	if token.RefreshToken != "" {
		refresh, err := encryptField(key, []byte(token.RefreshToken))
		if err != nil {
			return err
		}
		conn.RefreshTokenEncrypted = refresh
	}
	return nil
}

// decryptConnection decrypts a connection's token material in memory.
func (v *Vault) decryptConnection(ctx context.Context, conn *domain.Connection) (*domain.DecryptedToken, error) {
	if conn.AccessTokenEncrypted == nil {
		return nil, fmt.Errorf("connection %s has no token material: %w", conn.ID, domain.ErrInvalidCiphertext)
	}

	key, err := v.unwrapDataKey(ctx, conn.DataKeyID)
	if err != nil {
		return nil, err
	}

	accessToken, err := decryptField(key.PlaintextKey, conn.AccessTokenEncrypted)
	if err != nil {
		return nil, err
	}

	token := &domain.DecryptedToken{
		AccessToken: string(accessToken),
		ExpiresAt:   conn.ExpiresAt,
		Scopes:      conn.Scopes,
	}
	if conn.RefreshTokenEncrypted != nil {
		refreshToken, err := decryptField(key.PlaintextKey, conn.RefreshTokenEncrypted)
		if err != nil {
			return nil, err
		}
		token.RefreshToken = string(refreshToken)
	}
	return token, nil
}

// encryptField seals one token field with AES-256-GCM under the data key.
func encryptField(key *domain.DataKey, plaintext []byte) (*domain.EncryptedToken, error) {
	block, err := aes.NewCipher(key.PlaintextKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return &domain.EncryptedToken{
		EncryptedData: base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedKey:  base64.StdEncoding.EncodeToString(key.EncryptedKey),
		Nonce:         base64.StdEncoding.EncodeToString(nonce),
		KeyID:         key.KeyID,
		Version:       key.Version,
	}, nil
}

// decryptField opens one token field. Tampered or truncated input fails
// with domain.ErrDecryptFailed; malformed encodings with
// domain.ErrInvalidCiphertext.
func decryptField(key []byte, enc *domain.EncryptedToken) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(enc.EncryptedData)
	if err != nil {
		return nil, domain.ErrInvalidCiphertext
	}
	nonce, err := base64.StdEncoding.DecodeString(enc.Nonce)
	if err != nil {
		return nil, domain.ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, domain.ErrInvalidCiphertext
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, domain.ErrDecryptFailed
	}
	return plaintext, nil
}
