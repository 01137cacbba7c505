package kms

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quietlist-labs/quietlist-core/internal/core/domain"
	"github.com/quietlist-labs/quietlist-core/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.KmsProvider = (*VaultTransit)(nil)

// VaultTransitConfig configures the Vault Transit client.
type VaultTransitConfig struct {
	// Address is the Vault server base URL, e.g. https://vault:8200.
	Address string

	// Token authenticates directly. Leave empty to use AppRole.
	Token string

	// RoleID and SecretID authenticate via AppRole when Token is empty.
	RoleID   string
	SecretID string

	// KeyName is the Transit key that wraps data keys.
	KeyName string

	// MountPath is the Transit mount (default: transit).
	MountPath string

	// Timeout bounds each Vault request (default: 10s).
	Timeout time.Duration
}

// VaultTransit wraps data keys with HashiCorp Vault's Transit engine.
// The master key never leaves Vault; this client only exchanges wrapped
// ciphertexts of the form "vault:v<N>:<base64>".
type VaultTransit struct {
	addr       string
	token      string
	roleID     string
	secretID   string
	keyName    string
	mountPath  string
	httpClient *http.Client
}

// NewVaultTransit creates a Vault Transit KMS client. With AppRole
// credentials it logs in immediately so a misconfiguration fails at
// startup instead of on the first data key operation.
func NewVaultTransit(ctx context.Context, cfg VaultTransitConfig) (*VaultTransit, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	if cfg.KeyName == "" {
		return nil, fmt.Errorf("vault transit key name is required")
	}

	mountPath := cfg.MountPath
	if mountPath == "" {
		mountPath = "transit"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	v := &VaultTransit{
		addr:      strings.TrimSuffix(cfg.Address, "/"),
		token:     cfg.Token,
		roleID:    cfg.RoleID,
		secretID:  cfg.SecretID,
		keyName:   cfg.KeyName,
		mountPath: mountPath,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}

	if v.token == "" {
		if v.roleID == "" || v.secretID == "" {
			return nil, fmt.Errorf("either a vault token or approle credentials are required")
		}
		if err := v.login(ctx); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// login exchanges AppRole credentials for a client token.
func (v *VaultTransit) login(ctx context.Context) error {
	payload := map[string]string{
		"role_id":   v.roleID,
		"secret_id": v.secretID,
	}
	var result struct {
		Auth struct {
			ClientToken string `json:"client_token"`
		} `json:"auth"`
	}
	if err := v.post(ctx, "/v1/auth/approle/login", payload, &result, false); err != nil {
		return fmt.Errorf("approle login: %w", err)
	}
	if result.Auth.ClientToken == "" {
		return fmt.Errorf("approle login returned no client token")
	}
	v.token = result.Auth.ClientToken
	return nil
}

// GenerateDataKey asks Transit for a fresh data key, returned in both
// plaintext and wrapped form.
func (v *VaultTransit) GenerateDataKey(ctx context.Context, keyID string) (*domain.DataKey, error) {
	path := fmt.Sprintf("/v1/%s/datakey/plaintext/%s", v.mountPath, v.keyName)
	var result struct {
		Data struct {
			Plaintext  string `json:"plaintext"`
			Ciphertext string `json:"ciphertext"`
		} `json:"data"`
	}
	if err := v.post(ctx, path, map[string]string{}, &result, true); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyGenFailed, err)
	}

	plaintext, err := base64.StdEncoding.DecodeString(result.Data.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: decode plaintext: %v", domain.ErrKeyGenFailed, err)
	}
	if len(plaintext) != keySize {
		return nil, fmt.Errorf("%w: expected %d-byte data key, got %d", domain.ErrKeyGenFailed, keySize, len(plaintext))
	}

	return &domain.DataKey{
		KeyID:        keyID,
		PlaintextKey: plaintext,
		EncryptedKey: []byte(result.Data.Ciphertext),
		Version:      1,
		CreatedAt:    time.Now(),
	}, nil
}

// DecryptDataKey unwraps a stored data key via Transit decrypt.
func (v *VaultTransit) DecryptDataKey(ctx context.Context, encryptedKey []byte, keyID string) ([]byte, error) {
	ciphertext := string(encryptedKey)
	if !strings.HasPrefix(ciphertext, "vault:v") {
		return nil, domain.ErrInvalidCiphertext
	}

	path := fmt.Sprintf("/v1/%s/decrypt/%s", v.mountPath, v.keyName)
	var result struct {
		Data struct {
			Plaintext string `json:"plaintext"`
		} `json:"data"`
	}
	if err := v.post(ctx, path, map[string]string{"ciphertext": ciphertext}, &result, true); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryptFailed, err)
	}

	plaintext, err := base64.StdEncoding.DecodeString(result.Data.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: decode plaintext: %v", domain.ErrDecryptFailed, err)
	}
	return plaintext, nil
}

// RotateKey re-wraps a ciphertext under the latest Transit key version
// without exposing the plaintext to this process.
func (v *VaultTransit) RotateKey(ctx context.Context, encryptedKey []byte, keyID string) ([]byte, error) {
	ciphertext := string(encryptedKey)
	if !strings.HasPrefix(ciphertext, "vault:v") {
		return nil, domain.ErrInvalidCiphertext
	}

	path := fmt.Sprintf("/v1/%s/rewrap/%s", v.mountPath, v.keyName)
	var result struct {
		Data struct {
			Ciphertext string `json:"ciphertext"`
		} `json:"data"`
	}
	if err := v.post(ctx, path, map[string]string{"ciphertext": ciphertext}, &result, true); err != nil {
		return nil, fmt.Errorf("rewrap: %w", err)
	}
	return []byte(result.Data.Ciphertext), nil
}

// post sends a JSON request to Vault and decodes the JSON response.
func (v *VaultTransit) post(ctx context.Context, path string, payload any, result any, authed bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.addr+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("X-Vault-Token", v.token)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vault returned status %s: %s", resp.Status, string(raw))
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
