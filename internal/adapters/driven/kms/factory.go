package kms

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/quietlist-labs/quietlist-core/internal/core/ports/driven"
)

// Backend selects the KMS implementation.
type Backend string

const (
	BackendLocal Backend = "local"
	BackendVault Backend = "vault"
)

// Config selects and configures a KMS backend.
type Config struct {
	Backend Backend

	// Local backend: base64-encoded 32-byte master keys, oldest first.
	// Alternatively a passphrase plus salt to derive one.
	MasterKeys       []string
	MasterPassphrase string
	MasterSalt       string

	// Vault backend.
	VaultAddress   string
	VaultToken     string
	VaultRoleID    string
	VaultSecretID  string
	VaultKeyName   string
	VaultMountPath string
	VaultTimeout   time.Duration
}

// NewFromConfig creates the configured KmsProvider.
func NewFromConfig(ctx context.Context, cfg Config) (driven.KmsProvider, error) {
	switch cfg.Backend {
	case BackendLocal, "":
		keys, err := decodeMasterKeys(cfg)
		if err != nil {
			return nil, err
		}
		return NewLocalKms(keys...)
	case BackendVault:
		return NewVaultTransit(ctx, VaultTransitConfig{
			Address:   cfg.VaultAddress,
			Token:     cfg.VaultToken,
			RoleID:    cfg.VaultRoleID,
			SecretID:  cfg.VaultSecretID,
			KeyName:   cfg.VaultKeyName,
			MountPath: cfg.VaultMountPath,
			Timeout:   cfg.VaultTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown kms backend %q", cfg.Backend)
	}
}

func decodeMasterKeys(cfg Config) ([][]byte, error) {
	if len(cfg.MasterKeys) > 0 {
		keys := make([][]byte, 0, len(cfg.MasterKeys))
		for i, encoded := range cfg.MasterKeys {
			key, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, fmt.Errorf("decode master key %d: %w", i+1, err)
			}
			keys = append(keys, key)
		}
		return keys, nil
	}
	if cfg.MasterPassphrase != "" {
		if cfg.MasterSalt == "" {
			return nil, fmt.Errorf("master key salt is required with a passphrase")
		}
		return [][]byte{DeriveMasterKey(cfg.MasterPassphrase, cfg.MasterSalt)}, nil
	}
	return nil, fmt.Errorf("local kms requires master keys or a passphrase")
}
