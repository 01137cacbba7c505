package domain

import "time"

// DataKey is a per-connection symmetric key used for envelope encryption.
// The plaintext form is held transiently in memory during encrypt/decrypt
// and is never persisted; only the KMS-wrapped form is stored.
type DataKey struct {
	KeyID        string    `json:"key_id"`
	PlaintextKey []byte    `json:"-"`
	EncryptedKey []byte    `json:"-"`
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
}

// Zero wipes the plaintext key material.
func (k *DataKey) Zero() {
	for i := range k.PlaintextKey {
		k.PlaintextKey[i] = 0
	}
	k.PlaintextKey = nil
}
