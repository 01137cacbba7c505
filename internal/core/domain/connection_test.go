package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestConnectionIsExpired(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name      string
		expiresAt *time.Time
		expired   bool
	}{
		{"no expiry", nil, false},
		{"future expiry", &future, false},
		{"past expiry", &past, true},
	}
	for _, tt := range tests {
		conn := &Connection{ExpiresAt: tt.expiresAt}
		if conn.IsExpired() != tt.expired {
			t.Errorf("%s: expected expired=%v", tt.name, tt.expired)
		}
	}
}

func TestConnectionNeedsRefresh(t *testing.T) {
	soon := time.Now().Add(2 * time.Minute)
	later := time.Now().Add(time.Hour)

	tests := []struct {
		name      string
		expiresAt *time.Time
		needs     bool
	}{
		{"unknown expiry is refreshed", nil, true},
		{"inside the 5 minute window", &soon, true},
		{"plenty of time left", &later, false},
	}
	for _, tt := range tests {
		conn := &Connection{ExpiresAt: tt.expiresAt}
		if conn.NeedsRefresh() != tt.needs {
			t.Errorf("%s: expected needsRefresh=%v", tt.name, tt.needs)
		}
	}
}

func TestConnectionIsActive(t *testing.T) {
	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Hour)

	active := &Connection{Status: ConnectionStatusActive, ExpiresAt: &future}
	if !active.IsActive() {
		t.Error("expected active connection")
	}

	expired := &Connection{Status: ConnectionStatusActive, ExpiresAt: &past}
	if expired.IsActive() {
		t.Error("expired connection is not active")
	}

	revoked := &Connection{Status: ConnectionStatusRevoked, ExpiresAt: &future}
	if revoked.IsActive() {
		t.Error("revoked connection is not active")
	}
}

func TestConnectionToSummaryOmitsSecrets(t *testing.T) {
	conn := &Connection{
		ID:       "conn-1",
		UserID:   "user-1",
		Provider: ProviderTypeSpotify,
		Status:   ConnectionStatusActive,
		AccessTokenEncrypted: &EncryptedToken{
			EncryptedData: "ciphertext",
			EncryptedKey:  "wrapped",
		},
		TokenVersion: 3,
	}

	summary := conn.ToSummary()
	if summary.ID != "conn-1" || summary.TokenVersion != 3 {
		t.Errorf("summary fields not carried over: %+v", summary)
	}

	raw, err := json.Marshal(summary)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "ciphertext") || strings.Contains(string(raw), "wrapped") {
		t.Error("summary serialization leaks token material")
	}
}

func TestConnectionJSONOmitsTokenMaterial(t *testing.T) {
	conn := &Connection{
		ID: "conn-1",
		AccessTokenEncrypted: &EncryptedToken{
			EncryptedData: "access-ciphertext",
		},
		RefreshTokenEncrypted: &EncryptedToken{
			EncryptedData: "refresh-ciphertext",
		},
	}

	raw, err := json.Marshal(conn)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "ciphertext") {
		t.Error("connection serialization leaks encrypted token fields")
	}
}

func TestDecryptedTokenJSONOmitsSecrets(t *testing.T) {
	token := &DecryptedToken{
		AccessToken:  "access-secret",
		RefreshToken: "refresh-secret",
	}

	raw, err := json.Marshal(token)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "secret") {
		t.Error("decrypted token serialization leaks plaintext")
	}
}
