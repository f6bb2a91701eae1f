package auth

import (
	"strings"
	"testing"
)

func TestHashAPIKey_RoundTrip(t *testing.T) {
	key, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}
	if !strings.HasPrefix(key, "gbk_") || len(key) != 4+64 {
		t.Errorf("GenerateAPIKey() = %q", key)
	}

	hash, err := HashAPIKey(key)
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Errorf("hash should start with $argon2id$, got %q", hash)
	}

	ok, err := VerifyAPIKey(key, hash)
	if err != nil {
		t.Fatalf("VerifyAPIKey() error = %v", err)
	}
	if !ok {
		t.Error("VerifyAPIKey() should return true for the correct key")
	}

	ok, err = VerifyAPIKey(key+"x", hash)
	if err != nil {
		t.Fatalf("VerifyAPIKey() error = %v", err)
	}
	if ok {
		t.Error("VerifyAPIKey() should return false for a wrong key")
	}
}

func TestHashAPIKey_UniqueSalts(t *testing.T) {
	hash1, err := HashAPIKey("same-key")
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}
	hash2, err := HashAPIKey("same-key")
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}
	if hash1 == hash2 {
		t.Error("two hashes of the same key should have different salts")
	}
}

func TestHashAPIKey_Empty(t *testing.T) {
	if _, err := HashAPIKey(""); err == nil {
		t.Error("HashAPIKey(\"\") should fail")
	}
}

func TestVerifyAPIKey_InvalidFormat(t *testing.T) {
	tests := []struct {
		name string
		hash string
	}{
		{"empty", ""},
		{"not PHC", "plaintext"},
		{"wrong algorithm", "$bcrypt$v=19$m=65536,t=3,p=1$salt$hash"},
		{"too few parts", "$argon2id$v=19$m=65536,t=3,p=1"},
		{"wrong version", "$argon2id$v=16$m=65536,t=3,p=1$c2FsdA$aGFzaA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := VerifyAPIKey("key", tt.hash); err == nil {
				t.Error("VerifyAPIKey() should return error for invalid hash format")
			}
		})
	}
}

func TestHashAPIKey_PHCFormat(t *testing.T) {
	hash, err := HashAPIKey("test")
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}

	parts := strings.Split(hash, "$")
	if len(parts) != 6 {
		t.Fatalf("PHC format should have 6 $-delimited parts, got %d: %q", len(parts), hash)
	}
	if parts[2] != "v=19" {
		t.Errorf("version should be v=19, got %q", parts[2])
	}
	if parts[3] != "m=65536,t=3,p=1" {
		t.Errorf("params should be m=65536,t=3,p=1, got %q", parts[3])
	}
}
