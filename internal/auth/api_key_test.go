package auth

import (
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestKeyPrefix(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"abcdefghijklmnop", "abcdefgh"},
		{"short", "short"},
		{"", ""},
		{"12345678", "12345678"},
	}

	for _, tt := range tests {
		if got := KeyPrefix(tt.key); got != tt.want {
			t.Errorf("KeyPrefix(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestHashAPIKey(t *testing.T) {
	key := "test-api-key-value"

	hash, err := HashAPIKey(key)
	if err != nil {
		t.Fatalf("HashAPIKey: %v", err)
	}
	if hash == key {
		t.Error("hash must not equal the plaintext key")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
		t.Errorf("hash does not verify: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("wrong")); err == nil {
		t.Error("hash verified against the wrong key")
	}
}

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"bearer", "Bearer my-key", "my-key", false},
		{"lowercase bearer", "bearer my-key", "my-key", false},
		{"missing header", "", "", true},
		{"no scheme", "my-key", "", true},
		{"wrong scheme", "Basic my-key", "", true},
		{"extra parts", "Bearer my key", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractAPIKey(tt.header)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("key = %q, want %q", got, tt.want)
			}
		})
	}
}
