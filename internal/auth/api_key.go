package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/clipdesk/api/internal/db"
)

// APIKeyManager manages API key authentication.
type APIKeyManager struct {
	queries *db.Queries
}

// NewAPIKeyManager creates a new API key manager.
func NewAPIKeyManager(queries *db.Queries) *APIKeyManager {
	return &APIKeyManager{queries: queries}
}

// GenerateAPIKey generates and stores a new API key. The plaintext key is
// returned once and never persisted.
func (m *APIKeyManager) GenerateAPIKey(ctx context.Context, label string) (string, *db.APIKey, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", nil, fmt.Errorf("failed to generate key: %w", err)
	}

	key := base64.URLEncoding.EncodeToString(keyBytes)
	keyHash, err := HashAPIKey(key)
	if err != nil {
		return "", nil, fmt.Errorf("failed to hash key: %w", err)
	}

	apiKey := &db.APIKey{
		KeyHash:   keyHash,
		KeyPrefix: KeyPrefix(key),
		Label:     label,
	}

	if err := m.queries.CreateAPIKey(ctx, apiKey); err != nil {
		return "", nil, fmt.Errorf("failed to create API key: %w", err)
	}

	return key, apiKey, nil
}

// ValidateAPIKey validates a presented key and returns its record.
func (m *APIKeyManager) ValidateAPIKey(ctx context.Context, key string) (*db.APIKey, error) {
	apiKey, err := m.queries.GetAPIKeyByPrefix(ctx, KeyPrefix(key))
	if err != nil {
		return nil, fmt.Errorf("API key not found")
	}

	if bcrypt.CompareHashAndPassword([]byte(apiKey.KeyHash), []byte(key)) != nil {
		return nil, fmt.Errorf("invalid API key")
	}

	_ = m.queries.UpdateAPIKeyLastUsed(ctx, apiKey.ID)

	return apiKey, nil
}

// DeleteAPIKey deletes an API key.
func (m *APIKeyManager) DeleteAPIKey(ctx context.Context, id string) error {
	return m.queries.DeleteAPIKey(ctx, id)
}

// KeyPrefix extracts the lookup prefix from an API key.
func KeyPrefix(key string) string {
	if len(key) < 8 {
		return key
	}
	return key[:8]
}

// HashAPIKey hashes an API key using bcrypt.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(hash), nil
}

// ExtractAPIKey extracts the API key from an Authorization header.
func ExtractAPIKey(authHeader string) (string, error) {
	if authHeader == "" {
		return "", fmt.Errorf("missing authorization header")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", fmt.Errorf("invalid authorization header format")
	}

	return parts[1], nil
}
