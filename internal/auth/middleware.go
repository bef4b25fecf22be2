package auth

import (
	"context"
	"net/http"

	"github.com/clipdesk/api/internal/db"
)

type contextKey string

const apiKeyContextKey contextKey = "api_key"

// Middleware authenticates requests with a bearer API key. The bootstrap key,
// when configured, is accepted as-is so keys can be provisioned on a fresh
// install.
func Middleware(keyManager *APIKeyManager, bootstrapKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			key, err := ExtractAPIKey(authHeader)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			if bootstrapKey != "" && key == bootstrapKey {
				next.ServeHTTP(w, r)
				return
			}

			apiKey, err := keyManager.ValidateAPIKey(r.Context(), key)
			if err != nil {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyContextKey, apiKey)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// APIKeyFromContext gets the authenticated API key from context, if any.
func APIKeyFromContext(ctx context.Context) (*db.APIKey, bool) {
	key, ok := ctx.Value(apiKeyContextKey).(*db.APIKey)
	return key, ok
}
