package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/clipdesk/api/internal/auth"
	"github.com/clipdesk/api/internal/db"
)

// APIKeyHandlers handles API key management endpoints
type APIKeyHandlers struct {
	keyManager *auth.APIKeyManager
	queries    *db.Queries
}

// NewAPIKeyHandlers creates new API key handlers
func NewAPIKeyHandlers(keyManager *auth.APIKeyManager, queries *db.Queries) *APIKeyHandlers {
	return &APIKeyHandlers{
		keyManager: keyManager,
		queries:    queries,
	}
}

// GenerateAPIKey generates a new API key
func (h *APIKeyHandlers) GenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label string `json:"label,omitempty"`
	}

	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, r, http.StatusBadRequest, err, nil)
			return
		}
	}

	key, apiKey, err := h.keyManager.GenerateAPIKey(r.Context(), req.Label)
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, err, nil)
		return
	}

	// The full key is only shown once
	WriteSuccess(w, map[string]interface{}{
		"id":         apiKey.ID,
		"key":        key,
		"key_prefix": apiKey.KeyPrefix,
		"label":      apiKey.Label,
		"created_at": apiKey.CreatedAt,
	}, http.StatusCreated)
}

// ListAPIKeys lists API keys (prefixes only, never full keys)
func (h *APIKeyHandlers) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.queries.ListAPIKeys(r.Context())
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, err, nil)
		return
	}

	response := make([]map[string]interface{}, 0, len(keys))
	for _, key := range keys {
		response = append(response, map[string]interface{}{
			"id":           key.ID,
			"key_prefix":   key.KeyPrefix,
			"label":        key.Label,
			"created_at":   key.CreatedAt,
			"last_used_at": key.LastUsedAt,
		})
	}

	WriteSuccess(w, response, http.StatusOK)
}

// DeleteAPIKey deletes an API key
func (h *APIKeyHandlers) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if err := h.keyManager.DeleteAPIKey(r.Context(), vars["id"]); err != nil {
		WriteError(w, r, http.StatusInternalServerError, err, nil)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
