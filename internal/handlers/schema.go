package handlers

import (
	"net/http"

	"github.com/clipdesk/api/internal/schema"
)

/* SchemaHandlers handles target-schema browsing */
type SchemaHandlers struct {
	introspector *schema.Introspector
	targetURL    string
	cacheEnabled bool
	cacheTTL     int64
}

/* NewSchemaHandlers creates new schema handlers */
func NewSchemaHandlers(introspector *schema.Introspector, targetURL string, cacheEnabled bool, cacheTTL int64) *SchemaHandlers {
	return &SchemaHandlers{
		introspector: introspector,
		targetURL:    targetURL,
		cacheEnabled: cacheEnabled,
		cacheTTL:     cacheTTL,
	}
}

/* GetSchema returns the target database schema, served from cache when live */
func (h *SchemaHandlers) GetSchema(w http.ResponseWriter, r *http.Request) {
	target := h.targetURL
	if override := r.URL.Query().Get("target"); override != "" {
		target = override
	}

	enabled := h.cacheEnabled
	if r.URL.Query().Get("refresh") == "true" {
		enabled = false
	}

	result, err := h.introspector.Fetch(r.Context(), target, schema.CacheOptions{
		Enabled:    enabled,
		TTLSeconds: h.cacheTTL,
	})
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, err, nil)
		return
	}

	WriteSuccess(w, result, http.StatusOK)
}
