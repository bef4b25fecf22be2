package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/clipdesk/api/internal/cache"
)

/* CacheAdminHandlers exposes cache visibility and invalidation endpoints */
type CacheAdminHandlers struct {
	queryStore  *cache.Store
	schemaStore *cache.Store
}

/* NewCacheAdminHandlers creates new cache administration handlers */
func NewCacheAdminHandlers(queryStore, schemaStore *cache.Store) *CacheAdminHandlers {
	return &CacheAdminHandlers{
		queryStore:  queryStore,
		schemaStore: schemaStore,
	}
}

func (h *CacheAdminHandlers) stores() map[string]*cache.Store {
	return map[string]*cache.Store{
		h.queryStore.Class():  h.queryStore,
		h.schemaStore.Class(): h.schemaStore,
	}
}

/* GetStats returns per-class cache statistics */
func (h *CacheAdminHandlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]cache.Stats{}
	for class, store := range h.stores() {
		stats[class] = store.Stats()
	}

	WriteSuccess(w, stats, http.StatusOK)
}

/* GetTop returns the most-hit entries per class */
func (h *CacheAdminHandlers) GetTop(w http.ResponseWriter, r *http.Request) {
	n := 10
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			WriteError(w, r, http.StatusBadRequest, fmt.Errorf("n must be between 1 and 100"), nil)
			return
		}
		n = parsed
	}

	top := map[string][]cache.Entry{}
	for class, store := range h.stores() {
		entries := store.Top(n)
		if entries == nil {
			entries = []cache.Entry{}
		}
		top[class] = entries
	}

	WriteSuccess(w, top, http.StatusOK)
}

/* ClearExpired sweeps expired entries from both cache classes */
func (h *CacheAdminHandlers) ClearExpired(w http.ResponseWriter, r *http.Request) {
	removed := map[string]int64{}
	var total int64
	for class, store := range h.stores() {
		count := store.ClearExpired()
		removed[class] = count
		total += count
	}

	WriteSuccess(w, map[string]interface{}{
		"removed": removed,
		"total":   total,
	}, http.StatusOK)
}

/* ClearAll empties both cache classes */
func (h *CacheAdminHandlers) ClearAll(w http.ResponseWriter, r *http.Request) {
	removed := map[string]int64{}
	var total int64
	for class, store := range h.stores() {
		count := store.ClearAll()
		removed[class] = count
		total += count
	}

	WriteSuccess(w, map[string]interface{}{
		"removed": removed,
		"total":   total,
	}, http.StatusOK)
}

/* InvalidateClip removes all cached results for one dataclip */
func (h *CacheAdminHandlers) InvalidateClip(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	count := h.queryStore.InvalidateByScope(vars["id"])

	WriteSuccess(w, map[string]interface{}{
		"clip_id": vars["id"],
		"removed": count,
	}, http.StatusOK)
}

/* InvalidateContentRequest targets entries by SQL text or connection descriptor */
type InvalidateContentRequest struct {
	SQL        string `json:"sql,omitempty"`
	Descriptor string `json:"descriptor,omitempty"`
}

/* InvalidateByContent removes entries sharing the content hash of the given
   SQL text (query cache) or connection descriptor (schema cache) */
func (h *CacheAdminHandlers) InvalidateByContent(w http.ResponseWriter, r *http.Request) {
	var req InvalidateContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body"), nil)
		return
	}

	if req.SQL == "" && req.Descriptor == "" {
		WriteError(w, r, http.StatusBadRequest, fmt.Errorf("sql or descriptor is required"), nil)
		return
	}

	removed := map[string]int64{}
	if req.SQL != "" {
		removed[h.queryStore.Class()] = h.queryStore.InvalidateByContent(req.SQL)
	}
	if req.Descriptor != "" {
		removed[h.schemaStore.Class()] = h.schemaStore.InvalidateByContent(req.Descriptor)
	}

	WriteSuccess(w, map[string]interface{}{"removed": removed}, http.StatusOK)
}
