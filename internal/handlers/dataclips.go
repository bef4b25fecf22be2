package handlers

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/clipdesk/api/internal/cache"
	"github.com/clipdesk/api/internal/db"
	"github.com/clipdesk/api/internal/query"
	"github.com/clipdesk/api/internal/validation"
)

/* DataclipHandlers handles saved-dataclip endpoints */
type DataclipHandlers struct {
	queries    *db.Queries
	executor   *query.Executor
	queryStore *cache.Store
	defaults   RunDefaults
}

/* RunDefaults carries the configured target and cache defaults for runs */
type RunDefaults struct {
	TargetURL    string
	CacheEnabled bool
	CacheTTL     int64
}

/* NewDataclipHandlers creates new dataclip handlers */
func NewDataclipHandlers(queries *db.Queries, executor *query.Executor, queryStore *cache.Store, defaults RunDefaults) *DataclipHandlers {
	return &DataclipHandlers{
		queries:    queries,
		executor:   executor,
		queryStore: queryStore,
		defaults:   defaults,
	}
}

/* DataclipRequest represents a create/update request */
type DataclipRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SQLText     string `json:"sql_text"`
	TargetURL   string `json:"target_url,omitempty"`
}

func (h *DataclipHandlers) validateRequest(req *DataclipRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return &query.ValidationError{Message: "name is required"}
	}
	if len(req.Name) > 200 {
		return &query.ValidationError{Message: "name must be less than 200 characters"}
	}
	if err := h.executor.Validate(req.SQLText); err != nil {
		return err
	}
	if req.TargetURL != "" {
		if result := validation.ValidateDescriptor(req.TargetURL); !result.Valid {
			return &query.ValidationError{Message: result.Error}
		}
	}
	return nil
}

/* ListDataclips lists all saved dataclips */
func (h *DataclipHandlers) ListDataclips(w http.ResponseWriter, r *http.Request) {
	clips, err := h.queries.ListDataclips(r.Context())
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, err, nil)
		return
	}
	if clips == nil {
		clips = []db.Dataclip{}
	}

	WriteSuccess(w, clips, http.StatusOK)
}

/* CreateDataclip saves a new dataclip */
func (h *DataclipHandlers) CreateDataclip(w http.ResponseWriter, r *http.Request) {
	var req DataclipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body"), nil)
		return
	}

	if err := h.validateRequest(&req); err != nil {
		WriteError(w, r, http.StatusBadRequest, err, nil)
		return
	}

	clip := &db.Dataclip{
		Name:        req.Name,
		Description: req.Description,
		SQLText:     req.SQLText,
		TargetURL:   req.TargetURL,
	}

	if err := h.queries.CreateDataclip(r.Context(), clip); err != nil {
		WriteError(w, r, http.StatusInternalServerError, err, nil)
		return
	}

	WriteSuccess(w, clip, http.StatusCreated)
}

/* GetDataclip gets a dataclip by ID */
func (h *DataclipHandlers) GetDataclip(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	clip, err := h.queries.GetDataclip(r.Context(), vars["id"])
	if err == sql.ErrNoRows {
		WriteError(w, r, http.StatusNotFound, fmt.Errorf("dataclip not found"), nil)
		return
	}
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, err, nil)
		return
	}

	WriteSuccess(w, clip, http.StatusOK)
}

/* UpdateDataclip updates a dataclip. A change to the SQL text invalidates the
   clip's cached results by scope. */
func (h *DataclipHandlers) UpdateDataclip(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req DataclipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body"), nil)
		return
	}

	if err := h.validateRequest(&req); err != nil {
		WriteError(w, r, http.StatusBadRequest, err, nil)
		return
	}

	clip, err := h.queries.GetDataclip(r.Context(), vars["id"])
	if err == sql.ErrNoRows {
		WriteError(w, r, http.StatusNotFound, fmt.Errorf("dataclip not found"), nil)
		return
	}
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, err, nil)
		return
	}

	sqlChanged := clip.SQLText != req.SQLText

	clip.Name = req.Name
	clip.Description = req.Description
	clip.SQLText = req.SQLText
	clip.TargetURL = req.TargetURL

	if err := h.queries.UpdateDataclip(r.Context(), clip); err != nil {
		WriteError(w, r, http.StatusInternalServerError, err, nil)
		return
	}

	if sqlChanged {
		h.queryStore.InvalidateByScope(clip.ID)
	}

	WriteSuccess(w, clip, http.StatusOK)
}

/* DeleteDataclip deletes a dataclip and drops its cached results */
func (h *DataclipHandlers) DeleteDataclip(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	err := h.queries.DeleteDataclip(r.Context(), vars["id"])
	if err == sql.ErrNoRows {
		WriteError(w, r, http.StatusNotFound, fmt.Errorf("dataclip not found"), nil)
		return
	}
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, err, nil)
		return
	}

	h.queryStore.InvalidateByScope(vars["id"])

	w.WriteHeader(http.StatusNoContent)
}

/* RunRequest overrides cache behavior for a single run */
type RunRequest struct {
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Cache      *CacheRequestOptions   `json:"cache,omitempty"`
}

/* CacheRequestOptions is the per-request cache override */
type CacheRequestOptions struct {
	Enabled    *bool `json:"enabled,omitempty"`
	TTLSeconds int64 `json:"ttl_seconds,omitempty"`
}

func (h *DataclipHandlers) cacheOptions(req *RunRequest) query.CacheOptions {
	opts := query.CacheOptions{
		Enabled:    h.defaults.CacheEnabled,
		TTLSeconds: h.defaults.CacheTTL,
	}
	if req == nil {
		return opts
	}

	opts.Parameters = req.Parameters
	if req.Cache != nil {
		if req.Cache.Enabled != nil {
			opts.Enabled = *req.Cache.Enabled
		}
		if req.Cache.TTLSeconds > 0 {
			opts.TTLSeconds = req.Cache.TTLSeconds
		}
	}
	return opts
}

/* RunDataclip executes a saved dataclip by identifier */
func (h *DataclipHandlers) RunDataclip(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	clipID := vars["id"]

	var req RunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body"), nil)
			return
		}
	}

	target := h.defaults.TargetURL
	if clip, err := h.queries.GetDataclip(r.Context(), clipID); err == nil && clip.TargetURL != "" {
		target = clip.TargetURL
	}

	result, err := h.executor.ExecuteNamed(r.Context(), clipID, target, h.cacheOptions(&req))
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, err, nil)
		return
	}

	if result.Success {
		_ = h.queries.TouchDataclipLastRun(r.Context(), clipID)
	}

	WriteSuccess(w, result, http.StatusOK)
}
