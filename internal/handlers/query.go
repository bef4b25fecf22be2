package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/clipdesk/api/internal/query"
)

/* QueryHandlers handles ad hoc query execution */
type QueryHandlers struct {
	executor *query.Executor
	defaults RunDefaults
}

/* NewQueryHandlers creates new query handlers */
func NewQueryHandlers(executor *query.Executor, defaults RunDefaults) *QueryHandlers {
	return &QueryHandlers{
		executor: executor,
		defaults: defaults,
	}
}

/* RunQueryRequest represents an ad hoc query request */
type RunQueryRequest struct {
	SQL        string                 `json:"sql"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	TargetURL  string                 `json:"target_url,omitempty"`
	Cache      *CacheRequestOptions   `json:"cache,omitempty"`
}

/* RunQuery executes an ad hoc SQL query against the target database */
func (h *QueryHandlers) RunQuery(w http.ResponseWriter, r *http.Request) {
	var req RunQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body"), nil)
		return
	}

	target := h.defaults.TargetURL
	if req.TargetURL != "" {
		target = req.TargetURL
	}

	opts := query.CacheOptions{
		Enabled:    h.defaults.CacheEnabled,
		TTLSeconds: h.defaults.CacheTTL,
		Parameters: req.Parameters,
	}
	if req.Cache != nil {
		if req.Cache.Enabled != nil {
			opts.Enabled = *req.Cache.Enabled
		}
		if req.Cache.TTLSeconds > 0 {
			opts.TTLSeconds = req.Cache.TTLSeconds
		}
	}

	result, err := h.executor.Execute(r.Context(), req.SQL, target, opts)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, err, nil)
		return
	}

	WriteSuccess(w, result, http.StatusOK)
}
