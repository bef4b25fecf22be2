// Package query implements guarded ad hoc SQL execution: a mutation denylist
// checked before any connection is opened, isolated per-execution connections,
// and write-through population of the query-result cache.
package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/clipdesk/api/internal/cache"
	"github.com/clipdesk/api/internal/logging"
	"github.com/clipdesk/api/internal/metrics"
)

// ValidationError reports malformed or disallowed input. It is the only error
// kind Execute raises; runtime database failures are folded into the Result.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Denylist of mutating statement keywords. Matched only at statement-leading
// positions: the start of the text or immediately after a statement separator.
// This is a heuristic text scan, not a parser; a denylist word inside a string
// literal mid-statement does not trip it, and a semicolon inside a literal can
// still false-positive. Read-only enforcement ultimately belongs to the
// target-database role.
var mutationPattern = regexp.MustCompile(`(?is)(?:^|;)\s*(drop|truncate|delete|alter|create|insert|update)\b`)

// ConnectionProvider opens an isolated database connection for a descriptor.
// Executions never share the application's primary pool.
type ConnectionProvider interface {
	Open(ctx context.Context, descriptor string) (*sql.DB, error)
}

// SavedQueryResolver resolves a saved-clip identifier to its SQL text.
type SavedQueryResolver interface {
	ResolveSQL(ctx context.Context, id string) (string, bool, error)
}

// CacheOptions controls cache participation for one execution.
type CacheOptions struct {
	Enabled    bool
	TTLSeconds int64
	ScopeLabel string
	Parameters map[string]interface{}
}

// Result is the structured outcome of an execution. Runtime failures surface
// here as Success=false with a populated error list, never as a raised error.
type Result struct {
	Success         bool                     `json:"success"`
	Data            []map[string]interface{} `json:"data"`
	Columns         []string                 `json:"columns"`
	RowCount        int                      `json:"row_count"`
	ExecutionTimeMS int64                    `json:"execution_time_ms"`
	Errors          []string                 `json:"errors"`

	Cached   bool       `json:"cached"`
	CacheKey string     `json:"cache_key,omitempty"`
	CachedAt *time.Time `json:"cached_at,omitempty"`
}

// cachedResult is the payload shape persisted in the query-result cache.
type cachedResult struct {
	Success  bool                     `json:"success"`
	Data     []map[string]interface{} `json:"data"`
	Columns  []string                 `json:"columns"`
	RowCount int                      `json:"row_count"`
	Errors   []string                 `json:"errors"`
}

// Executor validates and runs ad hoc SQL against target databases.
type Executor struct {
	conns    ConnectionProvider
	resolver SavedQueryResolver
	store    *cache.Store
	logger   *logging.Logger
}

// NewExecutor creates an Executor with its collaborators injected.
func NewExecutor(conns ConnectionProvider, resolver SavedQueryResolver, store *cache.Store, logger *logging.Logger) *Executor {
	return &Executor{
		conns:    conns,
		resolver: resolver,
		store:    store,
		logger:   logger,
	}
}

// Validate rejects blank SQL and statements leading with a mutating keyword.
// It runs before any connection is opened.
func (e *Executor) Validate(sqlText string) error {
	trimmed := strings.TrimSpace(sqlText)
	if trimmed == "" {
		return &ValidationError{Message: "query is empty"}
	}

	if m := mutationPattern.FindStringSubmatch(trimmed); m != nil {
		return &ValidationError{
			Message: fmt.Sprintf("mutating statement not allowed: %s", strings.ToLower(m[1])),
		}
	}

	return nil
}

// Execute validates the SQL, consults the query-result cache, and on miss runs
// the statement over an isolated connection, writing the result through to the
// cache. Only validation and a missing target raise; database failures are
// reported in the Result.
func (e *Executor) Execute(ctx context.Context, sqlText, descriptor string, opts CacheOptions) (*Result, error) {
	if err := e.Validate(sqlText); err != nil {
		metrics.RecordQueryExecution("rejected")
		return nil, err
	}
	if strings.TrimSpace(descriptor) == "" {
		return nil, &ValidationError{Message: "no target database configured"}
	}

	var key string
	if opts.Enabled {
		key = cache.DeriveQueryKey(sqlText, opts.Parameters, opts.ScopeLabel)
		if lookup := e.store.Get(key); lookup.Hit() {
			if result, ok := resultFromPayload(lookup); ok {
				return result, nil
			}
			e.logger.Warn("Discarding undecodable cached result", logging.Fields{
				"cache_key": key,
			})
		}
	}

	result := e.run(ctx, sqlText, descriptor, opts.Parameters)

	if result.Success {
		metrics.RecordQueryExecution("success")
	} else {
		metrics.RecordQueryExecution("failure")
	}

	if opts.Enabled && result.Success {
		e.writeThrough(key, sqlText, result, opts)
		result.CacheKey = key
	}

	return result, nil
}

// ExecuteNamed resolves a saved-clip identifier to SQL and executes it with
// the identifier as the cache scope label. An unknown identifier yields a
// structured not-found result, not an error.
func (e *Executor) ExecuteNamed(ctx context.Context, id, descriptor string, opts CacheOptions) (*Result, error) {
	sqlText, found, err := e.resolver.ResolveSQL(ctx, id)
	if err != nil || !found {
		if err != nil {
			e.logger.Error("Saved query lookup failed", err, logging.Fields{"clip_id": id})
		}
		return &Result{
			Success: false,
			Data:    []map[string]interface{}{},
			Columns: []string{},
			Errors:  []string{fmt.Sprintf("dataclip not found: %s", id)},
		}, nil
	}

	opts.ScopeLabel = id
	return e.Execute(ctx, sqlText, descriptor, opts)
}

// run opens an isolated connection, executes the statement, and collects rows
// and column names. The connection is released on every exit path.
func (e *Executor) run(ctx context.Context, sqlText, descriptor string, params map[string]interface{}) *Result {
	result := &Result{
		Data:    []map[string]interface{}{},
		Columns: []string{},
		Errors:  []string{},
	}

	start := time.Now()
	defer func() {
		result.ExecutionTimeMS = time.Since(start).Milliseconds()
	}()

	conn, err := e.conns.Open(ctx, descriptor)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, sqlText, positionalArgs(params)...)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	defer rows.Close()

	// Columns come from the result-set shape, so they are present even for
	// zero-row results.
	columns, err := rows.Columns()
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	result.Columns = columns

	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			result.Errors = append(result.Errors, err.Error())
			return result
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		result.Data = append(result.Data, row)
	}

	if err := rows.Err(); err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	result.Success = true
	result.RowCount = len(result.Data)
	return result
}

func (e *Executor) writeThrough(key, sqlText string, result *Result, opts CacheOptions) {
	payload, err := json.Marshal(cachedResult{
		Success:  result.Success,
		Data:     result.Data,
		Columns:  result.Columns,
		RowCount: result.RowCount,
		Errors:   result.Errors,
	})
	if err != nil {
		e.logger.Warn("Failed to encode result for caching", logging.Fields{
			"cache_key": key,
			"error":     err.Error(),
		})
		return
	}

	putOpts := cache.PutOptions{
		TTLSeconds:  opts.TTLSeconds,
		ScopeLabel:  opts.ScopeLabel,
		ContentHash: cache.ContentHash(sqlText),
	}
	if len(opts.Parameters) > 0 {
		putOpts.ParamsHash = cache.ParamsHash(opts.Parameters)
	}

	e.store.Put(key, payload, cache.Metadata{
		"columns":           result.Columns,
		"row_count":         result.RowCount,
		"execution_time_ms": result.ExecutionTimeMS,
	}, putOpts)
}

func resultFromPayload(lookup cache.Lookup) (*Result, bool) {
	var cached cachedResult
	if err := json.Unmarshal(lookup.Payload, &cached); err != nil {
		return nil, false
	}

	cachedAt := lookup.CachedAt
	return &Result{
		Success:  cached.Success,
		Data:     cached.Data,
		Columns:  cached.Columns,
		RowCount: cached.RowCount,
		Errors:   cached.Errors,
		Cached:   true,
		CacheKey: lookup.CacheKey,
		CachedAt: &cachedAt,
	}, true
}

// positionalArgs flattens named parameters to positional arguments in key
// order ($1, $2, ...) matching the canonical serialization used for hashing.
func positionalArgs(params map[string]interface{}) []interface{} {
	if len(params) == 0 {
		return nil
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sortStrings(keys)

	args := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		args = append(args, params[k])
	}
	return args
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// normalizeValue converts driver values to JSON-friendly types. Byte slices
// holding JSON decode to structured values, anything else to a string.
func normalizeValue(val interface{}) interface{} {
	if bytes, ok := val.([]byte); ok {
		var jsonVal interface{}
		if err := json.Unmarshal(bytes, &jsonVal); err == nil {
			return jsonVal
		}
		return string(bytes)
	}
	return val
}

// PGConnectionProvider opens pgx connections for URL or keyword/value
// descriptors and verifies them with a short ping.
type PGConnectionProvider struct {
	PingTimeout time.Duration
}

// NewPGConnectionProvider creates a provider with a 5s ping timeout.
func NewPGConnectionProvider() *PGConnectionProvider {
	return &PGConnectionProvider{PingTimeout: 5 * time.Second}
}

// Open opens and pings a connection. The caller owns the returned handle.
func (p *PGConnectionProvider) Open(ctx context.Context, descriptor string) (*sql.DB, error) {
	db, err := sql.Open("pgx", descriptor)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, p.PingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
