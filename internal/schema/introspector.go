// Package schema enumerates tables and columns from target databases and
// caches the aggregated result in the schema cache.
package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/clipdesk/api/internal/cache"
	"github.com/clipdesk/api/internal/logging"
	"github.com/clipdesk/api/internal/query"
)

// Column describes one column of an introspected table.
type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable"`
	PrimaryKey bool   `json:"primary_key"`
	Default    string `json:"default,omitempty"`
}

// Table aggregates the columns of one table.
type Table struct {
	Columns     []Column `json:"columns"`
	ColumnCount int      `json:"column_count"`
}

// Result is the structured outcome of a schema fetch.
type Result struct {
	Success     bool             `json:"success"`
	Schema      map[string]Table `json:"schema"`
	Errors      []string         `json:"errors"`
	FetchTimeMS int64            `json:"fetch_time_ms"`

	Cached   bool       `json:"cached"`
	CacheKey string     `json:"cache_key,omitempty"`
	CachedAt *time.Time `json:"cached_at,omitempty"`
}

type cachedSchema struct {
	Success bool             `json:"success"`
	Schema  map[string]Table `json:"schema"`
	Errors  []string         `json:"errors"`
}

// Introspector fetches target-database schemas with write-through caching.
type Introspector struct {
	conns  query.ConnectionProvider
	store  *cache.Store
	logger *logging.Logger
}

// NewIntrospector creates an Introspector with its collaborators injected.
func NewIntrospector(conns query.ConnectionProvider, store *cache.Store, logger *logging.Logger) *Introspector {
	return &Introspector{
		conns:  conns,
		store:  store,
		logger: logger,
	}
}

// CacheOptions controls cache participation for one fetch.
type CacheOptions struct {
	Enabled    bool
	TTLSeconds int64
}

// Fetch returns the schema of the target database, consulting the schema
// cache first. Runtime failures are reported in the Result, never raised;
// only a missing target raises.
func (in *Introspector) Fetch(ctx context.Context, descriptor string, opts CacheOptions) (*Result, error) {
	if strings.TrimSpace(descriptor) == "" {
		return nil, &query.ValidationError{Message: "no target database configured"}
	}

	var key string
	if opts.Enabled {
		key = cache.DeriveConnectionKey(descriptor)
		if lookup := in.store.Get(key); lookup.Hit() {
			if result, ok := schemaFromPayload(lookup); ok {
				return result, nil
			}
			in.logger.Warn("Discarding undecodable cached schema", logging.Fields{
				"cache_key": key,
			})
		}
	}

	result := in.fetch(ctx, descriptor)

	if opts.Enabled && result.Success {
		in.writeThrough(key, descriptor, result, opts)
		result.CacheKey = key
	}

	return result, nil
}

func (in *Introspector) fetch(ctx context.Context, descriptor string) *Result {
	result := &Result{
		Schema: map[string]Table{},
		Errors: []string{},
	}

	start := time.Now()
	defer func() {
		result.FetchTimeMS = time.Since(start).Milliseconds()
	}()

	conn, err := in.conns.Open(ctx, descriptor)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	defer conn.Close()

	tables, err := in.listTables(ctx, conn)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	for _, table := range tables {
		columns, err := in.tableColumns(ctx, conn, table)
		if err != nil {
			// Fall back to the system catalogs; if that also fails the
			// table is recorded with zero columns rather than aborting
			// the whole fetch.
			columns, err = in.catalogColumns(ctx, conn, table)
			if err != nil {
				in.logger.Warn("Failed to introspect table", logging.Fields{
					"table": table,
					"error": err.Error(),
				})
				columns = []Column{}
			}
		}
		result.Schema[table] = Table{Columns: columns, ColumnCount: len(columns)}
	}

	result.Success = true
	return result
}

// listTables enumerates base tables in the default namespace, excluding
// internally-prefixed system table names.
func (in *Introspector) listTables(ctx context.Context, conn *sql.DB) ([]string, error) {
	rows, err := conn.QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public'
		  AND table_type = 'BASE TABLE'
		  AND table_name NOT LIKE 'pg\_%'
		ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			continue
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (in *Introspector) tableColumns(ctx context.Context, conn *sql.DB, table string) ([]Column, error) {
	rows, err := conn.QueryContext(ctx, `
		SELECT c.column_name,
		       c.data_type,
		       c.character_maximum_length,
		       c.numeric_precision,
		       c.numeric_scale,
		       c.is_nullable,
		       c.column_default,
		       EXISTS (
		           SELECT 1
		           FROM information_schema.table_constraints tc
		           JOIN information_schema.key_column_usage kcu
		             ON kcu.constraint_name = tc.constraint_name
		            AND kcu.table_schema = tc.table_schema
		           WHERE tc.table_schema = c.table_schema
		             AND tc.table_name = c.table_name
		             AND tc.constraint_type = 'PRIMARY KEY'
		             AND kcu.column_name = c.column_name
		       ) AS is_primary
		FROM information_schema.columns c
		WHERE c.table_schema = 'public' AND c.table_name = $1
		ORDER BY c.ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var (
			col       Column
			dataType  string
			maxLength sql.NullInt64
			precision sql.NullInt64
			scale     sql.NullInt64
			nullable  string
			colDef    sql.NullString
		)
		if err := rows.Scan(&col.Name, &dataType, &maxLength, &precision, &scale,
			&nullable, &colDef, &col.PrimaryKey); err != nil {
			return nil, err
		}

		col.Type = normalizeType(dataType, maxLength, precision, scale)
		col.Nullable = strings.EqualFold(nullable, "YES")
		if colDef.Valid {
			col.Default = colDef.String
		}
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

// catalogColumns reads column metadata straight from pg_catalog when the
// information_schema path fails.
func (in *Introspector) catalogColumns(ctx context.Context, conn *sql.DB, table string) ([]Column, error) {
	rows, err := conn.QueryContext(ctx, `
		SELECT a.attname,
		       format_type(a.atttypid, a.atttypmod),
		       NOT a.attnotnull,
		       COALESCE(i.indisprimary, false),
		       COALESCE(pg_get_expr(d.adbin, d.adrelid), '')
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		LEFT JOIN pg_attrdef d ON d.adrelid = a.attrelid AND d.adnum = a.attnum
		LEFT JOIN pg_index i ON i.indrelid = a.attrelid
		     AND a.attnum = ANY(i.indkey) AND i.indisprimary
		WHERE n.nspname = 'public' AND c.relname = $1
		  AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var (
			col     Column
			rawType string
			colDef  string
		)
		if err := rows.Scan(&col.Name, &rawType, &col.Nullable, &col.PrimaryKey, &colDef); err != nil {
			return nil, err
		}
		col.Type = normalizeType(rawType, sql.NullInt64{}, sql.NullInt64{}, sql.NullInt64{})
		col.Default = colDef
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

// normalizeType maps raw database type names to normalized labels. Unknown
// types pass through as-is.
func normalizeType(rawType string, maxLength, precision, scale sql.NullInt64) string {
	t := strings.ToLower(strings.TrimSpace(rawType))

	switch {
	case t == "character varying" || t == "varchar" || strings.HasPrefix(t, "character varying(") || t == "string":
		if maxLength.Valid {
			return fmt.Sprintf("varchar(%d)", maxLength.Int64)
		}
		return "varchar"
	case t == "text":
		return "text"
	case t == "integer" || t == "int" || t == "int4":
		return "integer"
	case t == "bigint" || t == "int8":
		return "bigint"
	case t == "numeric" || t == "decimal" || strings.HasPrefix(t, "numeric("):
		if precision.Valid && scale.Valid && scale.Int64 > 0 {
			return fmt.Sprintf("decimal(%d,%d)", precision.Int64, scale.Int64)
		}
		if precision.Valid {
			return fmt.Sprintf("decimal(%d)", precision.Int64)
		}
		return "decimal"
	case t == "real" || t == "float4" || t == "float":
		return "float"
	case t == "double precision" || t == "float8" || t == "double":
		return "double"
	case t == "boolean" || t == "bool":
		return "boolean"
	case t == "date":
		return "date"
	case strings.HasPrefix(t, "timestamp") || t == "datetime":
		return "timestamp"
	case strings.HasPrefix(t, "time"):
		return "time"
	case t == "uuid":
		return "uuid"
	case t == "json" || t == "jsonb":
		return t
	default:
		return rawType
	}
}

func (in *Introspector) writeThrough(key, descriptor string, result *Result, opts CacheOptions) {
	payload, err := json.Marshal(cachedSchema{
		Success: result.Success,
		Schema:  result.Schema,
		Errors:  result.Errors,
	})
	if err != nil {
		in.logger.Warn("Failed to encode schema for caching", logging.Fields{
			"cache_key": key,
			"error":     err.Error(),
		})
		return
	}

	tableCount := len(result.Schema)
	columnCount := 0
	for _, t := range result.Schema {
		columnCount += t.ColumnCount
	}

	in.store.Put(key, payload, cache.Metadata{
		"table_count":   tableCount,
		"column_count":  columnCount,
		"fetch_time_ms": result.FetchTimeMS,
	}, cache.PutOptions{
		TTLSeconds:  opts.TTLSeconds,
		ContentHash: cache.ConnectionHash(descriptor),
	})
}

func schemaFromPayload(lookup cache.Lookup) (*Result, bool) {
	var cached cachedSchema
	if err := json.Unmarshal(lookup.Payload, &cached); err != nil {
		return nil, false
	}

	cachedAt := lookup.CachedAt
	return &Result{
		Success:  cached.Success,
		Schema:   cached.Schema,
		Errors:   cached.Errors,
		Cached:   true,
		CacheKey: lookup.CacheKey,
		CachedAt: &cachedAt,
	}, true
}
