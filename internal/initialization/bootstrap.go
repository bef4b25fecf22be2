// Package initialization prepares the application store on startup: schema
// migration and seed data.
package initialization

import (
	"context"
	"fmt"
	"strings"

	"github.com/clipdesk/api/internal/db"
	"github.com/clipdesk/api/internal/logging"
)

const appSchema = `
CREATE TABLE IF NOT EXISTS dataclips (
	id UUID PRIMARY KEY,
	name VARCHAR(200) NOT NULL,
	description TEXT,
	sql_text TEXT NOT NULL,
	target_url TEXT,
	created_by TEXT,
	last_run_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dataclips_updated_at ON dataclips (updated_at DESC);

CREATE TABLE IF NOT EXISTS api_keys (
	id UUID PRIMARY KEY,
	key_hash TEXT NOT NULL,
	key_prefix VARCHAR(8) NOT NULL,
	label TEXT,
	last_used_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys (key_prefix);
`

// Bootstrap handles application initialization tasks.
type Bootstrap struct {
	queries *db.Queries
	logger  *logging.Logger
}

// NewBootstrap creates a new bootstrap instance.
func NewBootstrap(queries *db.Queries, logger *logging.Logger) *Bootstrap {
	return &Bootstrap{
		queries: queries,
		logger:  logger,
	}
}

// Initialize runs the startup sequence: application schema migration and seed
// data when the store is empty.
func (b *Bootstrap) Initialize(ctx context.Context) error {
	b.logger.Info("Starting application bootstrap", nil)

	if err := b.migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate application schema: %w", err)
	}

	if err := b.seed(ctx); err != nil {
		// Seed data is a convenience, not a requirement.
		b.logger.Warn("Seed step failed", logging.Fields{"error": err.Error()})
	}

	b.logger.Info("Application bootstrap completed", nil)
	return nil
}

// migrate applies the application schema statement by statement. "already
// exists" failures are acceptable on re-runs.
func (b *Bootstrap) migrate(ctx context.Context) error {
	conn := b.queries.GetDB()

	for i, stmt := range splitSQL(appSchema) {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
	}

	return nil
}

// seed inserts a sample dataclip into an empty store.
func (b *Bootstrap) seed(ctx context.Context) error {
	count, err := b.queries.CountDataclips(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	clip := &db.Dataclip{
		Name:        "Table sizes",
		Description: "Largest tables in the target database by total size",
		SQLText: `SELECT relname AS table_name,
       pg_size_pretty(pg_total_relation_size(relid)) AS total_size
FROM pg_catalog.pg_statio_user_tables
ORDER BY pg_total_relation_size(relid) DESC
LIMIT 20`,
		CreatedBy: "bootstrap",
	}

	if err := b.queries.CreateDataclip(ctx, clip); err != nil {
		return err
	}

	b.logger.Info("Seeded sample dataclip", logging.Fields{"clip_id": clip.ID})
	return nil
}

// splitSQL splits a SQL script into individual statements, dropping comments.
func splitSQL(script string) []string {
	var cleanLines []string
	for _, line := range strings.Split(script, "\n") {
		if idx := strings.Index(line, "--"); idx != -1 {
			line = line[:idx]
		}
		cleanLines = append(cleanLines, line)
	}

	var statements []string
	for _, part := range strings.Split(strings.Join(cleanLines, "\n"), ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}
