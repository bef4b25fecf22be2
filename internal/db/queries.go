package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Queries provides application-store operations.
type Queries struct {
	db *sql.DB
}

// NewQueries creates a new Queries instance.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// GetDB returns the underlying database connection.
func (q *Queries) GetDB() *sql.DB {
	return q.db
}

// Dataclip operations

// CreateDataclip creates a new dataclip.
func (q *Queries) CreateDataclip(ctx context.Context, clip *Dataclip) error {
	if clip.ID == "" {
		clip.ID = uuid.New().String()
	}
	if clip.CreatedAt.IsZero() {
		clip.CreatedAt = time.Now()
	}
	clip.UpdatedAt = time.Now()

	query := `
		INSERT INTO dataclips (id, name, description, sql_text, target_url, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := q.db.ExecContext(ctx, query,
		clip.ID, clip.Name, clip.Description, clip.SQLText, clip.TargetURL,
		clip.CreatedBy, clip.CreatedAt, clip.UpdatedAt)
	return err
}

// GetDataclip gets a dataclip by ID.
func (q *Queries) GetDataclip(ctx context.Context, id string) (*Dataclip, error) {
	var clip Dataclip
	var description, targetURL, createdBy sql.NullString
	var lastRunAt sql.NullTime

	query := `
		SELECT id, name, description, sql_text, target_url, created_by, last_run_at, created_at, updated_at
		FROM dataclips
		WHERE id = $1
	`
	err := q.db.QueryRowContext(ctx, query, id).Scan(
		&clip.ID, &clip.Name, &description, &clip.SQLText, &targetURL,
		&createdBy, &lastRunAt, &clip.CreatedAt, &clip.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if description.Valid {
		clip.Description = description.String
	}
	if targetURL.Valid {
		clip.TargetURL = targetURL.String
	}
	if createdBy.Valid {
		clip.CreatedBy = createdBy.String
	}
	if lastRunAt.Valid {
		clip.LastRunAt = &lastRunAt.Time
	}

	return &clip, nil
}

// ListDataclips lists all dataclips, most recently updated first.
func (q *Queries) ListDataclips(ctx context.Context) ([]Dataclip, error) {
	query := `
		SELECT id, name, description, sql_text, target_url, created_by, last_run_at, created_at, updated_at
		FROM dataclips
		ORDER BY updated_at DESC
	`
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clips []Dataclip
	for rows.Next() {
		var clip Dataclip
		var description, targetURL, createdBy sql.NullString
		var lastRunAt sql.NullTime

		if err := rows.Scan(
			&clip.ID, &clip.Name, &description, &clip.SQLText, &targetURL,
			&createdBy, &lastRunAt, &clip.CreatedAt, &clip.UpdatedAt); err != nil {
			continue
		}

		if description.Valid {
			clip.Description = description.String
		}
		if targetURL.Valid {
			clip.TargetURL = targetURL.String
		}
		if createdBy.Valid {
			clip.CreatedBy = createdBy.String
		}
		if lastRunAt.Valid {
			clip.LastRunAt = &lastRunAt.Time
		}

		clips = append(clips, clip)
	}

	return clips, nil
}

// UpdateDataclip updates a dataclip's editable fields.
func (q *Queries) UpdateDataclip(ctx context.Context, clip *Dataclip) error {
	clip.UpdatedAt = time.Now()

	query := `
		UPDATE dataclips
		SET name = $2, description = $3, sql_text = $4, target_url = $5, updated_at = $6
		WHERE id = $1
	`
	result, err := q.db.ExecContext(ctx, query,
		clip.ID, clip.Name, clip.Description, clip.SQLText, clip.TargetURL, clip.UpdatedAt)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// TouchDataclipLastRun records that a dataclip was executed.
func (q *Queries) TouchDataclipLastRun(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE dataclips SET last_run_at = $2 WHERE id = $1`, id, time.Now())
	return err
}

// DeleteDataclip deletes a dataclip by ID.
func (q *Queries) DeleteDataclip(ctx context.Context, id string) error {
	result, err := q.db.ExecContext(ctx, `DELETE FROM dataclips WHERE id = $1`, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountDataclips counts saved dataclips.
func (q *Queries) CountDataclips(ctx context.Context) (int64, error) {
	var count int64
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dataclips`).Scan(&count)
	return count, err
}

// ResolveSQL resolves a dataclip identifier to its SQL text. Implements the
// saved-query lookup consumed by the query executor.
func (q *Queries) ResolveSQL(ctx context.Context, id string) (string, bool, error) {
	var sqlText string
	err := q.db.QueryRowContext(ctx,
		`SELECT sql_text FROM dataclips WHERE id = $1`, id).Scan(&sqlText)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return sqlText, true, nil
}

// API key operations

// CreateAPIKey creates a new API key record.
func (q *Queries) CreateAPIKey(ctx context.Context, key *APIKey) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO api_keys (id, key_hash, key_prefix, label, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := q.db.ExecContext(ctx, query,
		key.ID, key.KeyHash, key.KeyPrefix, key.Label, key.CreatedAt)
	return err
}

// GetAPIKeyByPrefix gets an API key record by its prefix.
func (q *Queries) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	var key APIKey
	var label sql.NullString
	var lastUsedAt sql.NullTime

	query := `
		SELECT id, key_hash, key_prefix, label, last_used_at, created_at
		FROM api_keys
		WHERE key_prefix = $1
	`
	err := q.db.QueryRowContext(ctx, query, prefix).Scan(
		&key.ID, &key.KeyHash, &key.KeyPrefix, &label, &lastUsedAt, &key.CreatedAt)
	if err != nil {
		return nil, err
	}

	if label.Valid {
		key.Label = label.String
	}
	if lastUsedAt.Valid {
		key.LastUsedAt = &lastUsedAt.Time
	}

	return &key, nil
}

// ListAPIKeys lists all API key records.
func (q *Queries) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	query := `
		SELECT id, key_hash, key_prefix, label, last_used_at, created_at
		FROM api_keys
		ORDER BY created_at DESC
	`
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var key APIKey
		var label sql.NullString
		var lastUsedAt sql.NullTime

		if err := rows.Scan(&key.ID, &key.KeyHash, &key.KeyPrefix, &label,
			&lastUsedAt, &key.CreatedAt); err != nil {
			continue
		}

		if label.Valid {
			key.Label = label.String
		}
		if lastUsedAt.Valid {
			key.LastUsedAt = &lastUsedAt.Time
		}

		keys = append(keys, key)
	}

	return keys, nil
}

// UpdateAPIKeyLastUsed updates the last-used timestamp of an API key.
func (q *Queries) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, time.Now())
	return err
}

// DeleteAPIKey deletes an API key by ID.
func (q *Queries) DeleteAPIKey(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	return err
}

// CountAPIKeys counts API key records.
func (q *Queries) CountAPIKeys(ctx context.Context) (int64, error) {
	var count int64
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys`).Scan(&count)
	return count, err
}
