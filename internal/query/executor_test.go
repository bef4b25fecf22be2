package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipdesk/api/internal/cache"
	"github.com/clipdesk/api/internal/logging"
)

// stubProvider hands out a prepared connection and counts opens.
type stubProvider struct {
	db    *sql.DB
	err   error
	opens int
}

func (p *stubProvider) Open(ctx context.Context, descriptor string) (*sql.DB, error) {
	p.opens++
	if p.err != nil {
		return nil, p.err
	}
	return p.db, nil
}

// stubResolver resolves clip identifiers from a fixed map.
type stubResolver map[string]string

func (r stubResolver) ResolveSQL(ctx context.Context, id string) (string, bool, error) {
	sqlText, ok := r[id]
	return sqlText, ok, nil
}

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()

	db, err := cache.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logging.NewLogger("error", "json", "stdout")
	return cache.NewQueryStore(db, cache.NewRecorder(db, logger), logger)
}

func newTestExecutor(t *testing.T, conns ConnectionProvider, resolver SavedQueryResolver) *Executor {
	t.Helper()
	return NewExecutor(conns, resolver, newTestStore(t), logging.NewLogger("error", "json", "stdout"))
}

func TestValidate(t *testing.T) {
	e := newTestExecutor(t, &stubProvider{}, stubResolver{})

	tests := []struct {
		name    string
		sqlText string
		wantErr string
	}{
		{"plain select", "SELECT * FROM users", ""},
		{"cte", "WITH t AS (SELECT 1) SELECT * FROM t", ""},
		{"empty", "", "query is empty"},
		{"whitespace only", "   \n\t", "query is empty"},
		{"leading drop", "DROP TABLE users", "mutating statement not allowed: drop"},
		{"leading truncate", "TRUNCATE users", "mutating statement not allowed: truncate"},
		{"leading delete", "DELETE FROM users", "mutating statement not allowed: delete"},
		{"leading alter", "ALTER TABLE users ADD COLUMN x int", "mutating statement not allowed: alter"},
		{"leading create", "CREATE TABLE x (id int)", "mutating statement not allowed: create"},
		{"leading insert", "INSERT INTO users VALUES (1)", "mutating statement not allowed: insert"},
		{"leading update", "UPDATE users SET name = 'x'", "mutating statement not allowed: update"},
		{"mixed case", "dRoP TABLE users", "mutating statement not allowed: drop"},
		{"after semicolon", "SELECT 1; DELETE FROM users", "mutating statement not allowed: delete"},
		{"keyword mid-statement", "SELECT * FROM notes WHERE body = 'please update me'", ""},
		{"keyword as substring", "SELECT created_at, updated_at FROM users", ""},
		{"table named like keyword", "SELECT * FROM updates", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Validate(tt.sqlText)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "want ValidationError, got %T", err)
			assert.Equal(t, tt.wantErr, verr.Message)
		})
	}
}

func TestExecuteSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id, name FROM users").WillReturnRows(
		sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), "alice").
			AddRow(int64(2), "bob"),
	)
	mock.ExpectClose()

	e := newTestExecutor(t, &stubProvider{db: db}, stubResolver{})

	result, err := e.Execute(context.Background(), "SELECT id, name FROM users", "postgres://app@db/prod", CacheOptions{})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Empty(t, result.Errors)
	assert.Equal(t, []string{"id", "name"}, result.Columns)
	assert.Equal(t, 2, result.RowCount)
	require.Len(t, result.Data, 2)
	assert.Equal(t, "alice", result.Data[0]["name"])
	assert.False(t, result.Cached)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteZeroRowsKeepsColumns(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id, name FROM users").WillReturnRows(
		sqlmock.NewRows([]string{"id", "name"}),
	)
	mock.ExpectClose()

	e := newTestExecutor(t, &stubProvider{db: db}, stubResolver{})

	result, err := e.Execute(context.Background(), "SELECT id, name FROM users WHERE false", "postgres://app@db/prod", CacheOptions{})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, []string{"id", "name"}, result.Columns)
	assert.Equal(t, 0, result.RowCount)
	assert.Empty(t, result.Data)
}

func TestExecuteDatabaseErrorIsStructured(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectQuery("SELECT").WillReturnError(fmt.Errorf(`relation "missing" does not exist`))
	mock.ExpectClose()

	e := newTestExecutor(t, &stubProvider{db: db}, stubResolver{})

	result, err := e.Execute(context.Background(), "SELECT * FROM missing", "postgres://app@db/prod", CacheOptions{})
	require.NoError(t, err, "database failures must not raise")

	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "does not exist")
}

func TestExecuteConnectionFailureIsStructured(t *testing.T) {
	provider := &stubProvider{err: errors.New("connection refused")}
	e := newTestExecutor(t, provider, stubResolver{})

	result, err := e.Execute(context.Background(), "SELECT 1", "postgres://app@db/prod", CacheOptions{})
	require.NoError(t, err)

	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "connection refused")
}

func TestExecuteRejectsWithoutTarget(t *testing.T) {
	provider := &stubProvider{}
	e := newTestExecutor(t, provider, stubResolver{})

	_, err := e.Execute(context.Background(), "SELECT 1", "", CacheOptions{})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "no target database configured", verr.Message)
	assert.Zero(t, provider.opens, "no connection may be opened for invalid input")
}

func TestExecuteValidationSkipsConnection(t *testing.T) {
	provider := &stubProvider{}
	e := newTestExecutor(t, provider, stubResolver{})

	_, err := e.Execute(context.Background(), "DROP TABLE users", "postgres://app@db/prod", CacheOptions{})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Zero(t, provider.opens)
}

func TestExecuteCacheWriteThroughAndHit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id FROM users").WillReturnRows(
		sqlmock.NewRows([]string{"id"}).AddRow(int64(7)),
	)
	mock.ExpectClose()

	provider := &stubProvider{db: db}
	e := newTestExecutor(t, provider, stubResolver{})

	opts := CacheOptions{Enabled: true, TTLSeconds: 300}

	first, err := e.Execute(context.Background(), "SELECT id FROM users", "postgres://app@db/prod", opts)
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.False(t, first.Cached)
	assert.NotEmpty(t, first.CacheKey)

	second, err := e.Execute(context.Background(), "SELECT id FROM users", "postgres://app@db/prod", opts)
	require.NoError(t, err)

	assert.True(t, second.Cached, "second execution must be served from cache")
	assert.Equal(t, 1, provider.opens, "cache hit must not open a connection")
	assert.Equal(t, first.CacheKey, second.CacheKey)
	assert.Equal(t, first.RowCount, second.RowCount)
	assert.Equal(t, first.Columns, second.Columns)
	assert.Equal(t, first.Data, second.Data)
	require.NotNil(t, second.CachedAt)
}

func TestExecuteFailureNotCached(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectQuery("SELECT").WillReturnError(errors.New("boom"))
	mock.ExpectQuery("SELECT").WillReturnError(errors.New("boom"))
	mock.ExpectClose()

	provider := &stubProvider{db: db}
	e := newTestExecutor(t, provider, stubResolver{})

	opts := CacheOptions{Enabled: true, TTLSeconds: 300}

	_, err = e.Execute(context.Background(), "SELECT 1", "postgres://app@db/prod", opts)
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), "SELECT 1", "postgres://app@db/prod", opts)
	require.NoError(t, err)

	assert.Equal(t, 2, provider.opens, "failed results must not populate the cache")
}

func TestExecuteNamedNotFound(t *testing.T) {
	e := newTestExecutor(t, &stubProvider{}, stubResolver{})

	result, err := e.ExecuteNamed(context.Background(), "missing-id", "postgres://app@db/prod", CacheOptions{})
	require.NoError(t, err, "unknown clip must not raise")

	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "dataclip not found: missing-id", result.Errors[0])
}

func TestExecuteNamedScopesCacheByClip(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(int64(1)))
	mock.ExpectClose()

	resolver := stubResolver{"clip-1": "SELECT 1"}
	e := newTestExecutor(t, &stubProvider{db: db}, resolver)

	result, err := e.ExecuteNamed(context.Background(), "clip-1", "postgres://app@db/prod", CacheOptions{Enabled: true, TTLSeconds: 300})
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.Equal(t, cache.DeriveQueryKey("SELECT 1", nil, "clip-1"), result.CacheKey)
}

func TestPositionalArgsOrdering(t *testing.T) {
	args := positionalArgs(map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	})
	assert.Equal(t, []interface{}{1, 2, 3}, args)

	assert.Nil(t, positionalArgs(nil))
}

func TestNormalizeValue(t *testing.T) {
	assert.Equal(t, int64(5), normalizeValue(int64(5)))
	assert.Equal(t, "plain", normalizeValue([]byte("plain")))

	decoded := normalizeValue([]byte(`{"a":1}`))
	m, ok := decoded.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), m["a"])
}
