package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipdesk/api/internal/cache"
	"github.com/clipdesk/api/internal/logging"
	"github.com/clipdesk/api/internal/query"
)

type fixedProvider struct {
	db  *sql.DB
	err error
}

func (p *fixedProvider) Open(ctx context.Context, descriptor string) (*sql.DB, error) {
	return p.db, p.err
}

type emptyResolver struct{}

func (emptyResolver) ResolveSQL(ctx context.Context, id string) (string, bool, error) {
	return "", false, nil
}

func newQueryHandlers(t *testing.T, conns query.ConnectionProvider) *QueryHandlers {
	t.Helper()

	db, err := cache.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logging.NewLogger("error", "json", "stdout")
	store := cache.NewQueryStore(db, cache.NewRecorder(db, logger), logger)
	executor := query.NewExecutor(conns, emptyResolver{}, store, logger)

	return NewQueryHandlers(executor, RunDefaults{
		TargetURL:    "postgres://app@db/prod",
		CacheEnabled: false,
		CacheTTL:     3600,
	})
}

func TestRunQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id FROM users").WillReturnRows(
		sqlmock.NewRows([]string{"id"}).AddRow(int64(1)),
	)
	mock.ExpectClose()

	h := newQueryHandlers(t, &fixedProvider{db: db})

	body := strings.NewReader(`{"sql": "SELECT id FROM users"}`)
	req := httptest.NewRequest("POST", "/api/v1/query/run", body)
	w := httptest.NewRecorder()
	h.RunQuery(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var result query.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.RowCount)
	assert.Equal(t, []string{"id"}, result.Columns)
}

func TestRunQueryRejectsMutation(t *testing.T) {
	h := newQueryHandlers(t, &fixedProvider{})

	body := strings.NewReader(`{"sql": "DROP TABLE users"}`)
	req := httptest.NewRequest("POST", "/api/v1/query/run", body)
	w := httptest.NewRecorder()
	h.RunQuery(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "VALIDATION_ERROR", resp.Code)
	assert.Contains(t, resp.Message, "mutating statement not allowed")
}

func TestRunQueryDatabaseFailureReturns200(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectQuery("SELECT").WillReturnError(sql.ErrConnDone)
	mock.ExpectClose()

	h := newQueryHandlers(t, &fixedProvider{db: db})

	body := strings.NewReader(`{"sql": "SELECT 1"}`)
	req := httptest.NewRequest("POST", "/api/v1/query/run", body)
	w := httptest.NewRecorder()
	h.RunQuery(w, req)

	// Runtime failures are part of the structured result, not an HTTP error.
	require.Equal(t, http.StatusOK, w.Code)

	var result query.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Errors)
}

func TestRunQueryBadBody(t *testing.T) {
	h := newQueryHandlers(t, &fixedProvider{})

	req := httptest.NewRequest("POST", "/api/v1/query/run", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	h.RunQuery(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
