package core

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var storeDatabaseCols = []string{
	"name", "url", "username", "password", "driver", "max_pool_size",
	"min_idle", "connection_timeout", "idle_timeout", "max_lifetime",
	"leak_detection_threshold", "connection_test_query", "description",
}

var storeQueryCols = []string{
	"name", "description", "database_name", "sql_query", "query_type",
	"timeout_seconds", "parameters",
}

var storeEndpointCols = []string{
	"name", "description", "path", "method", "query_name", "count_query_name",
	"response_format", "cache_enabled", "cache_ttl_seconds",
	"rate_limit_enabled", "rate_limit_requests", "rate_limit_window_seconds",
	"pagination_enabled", "pagination_default_size", "pagination_max_size",
}

func newMockStore(t *testing.T) (*StoreLoader, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStoreLoader(sqlx.NewDb(db, "postgres"), nil), mock
}

func TestStoreLoaderLoad(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM config_databases").
		WillReturnRows(sqlmock.NewRows(storeDatabaseCols).
			AddRow("trades-db", "postgres://localhost/trades", "app", "secret",
				"postgres", 10, 2, 30, 600, 1800, 0, "SELECT 1", "trade data"))

	mock.ExpectQuery("SELECT (.+) FROM config_queries").
		WillReturnRows(sqlmock.NewRows(storeQueryCols).
			AddRow("trade-by-id", nil, "trades-db",
				"SELECT * FROM trades WHERE id = ?", "SELECT", 30,
				`[{"name":"id","type":"LONG","required":true,"source":"PATH"}]`))

	mock.ExpectQuery("SELECT (.+) FROM config_endpoints").
		WillReturnRows(sqlmock.NewRows(storeEndpointCols).
			AddRow("trade-by-id", nil, "/api/trades/{id}", "GET", "trade-by-id",
				nil, "json", true, 120, false, 0, 0, false, 0, 0))

	defs, err := store.Load(context.Background())
	require.NoError(t, err)

	d, ok := defs.Databases["trades-db"]
	require.True(t, ok, "database missing from loaded definitions")
	assert.Equal(t, "postgres", d.Driver)
	assert.Equal(t, 10, d.Pool.MaxPoolSize)

	q, ok := defs.Queries["trade-by-id"]
	require.True(t, ok, "query missing from loaded definitions")
	require.Len(t, q.Params, 1)
	assert.Equal(t, "id", q.Params[0].Name)
	assert.Equal(t, ScalarLong, q.Params[0].Type)
	assert.Equal(t, SourcePath, q.Params[0].Source)
	assert.True(t, q.Params[0].Required)

	e, ok := defs.Endpoints["trade-by-id"]
	require.True(t, ok, "endpoint missing from loaded definitions")
	assert.Equal(t, "GET", e.Method)
	assert.Equal(t, "trade-by-id", e.Query)
	require.NotNil(t, e.Cache)
	assert.True(t, e.Cache.Enabled)
	assert.Equal(t, 120, e.Cache.TTLSeconds)
	assert.Nil(t, e.RateLimit, "disabled rate limit should stay nil")
	assert.Nil(t, e.Pagination, "disabled pagination should stay nil")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreLoaderLoadBadParamsJSON(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM config_databases").
		WillReturnRows(sqlmock.NewRows(storeDatabaseCols).
			AddRow("db", "postgres://localhost/x", nil, nil, "postgres",
				0, 0, 0, 0, 0, 0, nil, nil))
	mock.ExpectQuery("SELECT (.+) FROM config_queries").
		WillReturnRows(sqlmock.NewRows(storeQueryCols).
			AddRow("bad", nil, "db", "SELECT 1", "SELECT", 0, "not json"))

	_, err := store.Load(context.Background())
	require.Error(t, err, "malformed parameter JSON must fail the load")
	assert.Equal(t, CodeConfigInvalid, CodeOf(err))
}

func TestStoreLoaderEmpty(t *testing.T) {
	store, mock := newMockStore(t)

	for range []int{0, 1, 2} {
		mock.ExpectQuery("SELECT COUNT(.+)").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	}

	empty, err := store.Empty(context.Background())
	require.NoError(t, err)
	assert.True(t, empty, "zero rows across all tables should report empty")
}

func TestStoreLoaderNotEmpty(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT(.+)").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery("SELECT COUNT(.+)").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT COUNT(.+)").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	empty, err := store.Empty(context.Background())
	require.NoError(t, err)
	assert.False(t, empty, "populated table should report not empty")
}

func TestStoreParamsRoundTrip(t *testing.T) {
	ten := "10"
	params := []QueryParam{
		{Name: "symbol", Type: ScalarString, Required: true, Source: SourceQuery},
		{Name: "limit", Type: ScalarInt, Default: &ten, Source: SourceQuery},
	}

	raw, err := encodeStoreParams(params)
	require.NoError(t, err)
	got, err := decodeStoreParams(raw)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "symbol", got[0].Name)
	require.NotNil(t, got[1].Default)
	assert.Equal(t, "10", *got[1].Default)

	empty, err := encodeStoreParams(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", empty)
}
