package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// StoreLoader reads definitions from the configuration store tables
// config_databases, config_queries and config_endpoints, keyed by name.
type StoreLoader struct {
	db  *sqlx.DB
	log *zap.SugaredLogger
}

// NewStoreLoader wraps an open configuration store connection.
func NewStoreLoader(db *sqlx.DB, log *zap.SugaredLogger) *StoreLoader {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &StoreLoader{db: db, log: log}
}

// OpenStore opens the configuration store with the given driver and DSN.
func OpenStore(ctx context.Context, driver, url string, log *zap.SugaredLogger) (*StoreLoader, error) {
	drv, dsn, err := driverDSN(driver, url)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(drv, dsn)
	if err != nil {
		return nil, WrapError(CodeDatabaseUnavailable, err, "cannot open configuration store")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, WrapError(CodeDatabaseUnavailable, err, "configuration store unreachable")
	}
	return NewStoreLoader(db, log), nil
}

// Close releases the store connection.
func (l *StoreLoader) Close() error { return l.db.Close() }

// decodeStoreParams parses the JSON-encoded parameter list of a stored
// query.
func decodeStoreParams(raw string) ([]QueryParam, error) {
	var params []QueryParam
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, err
	}
	return params, nil
}

// encodeStoreParams serializes a parameter list for the store.
func encodeStoreParams(params []QueryParam) (string, error) {
	if len(params) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type storeDatabaseRow struct {
	Name              string         `db:"name"`
	URL               string         `db:"url"`
	Username          sql.NullString `db:"username"`
	Password          sql.NullString `db:"password"`
	Driver            sql.NullString `db:"driver"`
	MaxPoolSize       sql.NullInt64  `db:"max_pool_size"`
	MinIdle           sql.NullInt64  `db:"min_idle"`
	ConnectionTimeout sql.NullInt64  `db:"connection_timeout"`
	IdleTimeout       sql.NullInt64  `db:"idle_timeout"`
	MaxLifetime       sql.NullInt64  `db:"max_lifetime"`
	LeakDetection     sql.NullInt64  `db:"leak_detection_threshold"`
	TestQuery         sql.NullString `db:"connection_test_query"`
	Description       sql.NullString `db:"description"`
}

type storeQueryRow struct {
	Name           string         `db:"name"`
	Description    sql.NullString `db:"description"`
	DatabaseName   string         `db:"database_name"`
	SQLQuery       string         `db:"sql_query"`
	QueryType      sql.NullString `db:"query_type"`
	TimeoutSeconds sql.NullInt64  `db:"timeout_seconds"`
	Parameters     sql.NullString `db:"parameters"`
}

type storeEndpointRow struct {
	Name             string         `db:"name"`
	Description      sql.NullString `db:"description"`
	Path             string         `db:"path"`
	Method           string         `db:"method"`
	QueryName        string         `db:"query_name"`
	CountQueryName   sql.NullString `db:"count_query_name"`
	ResponseFormat   sql.NullString `db:"response_format"` // reserved
	CacheEnabled     sql.NullBool   `db:"cache_enabled"`
	CacheTTLSeconds  sql.NullInt64  `db:"cache_ttl_seconds"`
	RateLimitEnabled sql.NullBool   `db:"rate_limit_enabled"`
	RateLimitReqs    sql.NullInt64  `db:"rate_limit_requests"`
	RateLimitWindow  sql.NullInt64  `db:"rate_limit_window_seconds"`
	PaginationOn     sql.NullBool   `db:"pagination_enabled"`
	PageDefaultSize  sql.NullInt64  `db:"pagination_default_size"`
	PageMaxSize      sql.NullInt64  `db:"pagination_max_size"`
}

// Load reads the three tables and assembles the definition maps.
func (l *StoreLoader) Load(ctx context.Context) (*Definitions, error) {
	defs := NewDefinitions()

	var dbRows []storeDatabaseRow
	if err := l.db.SelectContext(ctx, &dbRows,
		`SELECT name, url, username, password, driver, max_pool_size, min_idle,
		        connection_timeout, idle_timeout, max_lifetime,
		        leak_detection_threshold, connection_test_query, description
		   FROM config_databases ORDER BY name`); err != nil {
		return nil, WrapError(CodeDatabaseUnavailable, err, "cannot read config_databases")
	}
	for _, r := range dbRows {
		d := DatabaseDefinition{
			Name:        r.Name,
			URL:         r.URL,
			Driver:      r.Driver.String,
			Username:    r.Username.String,
			Password:    r.Password.String,
			Description: r.Description.String,
			Pool: PoolConfig{
				MaxPoolSize:       int(r.MaxPoolSize.Int64),
				MinIdle:           int(r.MinIdle.Int64),
				ConnectionTimeout: int(r.ConnectionTimeout.Int64),
				IdleTimeout:       int(r.IdleTimeout.Int64),
				MaxLifetime:       int(r.MaxLifetime.Int64),
				LeakDetection:     int(r.LeakDetection.Int64),
				HealthCheckQuery:  r.TestQuery.String,
			},
		}
		if err := d.normalize(); err != nil {
			return nil, NewError(CodeConfigInvalid, "store database %q: %s", r.Name, err)
		}
		defs.Databases[d.Name] = d
	}

	var qRows []storeQueryRow
	if err := l.db.SelectContext(ctx, &qRows,
		`SELECT name, description, database_name, sql_query, query_type,
		        timeout_seconds, parameters
		   FROM config_queries ORDER BY name`); err != nil {
		return nil, WrapError(CodeDatabaseUnavailable, err, "cannot read config_queries")
	}
	for _, r := range qRows {
		q := QueryDefinition{
			Name:           r.Name,
			Description:    r.Description.String,
			Database:       r.DatabaseName,
			SQL:            r.SQLQuery,
			TimeoutSeconds: int(r.TimeoutSeconds.Int64),
		}
		if r.Parameters.Valid && strings.TrimSpace(r.Parameters.String) != "" {
			params, err := decodeStoreParams(r.Parameters.String)
			if err != nil {
				return nil, NewError(CodeConfigInvalid, "store query %q: parameters: %s", r.Name, err)
			}
			q.Params = params
		}
		if err := q.normalize(); err != nil {
			return nil, NewError(CodeConfigInvalid, "store query %q: %s", r.Name, err)
		}
		defs.Queries[q.Name] = q
	}

	var eRows []storeEndpointRow
	if err := l.db.SelectContext(ctx, &eRows,
		`SELECT name, description, path, method, query_name, count_query_name,
		        response_format, cache_enabled, cache_ttl_seconds,
		        rate_limit_enabled, rate_limit_requests, rate_limit_window_seconds,
		        pagination_enabled, pagination_default_size, pagination_max_size
		   FROM config_endpoints ORDER BY name`); err != nil {
		return nil, WrapError(CodeDatabaseUnavailable, err, "cannot read config_endpoints")
	}
	for i, r := range eRows {
		e := EndpointDefinition{
			Name:        r.Name,
			Description: r.Description.String,
			Path:        r.Path,
			Method:      r.Method,
			Query:       r.QueryName,
			CountQuery:  r.CountQueryName.String,
			order:       i,
		}
		if r.CacheEnabled.Valid && r.CacheEnabled.Bool {
			e.Cache = &CacheSpec{
				Enabled:    true,
				CacheName:  "endpoints",
				TTLSeconds: int(r.CacheTTLSeconds.Int64),
			}
		}
		if r.RateLimitEnabled.Valid && r.RateLimitEnabled.Bool {
			e.RateLimit = &RateLimitSpec{
				Enabled:       true,
				Requests:      int(r.RateLimitReqs.Int64),
				WindowSeconds: int(r.RateLimitWindow.Int64),
			}
		}
		if r.PaginationOn.Valid && r.PaginationOn.Bool {
			e.Pagination = &PaginationSpec{
				Enabled:     true,
				DefaultSize: int(r.PageDefaultSize.Int64),
				MaxSize:     int(r.PageMaxSize.Int64),
			}
		}
		if err := e.normalize(); err != nil {
			return nil, NewError(CodeConfigInvalid, "store endpoint %q: %s", r.Name, err)
		}
		defs.Endpoints[e.Name] = e
	}

	if err := checkNonEmpty(defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// Empty reports whether all three store tables carry no rows.
func (l *StoreLoader) Empty(ctx context.Context) (bool, error) {
	var total int
	for _, table := range []string{"config_databases", "config_queries", "config_endpoints"} {
		var n int
		if err := l.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+table); err != nil {
			return false, WrapError(CodeDatabaseUnavailable, err, "cannot count %s", table)
		}
		total += n
	}
	return total == 0, nil
}

// Import seeds the store tables from a file-source definition set. It is
// used on startup when the store is selected but empty.
func (l *StoreLoader) Import(ctx context.Context, defs *Definitions) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return WrapError(CodeDatabaseUnavailable, err, "cannot begin store import")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, d := range defs.Databases {
		_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO config_databases
			(name, url, username, password, driver, max_pool_size, min_idle,
			 connection_timeout, idle_timeout, max_lifetime,
			 leak_detection_threshold, connection_test_query, description)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			d.Name, d.URL, d.Username, d.Password, d.Driver,
			d.Pool.MaxPoolSize, d.Pool.MinIdle, d.Pool.ConnectionTimeout,
			d.Pool.IdleTimeout, d.Pool.MaxLifetime, d.Pool.LeakDetection,
			d.Pool.HealthCheckQuery, d.Description)
		if err != nil {
			return WrapError(CodeConflict, err, "import database %q", d.Name)
		}
	}
	for _, q := range defs.Queries {
		params, err := encodeStoreParams(q.Params)
		if err != nil {
			return NewError(CodeConfigInvalid, "import query %q: %s", q.Name, err)
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO config_queries
			(name, description, database_name, sql_query, query_type,
			 timeout_seconds, parameters)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			q.Name, q.Description, q.Database, q.SQL, "SELECT",
			q.TimeoutSeconds, params)
		if err != nil {
			return WrapError(CodeConflict, err, "import query %q", q.Name)
		}
	}
	for _, name := range defs.EndpointNames() {
		e := defs.Endpoints[name]
		cacheTTL := 0
		if e.Cache != nil {
			cacheTTL = e.Cache.TTLSeconds
		}
		rlReqs, rlWindow := 0, 0
		if e.RateLimit != nil {
			rlReqs, rlWindow = e.RateLimit.Requests, e.RateLimit.WindowSeconds
		}
		pgDef, pgMax := 0, 0
		if e.Pagination != nil {
			pgDef, pgMax = e.Pagination.DefaultSize, e.Pagination.MaxSize
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO config_endpoints
			(name, description, path, method, query_name, count_query_name,
			 response_format, cache_enabled, cache_ttl_seconds,
			 rate_limit_enabled, rate_limit_requests, rate_limit_window_seconds,
			 pagination_enabled, pagination_default_size, pagination_max_size)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			e.Name, e.Description, e.Path, e.Method, e.Query, e.CountQuery,
			"json", e.Cached(), cacheTTL,
			e.RateLimit != nil && e.RateLimit.Enabled, rlReqs, rlWindow,
			e.Paginated(), pgDef, pgMax)
		if err != nil {
			return WrapError(CodeConflict, err, "import endpoint %q", e.Name)
		}
	}

	if err := tx.Commit(); err != nil {
		return WrapError(CodeDatabaseUnavailable, err, "cannot commit store import")
	}
	l.log.Infof("imported %d databases, %d queries, %d endpoints into configuration store",
		len(defs.Databases), len(defs.Queries), len(defs.Endpoints))
	return nil
}
