package core

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// PoolManager owns one pooled data source per named backend database.
// Pools are created lazily on first use and replaced as a whole by the
// reload orchestrator; closing a pool never interrupts borrowed
// connections (database/sql retires them on release).
type PoolManager struct {
	mu    sync.Mutex
	defs  map[string]DatabaseDefinition
	pools map[string]*sql.DB
	log   *zap.SugaredLogger
}

// NewPoolManager creates a pool manager over the given database
// definitions. No connections are opened until DataSource is called.
func NewPoolManager(defs map[string]DatabaseDefinition, log *zap.SugaredLogger) *PoolManager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &PoolManager{
		defs:  cloneDatabaseDefs(defs),
		pools: make(map[string]*sql.DB),
		log:   log,
	}
}

func cloneDatabaseDefs(defs map[string]DatabaseDefinition) map[string]DatabaseDefinition {
	out := make(map[string]DatabaseDefinition, len(defs))
	for k, v := range defs {
		out[k] = v
	}
	return out
}

// driverDSN resolves a driver identifier and connection URL to the
// registered sql driver name and its DSN form.
func driverDSN(driver, url string) (string, string, error) {
	switch strings.ToLower(driver) {
	case "", "postgres", "postgresql":
		cfg, err := pgx.ParseConfig(url)
		if err != nil {
			return "", "", NewError(CodeConfigInvalid, "invalid postgres url: %s", err)
		}
		return "pgx", stdlib.RegisterConnConfig(cfg), nil
	case "mysql", "mariadb":
		return "mysql", strings.TrimPrefix(url, "mysql://"), nil
	case "sqlite":
		return "sqlite", strings.TrimPrefix(url, "sqlite://"), nil
	default:
		return "", "", NewError(CodeConfigInvalid, "unsupported driver %q", driver)
	}
}

// connectionDSN resolves a definition to its registered driver name and
// DSN, weaving separately declared credentials into the connection
// config. sqlite has no credential concept and rejects them.
func connectionDSN(def DatabaseDefinition) (string, string, error) {
	if def.Username == "" {
		return driverDSN(def.Driver, def.URL)
	}

	switch strings.ToLower(def.Driver) {
	case "", "postgres", "postgresql":
		cfg, err := pgx.ParseConfig(def.URL)
		if err != nil {
			return "", "", WrapError(CodeConfigInvalid, err, "database %s: invalid url", def.Name)
		}
		cfg.User = def.Username
		if def.Password != "" {
			cfg.Password = def.Password
		}
		return "pgx", stdlib.RegisterConnConfig(cfg), nil
	case "mysql", "mariadb":
		cfg, err := mysql.ParseDSN(strings.TrimPrefix(def.URL, "mysql://"))
		if err != nil {
			return "", "", WrapError(CodeConfigInvalid, err, "database %s: invalid url", def.Name)
		}
		cfg.User = def.Username
		if def.Password != "" {
			cfg.Passwd = def.Password
		}
		return "mysql", cfg.FormatDSN(), nil
	case "sqlite":
		return "", "", NewError(CodeConfigInvalid,
			"database %s: sqlite does not take username/password", def.Name)
	default:
		return "", "", NewError(CodeConfigInvalid, "unsupported driver %q", def.Driver)
	}
}

// open creates the pool for a definition and applies its pool parameters.
func (m *PoolManager) open(def DatabaseDefinition) (*sql.DB, error) {
	drv, dsn, err := connectionDSN(def)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(drv, dsn)
	if err != nil {
		return nil, WrapError(CodeDatabaseUnavailable, err, "database %s unavailable", def.Name)
	}
	m.tune(db, def)
	return db, nil
}

func (m *PoolManager) tune(db *sql.DB, def DatabaseDefinition) {
	db.SetMaxOpenConns(def.Pool.MaxPoolSize)
	db.SetMaxIdleConns(def.Pool.MinIdle)
	db.SetConnMaxIdleTime(time.Duration(def.Pool.IdleTimeout) * time.Millisecond)
	db.SetConnMaxLifetime(time.Duration(def.Pool.MaxLifetime) * time.Millisecond)
}

// DataSource returns the pool for a named database, creating it on first
// request.
func (m *PoolManager) DataSource(name string) (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if db, ok := m.pools[name]; ok {
		return db, nil
	}
	def, ok := m.defs[name]
	if !ok {
		return nil, NewError(CodeNotFound, "unknown database %q", name)
	}
	db, err := m.open(def)
	if err != nil {
		return nil, err
	}
	m.pools[name] = db
	m.log.Infof("opened connection pool: %s (driver=%s max=%d)",
		name, def.Driver, def.Pool.MaxPoolSize)
	return db, nil
}

// IsAvailable probes the database with a short-timeout ping. It never
// blocks longer than the probe timeout and reports false instead of
// surfacing driver errors.
func (m *PoolManager) IsAvailable(ctx context.Context, name string) bool {
	db, err := m.DataSource(name)
	if err != nil {
		return false
	}
	m.mu.Lock()
	def := m.defs[name]
	m.mu.Unlock()

	timeout := 2 * time.Second
	if t := def.ConnectionTimeoutDuration(); t > 0 && t < timeout {
		timeout = t
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if q := def.Pool.HealthCheckQuery; q != "" {
		var one interface{}
		return db.QueryRowContext(pctx, q).Scan(&one) == nil
	}
	return db.PingContext(pctx) == nil
}

// Health reports availability per known database.
func (m *PoolManager) Health(ctx context.Context) map[string]bool {
	m.mu.Lock()
	names := make([]string, 0, len(m.defs))
	for name := range m.defs {
		names = append(names, name)
	}
	m.mu.Unlock()

	out := make(map[string]bool, len(names))
	for _, name := range names {
		out[name] = m.IsAvailable(ctx, name)
	}
	return out
}

// UpdatePools applies a configuration delta: pools of removed databases
// are closed, added databases become openable, and updated databases get
// their pool retired so the next borrow opens against the new
// definition. In-flight borrowed connections are not interrupted.
func (m *PoolManager) UpdatePools(delta ConfigurationDelta, defs map[string]DatabaseDefinition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range delta.Databases.Removed {
		if db, ok := m.pools[name]; ok {
			delete(m.pools, name)
			db.Close() //nolint:errcheck
			m.log.Infof("closed connection pool: %s (removed)", name)
		}
	}
	for _, name := range delta.Databases.Updated {
		if db, ok := m.pools[name]; ok {
			delete(m.pools, name)
			db.Close() //nolint:errcheck
			m.log.Infof("closed connection pool: %s (definition changed)", name)
		}
	}
	m.defs = cloneDatabaseDefs(defs)
}

// Shutdown quiesces all pools.
func (m *PoolManager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, db := range m.pools {
		db.Close() //nolint:errcheck
		m.log.Infof("closed connection pool: %s", name)
	}
	m.pools = make(map[string]*sql.DB)
}
