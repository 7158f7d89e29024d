package core

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ResultSet is the shaped output of a query execution: column order
// preserved from statement metadata, rows as column name to value maps.
type ResultSet struct {
	Columns []string
	Rows    []map[string]interface{}
}

// Executor runs named queries against their databases with typed,
// declared-order parameter binding. It exposes no driver types to
// callers; failures surface as taxonomy errors.
type Executor struct {
	pools *PoolManager
	log   *zap.SugaredLogger
}

// NewExecutor creates an executor over a pool manager.
func NewExecutor(pools *PoolManager, log *zap.SugaredLogger) *Executor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Executor{pools: pools, log: log}
}

// timestamp layouts accepted for TIMESTAMP parameters, tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// CoerceParam converts a raw string value to the parameter's declared
// scalar type. A nil raw means the value was absent: the default applies,
// or MISSING_PARAMETER when the parameter is required.
func CoerceParam(p QueryParam, raw *string) (interface{}, error) {
	if raw == nil {
		if p.Default != nil {
			raw = p.Default
		} else if p.Required {
			return nil, NewError(CodeMissingParameter, "required parameter %q is missing", p.Name)
		} else {
			return nil, nil
		}
	}
	s := *raw

	switch p.Type {
	case ScalarString, "":
		return s, nil
	case ScalarInt:
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
		if err != nil {
			return nil, NewError(CodeBadRequest, "parameter %q must be an integer, got %q", p.Name, s)
		}
		return int32(v), nil
	case ScalarLong:
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, NewError(CodeBadRequest, "parameter %q must be an integer, got %q", p.Name, s)
		}
		return v, nil
	case ScalarDouble:
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, NewError(CodeBadRequest, "parameter %q must be a number, got %q", p.Name, s)
		}
		return v, nil
	case ScalarBool:
		v, err := strconv.ParseBool(strings.TrimSpace(strings.ToLower(s)))
		if err != nil {
			return nil, NewError(CodeBadRequest, "parameter %q must be a boolean, got %q", p.Name, s)
		}
		return v, nil
	case ScalarTimestamp:
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
				return t, nil
			}
		}
		return nil, NewError(CodeBadRequest, "parameter %q must be an ISO-8601 timestamp, got %q", p.Name, s)
	default:
		return nil, NewError(CodeBadRequest, "parameter %q has unknown type %q", p.Name, p.Type)
	}
}

// bindable rewrites `?` placeholders into the dialect's bind markers.
func bindable(driver, query string) string {
	switch driver {
	case "postgres", "postgresql", "":
		return sqlx.Rebind(sqlx.DOLLAR, query)
	default:
		return query
	}
}

// Execute runs the query with params bound to its `?` placeholders in
// declared order and streams rows into a ResultSet.
func (e *Executor) Execute(ctx context.Context, q QueryDefinition, params []interface{}) (*ResultSet, error) {
	return e.run(ctx, q, q.SQL, params)
}

// ExecutePaged runs the query with a trailing ` LIMIT ? OFFSET ?`
// fragment whose values are bound, never spliced into the SQL text.
func (e *Executor) ExecutePaged(ctx context.Context, q QueryDefinition, params []interface{}, limit, offset int64) (*ResultSet, error) {
	paged := q.SQL + " LIMIT ? OFFSET ?"
	return e.run(ctx, q, paged, append(append([]interface{}{}, params...), limit, offset))
}

// ExecuteCount runs a count query expecting a single-row single-column
// numeric result.
func (e *Executor) ExecuteCount(ctx context.Context, q QueryDefinition, params []interface{}) (int64, error) {
	db, def, err := e.dataSource(q)
	if err != nil {
		return 0, err
	}
	cctx, cancel := context.WithTimeout(ctx, q.Timeout())
	defer cancel()

	var count int64
	row := db.QueryRowContext(cctx, bindable(def.Driver, q.SQL), params...)
	if err := row.Scan(&count); err != nil {
		return 0, e.mapError(q, err)
	}
	return count, nil
}

func (e *Executor) dataSource(q QueryDefinition) (*sql.DB, DatabaseDefinition, error) {
	db, err := e.pools.DataSource(q.Database)
	if err != nil {
		return nil, DatabaseDefinition{}, err
	}
	e.pools.mu.Lock()
	def := e.pools.defs[q.Database]
	e.pools.mu.Unlock()
	return db, def, nil
}

func (e *Executor) run(ctx context.Context, q QueryDefinition, sqlText string, params []interface{}) (*ResultSet, error) {
	db, def, err := e.dataSource(q)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, q.Timeout())
	defer cancel()

	start := time.Now()
	rows, err := db.QueryContext(cctx, bindable(def.Driver, sqlText), params...)
	if err != nil {
		return nil, e.mapError(q, err)
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return nil, e.mapError(q, err)
	}

	rs := &ResultSet{Columns: cols}
	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, e.mapError(q, err)
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, e.mapError(q, err)
	}

	e.log.Debugf("query %s: %d rows in %s", q.Name, len(rs.Rows), time.Since(start))
	return rs, nil
}

// normalizeValue converts driver values to JSON-friendly types.
func normalizeValue(v interface{}) interface{} {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return v
	}
}

// mapError converts driver failures into taxonomy errors without leaking
// driver messages to API callers. The full cause is logged here.
func (e *Executor) mapError(q QueryDefinition, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		e.log.Warnf("query %s timed out after %s", q.Name, q.Timeout())
		return WrapError(CodeQueryFailed, err, "query %q timed out", q.Name)
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, sql.ErrTxDone),
		isConnectionError(err):
		e.log.Warnf("query %s: database %s unavailable: %s", q.Name, q.Database, err)
		return WrapError(CodeDatabaseUnavailable, err, "database %q is unavailable", q.Database)
	default:
		e.log.Warnf("query %s failed: %s", q.Name, err)
		return WrapError(CodeQueryFailed, err, "query %q failed", q.Name)
	}
}

// isConnectionError takes a guess at connectivity failures from the
// error text, since database/sql offers no portable classification.
func isConnectionError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, frag := range []string{
		"connection refused", "connection reset", "no such host",
		"broken pipe", "i/o timeout", "bad connection",
	} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// BindParams coerces raw values for all declared parameters of a query
// in declared order. The rawValues lookup returns nil when the source
// carries no value for the parameter.
func BindParams(q QueryDefinition, rawValues func(p QueryParam) (*string, error)) ([]interface{}, error) {
	bound := make([]interface{}, 0, len(q.Params))
	for _, p := range q.Params {
		raw, err := rawValues(p)
		if err != nil {
			return nil, err
		}
		v, err := CoerceParam(p, raw)
		if err != nil {
			return nil, err
		}
		bound = append(bound, v)
	}
	return bound, nil
}
