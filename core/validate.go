package core

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ValidationReport collects the outcome of configuration validation.
// Errors are fatal; warnings (for example an unreachable database during
// the live schema check) are not.
type ValidationReport struct {
	Errors    []string `json:"errors"`
	Warnings  []string `json:"warnings"`
	Successes []string `json:"successes"`
}

// NewValidationReport returns an empty report.
func NewValidationReport() *ValidationReport {
	return &ValidationReport{}
}

func (r *ValidationReport) Errorf(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationReport) Warnf(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *ValidationReport) Successf(format string, args ...interface{}) {
	r.Successes = append(r.Successes, fmt.Sprintf(format, args...))
}

// Valid reports whether the configuration passed all fatal checks.
func (r *ValidationReport) Valid() bool { return len(r.Errors) == 0 }

// Err converts a failed report into a taxonomy error, nil when valid.
func (r *ValidationReport) Err() error {
	if r.Valid() {
		return nil
	}
	return NewError(CodeConfigInvalid, "configuration invalid: %s", strings.Join(r.Errors, "; "))
}

// Validator checks the endpoint -> query -> database dependency graph,
// SQL placeholder arity and, optionally, the live database schema.
type Validator struct {
	pools *PoolManager // nil disables the live schema check
	log   *zap.SugaredLogger
}

// NewValidator creates a validator. Passing a pool manager enables the
// live table/column check.
func NewValidator(pools *PoolManager, log *zap.SugaredLogger) *Validator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Validator{pools: pools, log: log}
}

// Validate runs all checks in order and returns the report.
func (v *Validator) Validate(ctx context.Context, defs *Definitions) *ValidationReport {
	report := NewValidationReport()

	v.checkEndpointQueries(defs, report)
	v.checkPagination(defs, report)
	v.checkQueryDatabases(defs, report)
	v.checkPlaceholderArity(defs, report)
	v.checkPathVariables(defs, report)

	if v.pools != nil {
		v.checkLiveSchema(ctx, defs, report)
	}
	return report
}

func (v *Validator) checkEndpointQueries(defs *Definitions, report *ValidationReport) {
	for _, name := range sortedNames(defs.Endpoints) {
		ep := defs.Endpoints[name]
		if _, ok := defs.Queries[ep.Query]; !ok {
			report.Errorf("endpoint %q references unknown query %q", name, ep.Query)
		}
	}
	if report.Valid() {
		report.Successf("all %d endpoints reference existing queries", len(defs.Endpoints))
	}
}

func (v *Validator) checkPagination(defs *Definitions, report *ValidationReport) {
	for _, name := range sortedNames(defs.Endpoints) {
		ep := defs.Endpoints[name]
		if !ep.Paginated() {
			continue
		}
		if ep.CountQuery == "" {
			report.Errorf("paginated endpoint %q has no count query", name)
			continue
		}
		if _, ok := defs.Queries[ep.CountQuery]; !ok {
			report.Errorf("paginated endpoint %q references unknown count query %q", name, ep.CountQuery)
			continue
		}
		if q, ok := defs.Queries[ep.Query]; ok && hasLimitOrOffset(q.SQL) {
			report.Errorf("paginated endpoint %q: query %q already contains LIMIT/OFFSET", name, ep.Query)
		}
	}
}

func (v *Validator) checkQueryDatabases(defs *Definitions, report *ValidationReport) {
	for _, name := range sortedNames(defs.Queries) {
		q := defs.Queries[name]
		if _, ok := defs.Databases[q.Database]; !ok {
			report.Errorf("query %q references unknown database %q", name, q.Database)
		}
	}
}

func (v *Validator) checkPlaceholderArity(defs *Definitions, report *ValidationReport) {
	for _, name := range sortedNames(defs.Queries) {
		q := defs.Queries[name]
		placeholders := countPlaceholders(q.SQL)
		if placeholders != len(q.Params) {
			report.Errorf("query %q has %d placeholders but %d declared parameters",
				name, placeholders, len(q.Params))
		}
	}
}

func (v *Validator) checkPathVariables(defs *Definitions, report *ValidationReport) {
	for _, name := range sortedNames(defs.Endpoints) {
		ep := defs.Endpoints[name]
		q, ok := defs.Queries[ep.Query]
		if !ok {
			continue
		}
		for _, pathVar := range ep.PathVars() {
			found := false
			for _, p := range q.Params {
				if p.Name == pathVar && p.Source == SourcePath {
					found = true
					break
				}
			}
			if !found {
				report.Errorf("endpoint %q: path variable {%s} has no matching PATH parameter on query %q",
					name, pathVar, ep.Query)
			}
		}
	}
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// checkLiveSchema verifies referenced tables and columns against the
// backing database catalogs. An unreachable database degrades to a
// warning per the error taxonomy.
func (v *Validator) checkLiveSchema(ctx context.Context, defs *Definitions, report *ValidationReport) {
	reachable := make(map[string]bool)
	for _, name := range sortedNames(defs.Databases) {
		reachable[name] = v.pools.IsAvailable(ctx, name)
		if !reachable[name] {
			report.Warnf("database %q is unreachable, skipping live schema check", name)
		}
	}

	for _, name := range sortedNames(defs.Queries) {
		q := defs.Queries[name]
		if !reachable[q.Database] {
			continue
		}
		db, err := v.pools.DataSource(q.Database)
		if err != nil {
			report.Warnf("query %q: cannot reach database %q for schema check", name, q.Database)
			continue
		}

		tables := referencedTables(q.SQL)
		tableColumns := make(map[string]bool)
		ok := true
		for _, table := range tables {
			if !identPattern.MatchString(table) {
				report.Warnf("query %q: table %q skipped in schema check", name, table)
				continue
			}
			// zero-row probe: verifies existence and yields the catalog
			rows, err := db.QueryContext(ctx, "SELECT * FROM "+table+" WHERE 1 = 0")
			if err != nil {
				report.Errorf("query %q: table %q does not exist in database %q", name, table, q.Database)
				ok = false
				continue
			}
			cols, cerr := rows.Columns()
			rows.Close() //nolint:errcheck
			if cerr != nil {
				report.Warnf("query %q: cannot read catalog of table %q", name, table)
				continue
			}
			for _, col := range cols {
				tableColumns[strings.ToLower(col)] = true
			}
		}
		if !ok || len(tableColumns) == 0 {
			continue
		}
		for _, col := range referencedColumns(q.SQL) {
			if !tableColumns[strings.ToLower(col)] {
				report.Errorf("query %q: column %q not found in tables %s",
					name, col, strings.Join(tables, ", "))
			}
		}
	}

	if report.Valid() {
		report.Successf("live schema check passed for reachable databases")
	}
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
