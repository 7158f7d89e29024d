package core

import (
	"context"
	"testing"

	"github.com/spf13/afero"
)

const testDatabasesYAML = `databases:
  trades-db:
    url: postgres://localhost:5432/trades
    driver: postgres
    pool:
      max_pool_size: 5
`

const testQueriesYAML = `queries:
  all-trades:
    database: trades-db
    sql: SELECT * FROM stock_trades
  trade-by-id:
    database: trades-db
    sql: SELECT * FROM stock_trades WHERE id = ?
    parameters:
      - name: id
        type: LONG
        required: true
        source: PATH
`

const testEndpointsYAML = `endpoints:
  trade-by-id:
    path: /api/stock-trades/{id}
    method: GET
    query: trade-by-id
  all-trades:
    path: /api/stock-trades
    query: all-trades
`

func writeTestConfig(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := fs.MkdirAll("/config", 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if err := afero.WriteFile(fs, "/config/"+name, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return fs
}

func TestFileLoaderLoad(t *testing.T) {
	fs := writeTestConfig(t, map[string]string{
		"trades-databases.yml": testDatabasesYAML,
		"trades-queries.yml":   testQueriesYAML,
		"trades-api.yml":       testEndpointsYAML,
		"README.md":            "not a config file",
	})

	loader := NewFileLoaderFS(fs, []string{"/config"}, nil, nil)
	defs, err := loader.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(defs.Databases) != 1 || len(defs.Queries) != 2 || len(defs.Endpoints) != 2 {
		t.Fatalf("loaded %d/%d/%d definitions, want 1/2/2",
			len(defs.Databases), len(defs.Queries), len(defs.Endpoints))
	}

	db := defs.Databases["trades-db"]
	if db.Pool.MaxPoolSize != 5 {
		t.Errorf("max_pool_size = %d, want 5", db.Pool.MaxPoolSize)
	}
	if db.Pool.ConnectionTimeout != 30000 {
		t.Errorf("connection_timeout default = %d, want 30000", db.Pool.ConnectionTimeout)
	}

	q := defs.Queries["trade-by-id"]
	if len(q.Params) != 1 || q.Params[0].Source != SourcePath || q.Params[0].Type != ScalarLong {
		t.Errorf("parameter not decoded: %+v", q.Params)
	}

	ep := defs.Endpoints["all-trades"]
	if ep.Method != "GET" {
		t.Errorf("method default = %q, want GET", ep.Method)
	}

	// declaration order preserved for registry tiebreaks
	names := defs.EndpointNames()
	if names[0] != "trade-by-id" || names[1] != "all-trades" {
		t.Errorf("EndpointNames = %v, want declaration order", names)
	}
}

func TestFileLoaderDuplicateNames(t *testing.T) {
	fs := writeTestConfig(t, map[string]string{
		"a-queries.yml": "queries:\n  dup:\n    database: db\n    sql: SELECT 1\n",
		"b-queries.yml": "queries:\n  dup:\n    database: db\n    sql: SELECT 2\n",
	})

	loader := NewFileLoaderFS(fs, []string{"/config"}, nil, nil)
	_, err := loader.Load(context.Background())
	if err == nil {
		t.Fatal("duplicate names across files must fail")
	}
	if CodeOf(err) != CodeConflict {
		t.Errorf("code = %s, want CONFLICT", CodeOf(err))
	}
}

func TestFileLoaderEmptyConfig(t *testing.T) {
	fs := writeTestConfig(t, nil)
	loader := NewFileLoaderFS(fs, []string{"/config"}, nil, nil)

	_, err := loader.Load(context.Background())
	if err == nil {
		t.Fatal("empty configuration must fail")
	}
	if CodeOf(err) != CodeConfigInvalid {
		t.Errorf("code = %s, want CONFIG_INVALID", CodeOf(err))
	}
}

func TestFileLoaderInvalidDefinition(t *testing.T) {
	fs := writeTestConfig(t, map[string]string{
		"x-databases.yml": "databases:\n  bad:\n    driver: oracle\n    url: oracle://x\n",
	})
	loader := NewFileLoaderFS(fs, []string{"/config"}, nil, nil)

	if _, err := loader.Load(context.Background()); err == nil {
		t.Fatal("unsupported driver must fail")
	}
}

func TestFileLoaderMissingRequiredField(t *testing.T) {
	fs := writeTestConfig(t, map[string]string{
		"x-queries.yml": "queries:\n  no-sql:\n    database: db\n",
	})
	loader := NewFileLoaderFS(fs, []string{"/config"}, nil, nil)

	if _, err := loader.Load(context.Background()); err == nil {
		t.Fatal("query without sql must fail validation")
	}
}

func TestKindGlobs(t *testing.T) {
	globs := DefaultGlobs()
	tests := []struct {
		file string
		kind Kind
		ok   bool
	}{
		{"stock-databases.yml", KindDatabases, true},
		{"stock-database.yml", KindDatabases, true},
		{"stock-queries.yml", KindQueries, true},
		{"stock-api.yml", KindEndpoints, true},
		{"stock-endpoints.yml", KindEndpoints, true},
		{"notes.txt", "", false},
		{"databases.yml", "", false},
	}
	for _, tt := range tests {
		kind, ok := globs.kindOf(tt.file)
		if ok != tt.ok || kind != tt.kind {
			t.Errorf("kindOf(%q) = %q/%t, want %q/%t", tt.file, kind, ok, tt.kind, tt.ok)
		}
	}
}
