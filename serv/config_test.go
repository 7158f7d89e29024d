package serv

import (
	"testing"

	"github.com/qbloq/cordal/core"
)

func TestNewConfigDefaults(t *testing.T) {
	conf, err := NewConfig("app_name: Test\n", "yaml")
	if err != nil {
		t.Fatal(err)
	}

	if conf.AppName != "Test" {
		t.Errorf("app_name = %q", conf.AppName)
	}
	if conf.HostPort != "0.0.0.0:8080" {
		t.Errorf("host_port default = %q", conf.HostPort)
	}
	if conf.ConfigSource != "file" {
		t.Errorf("config_source default = %q", conf.ConfigSource)
	}
	if conf.Cache.MaxEntries != 1000 || conf.Cache.TTL != 300 {
		t.Errorf("cache defaults = %+v", conf.Cache)
	}
	if conf.Reload.MaxAttempts != 3 || conf.Reload.HistoryLimit != 10 {
		t.Errorf("reload defaults = %+v", conf.Reload)
	}
	if !conf.Reload.WatchAndReload {
		t.Error("reload_on_config_change should default to true")
	}
}

func TestNewConfigFull(t *testing.T) {
	yml := `
app_name: Trades
host_port: localhost:9090
config_source: store
config_store:
  driver: postgres
  url: postgres://localhost/configdb
  import_on_empty: true
cache:
  max_entries: 50
  ttl: 10
invalidation_rules:
  - event_type: trade_update
    patterns: ["trade:{id}:*"]
    caches: ["trades"]
rate_limiter:
  rate: 100
  bucket: 20
cors_allowed_origins: ["https://example.com"]
`
	conf, err := NewConfig(yml, "yaml")
	if err != nil {
		t.Fatal(err)
	}

	if conf.ConfigSource != "store" || conf.Store.Driver != "postgres" || !conf.Store.ImportOnEmpty {
		t.Errorf("store config = %+v", conf.Store)
	}
	if conf.Cache.MaxEntries != 50 || conf.Cache.TTL != 10 {
		t.Errorf("cache config = %+v", conf.Cache)
	}
	if len(conf.InvalidationRules) != 1 || conf.InvalidationRules[0].EventType != "trade_update" {
		t.Errorf("invalidation rules = %+v", conf.InvalidationRules)
	}
	if !conf.RateLimiter.enabled() {
		t.Error("rate limiter should be enabled")
	}
	if len(conf.AllowedOrigins) != 1 {
		t.Errorf("cors origins = %v", conf.AllowedOrigins)
	}
}

func TestShouldUseJSONLogs(t *testing.T) {
	c := &Config{LogFormat: "json"}
	if !c.ShouldUseJSONLogs() {
		t.Error("log_format json should force JSON logs")
	}

	c = &Config{LogFormat: "auto", Production: true}
	if !c.ShouldUseJSONLogs() {
		t.Error("auto in production should be JSON")
	}

	c = &Config{LogFormat: "auto"}
	if c.ShouldUseJSONLogs() {
		t.Error("auto in development should be console")
	}

	c = &Config{LogFormat: "simple", Production: true}
	if c.ShouldUseJSONLogs() {
		t.Error("simple should never be JSON")
	}
}

func TestPatternsGlobs(t *testing.T) {
	p := PatternsConfig{Queries: []string{"*.sql.yml"}}
	globs := p.Globs()

	if len(globs[core.KindQueries]) != 1 || globs[core.KindQueries][0] != "*.sql.yml" {
		t.Errorf("queries globs = %v", globs[core.KindQueries])
	}
	// unset kinds keep the defaults
	if len(globs[core.KindDatabases]) == 0 {
		t.Error("databases globs should fall back to defaults")
	}
}
