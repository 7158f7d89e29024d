package core

import (
	"strings"
	"testing"
)

func TestConnectionDSNMysqlCredentials(t *testing.T) {
	def := DatabaseDefinition{
		Name:     "trades",
		Driver:   "mysql",
		URL:      "tcp(localhost:3306)/trades",
		Username: "app",
		Password: "secret",
	}

	drv, dsn, err := connectionDSN(def)
	if err != nil {
		t.Fatal(err)
	}
	if drv != "mysql" {
		t.Errorf("driver = %q, want mysql", drv)
	}
	if !strings.HasPrefix(dsn, "app:secret@") {
		t.Errorf("dsn = %q, credentials not woven in", dsn)
	}
	if !strings.Contains(dsn, "tcp(localhost:3306)/trades") {
		t.Errorf("dsn = %q, lost the address", dsn)
	}
}

func TestConnectionDSNMysqlURLPrefix(t *testing.T) {
	def := DatabaseDefinition{
		Name:     "trades",
		Driver:   "mysql",
		URL:      "mysql://tcp(localhost:3306)/trades",
		Username: "app",
	}

	_, dsn, err := connectionDSN(def)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(dsn, "mysql://") {
		t.Errorf("dsn = %q, scheme prefix must be stripped", dsn)
	}
}

func TestConnectionDSNPostgresCredentials(t *testing.T) {
	def := DatabaseDefinition{
		Name:     "trades",
		Driver:   "postgres",
		URL:      "postgres://localhost:5432/trades",
		Username: "app",
		Password: "secret",
	}

	drv, dsn, err := connectionDSN(def)
	if err != nil {
		t.Fatal(err)
	}
	if drv != "pgx" || dsn == "" {
		t.Errorf("driver = %q, dsn = %q", drv, dsn)
	}
}

func TestConnectionDSNSqliteRejectsCredentials(t *testing.T) {
	def := DatabaseDefinition{
		Name:     "local",
		Driver:   "sqlite",
		URL:      "file:local.db",
		Username: "app",
	}

	if _, _, err := connectionDSN(def); err == nil {
		t.Fatal("sqlite with credentials must be rejected")
	} else if CodeOf(err) != CodeConfigInvalid {
		t.Errorf("code = %s, want CONFIG_INVALID", CodeOf(err))
	}
}

func TestConnectionDSNNoCredentials(t *testing.T) {
	def := DatabaseDefinition{Name: "local", Driver: "sqlite", URL: "sqlite://file:local.db"}

	drv, dsn, err := connectionDSN(def)
	if err != nil {
		t.Fatal(err)
	}
	if drv != "sqlite" || dsn != "file:local.db" {
		t.Errorf("driver = %q, dsn = %q", drv, dsn)
	}
}

func TestDriverDSNUnsupported(t *testing.T) {
	if _, _, err := driverDSN("oracle", "oracle://x"); err == nil {
		t.Fatal("unsupported driver must be rejected")
	} else if CodeOf(err) != CodeConfigInvalid {
		t.Errorf("code = %s, want CONFIG_INVALID", CodeOf(err))
	}
}
