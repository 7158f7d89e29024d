package core

import (
	"context"
	"strings"
	"testing"
)

func validTestDefs() *Definitions {
	defs := NewDefinitions()
	defs.Databases["db"] = DatabaseDefinition{Name: "db", URL: "postgres://localhost/x", Driver: "postgres"}
	defs.Queries["by-id"] = QueryDefinition{
		Name: "by-id", Database: "db",
		SQL:    "SELECT * FROM trades WHERE id = ?",
		Params: []QueryParam{{Name: "id", Type: ScalarLong, Required: true, Source: SourcePath}},
	}
	defs.Queries["all"] = QueryDefinition{Name: "all", Database: "db", SQL: "SELECT * FROM trades"}
	defs.Queries["count-all"] = QueryDefinition{Name: "count-all", Database: "db", SQL: "SELECT count(*) FROM trades"}
	defs.Endpoints["by-id"] = EndpointDefinition{
		Name: "by-id", Path: "/api/trades/{id}", Method: "GET", Query: "by-id",
	}
	defs.Endpoints["list"] = EndpointDefinition{
		Name: "list", Path: "/api/trades", Method: "GET", Query: "all", CountQuery: "count-all",
		Pagination: &PaginationSpec{Enabled: true, DefaultSize: 20, MaxSize: 100}, order: 1,
	}
	return defs
}

func validateDefs(t *testing.T, defs *Definitions) *ValidationReport {
	t.Helper()
	return NewValidator(nil, nil).Validate(context.Background(), defs)
}

func TestValidateAccepts(t *testing.T) {
	report := validateDefs(t, validTestDefs())
	if !report.Valid() {
		t.Fatalf("expected valid, got errors: %v", report.Errors)
	}
	if len(report.Successes) == 0 {
		t.Error("valid report should carry success messages")
	}
}

func TestValidatePlaceholderArity(t *testing.T) {
	defs := validTestDefs()
	q := defs.Queries["by-id"]
	q.SQL = "SELECT * FROM trades WHERE id = ? AND status = ?"
	defs.Queries["by-id"] = q

	report := validateDefs(t, defs)
	if report.Valid() {
		t.Fatal("two placeholders with one declared parameter must fail")
	}
	found := false
	for _, e := range report.Errors {
		if strings.Contains(e, "2 placeholders") && strings.Contains(e, "1 declared") {
			found = true
		}
	}
	if !found {
		t.Errorf("arity error missing from %v", report.Errors)
	}
}

func TestValidateUnknownQuery(t *testing.T) {
	defs := validTestDefs()
	ep := defs.Endpoints["by-id"]
	ep.Query = "nope"
	defs.Endpoints["by-id"] = ep

	if report := validateDefs(t, defs); report.Valid() {
		t.Fatal("endpoint with unknown query must fail")
	}
}

func TestValidateUnknownDatabase(t *testing.T) {
	defs := validTestDefs()
	q := defs.Queries["all"]
	q.Database = "nope"
	defs.Queries["all"] = q

	if report := validateDefs(t, defs); report.Valid() {
		t.Fatal("query with unknown database must fail")
	}
}

func TestValidatePaginationNeedsCountQuery(t *testing.T) {
	defs := validTestDefs()
	ep := defs.Endpoints["list"]
	ep.CountQuery = ""
	defs.Endpoints["list"] = ep

	if report := validateDefs(t, defs); report.Valid() {
		t.Fatal("paginated endpoint without count query must fail")
	}
}

func TestValidateRejectsLimitInPaginatedQuery(t *testing.T) {
	defs := validTestDefs()
	q := defs.Queries["all"]
	q.SQL = "SELECT * FROM trades LIMIT 50"
	defs.Queries["all"] = q

	report := validateDefs(t, defs)
	if report.Valid() {
		t.Fatal("paginated endpoint over a LIMIT query must fail")
	}
}

func TestValidatePathVarNeedsPathParam(t *testing.T) {
	defs := validTestDefs()
	q := defs.Queries["by-id"]
	q.Params[0].Source = SourceQuery
	defs.Queries["by-id"] = q

	report := validateDefs(t, defs)
	if report.Valid() {
		t.Fatal("path variable without a PATH-sourced parameter must fail")
	}
}

func TestReportErr(t *testing.T) {
	report := NewValidationReport()
	if report.Err() != nil {
		t.Error("empty report should produce no error")
	}
	report.Errorf("boom")
	err := report.Err()
	if err == nil {
		t.Fatal("failed report should produce an error")
	}
	if CodeOf(err) != CodeConfigInvalid {
		t.Errorf("code = %s, want CONFIG_INVALID", CodeOf(err))
	}
}
