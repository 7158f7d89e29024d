package core

import "testing"

func testDefs() *Definitions {
	defs := NewDefinitions()
	defs.Databases["trades-db"] = DatabaseDefinition{Name: "trades-db", URL: "postgres://localhost/trades", Driver: "postgres"}
	defs.Queries["all-trades"] = QueryDefinition{Name: "all-trades", Database: "trades-db", SQL: "SELECT * FROM stock_trades"}
	defs.Queries["trade-by-id"] = QueryDefinition{
		Name: "trade-by-id", Database: "trades-db",
		SQL:    "SELECT * FROM stock_trades WHERE id = ?",
		Params: []QueryParam{{Name: "id", Type: ScalarLong, Required: true, Source: SourcePath}},
	}
	defs.Queries["trades-by-range"] = QueryDefinition{
		Name: "trades-by-range", Database: "trades-db",
		SQL: "SELECT * FROM stock_trades WHERE trade_date BETWEEN ? AND ?",
		Params: []QueryParam{
			{Name: "start", Type: ScalarTimestamp, Required: true, Source: SourceQuery},
			{Name: "end", Type: ScalarTimestamp, Required: true, Source: SourceQuery},
		},
	}
	defs.Endpoints["trade-by-id"] = EndpointDefinition{
		Name: "trade-by-id", Path: "/api/stock-trades/{id}", Method: "GET",
		Query: "trade-by-id", order: 0,
	}
	defs.Endpoints["trades-by-range"] = EndpointDefinition{
		Name: "trades-by-range", Path: "/api/stock-trades/date-range", Method: "GET",
		Query: "trades-by-range", order: 1,
	}
	return defs
}

func TestRegistrySpecificityOrder(t *testing.T) {
	r, err := CompileRegistry(testDefs())
	if err != nil {
		t.Fatal(err)
	}

	// the literal path must win over the {id} template even though the
	// template was declared first
	ep, vars, ok := r.Lookup("GET", "/api/stock-trades/date-range")
	if !ok {
		t.Fatal("no endpoint matched /api/stock-trades/date-range")
	}
	if ep.Def.Name != "trades-by-range" {
		t.Errorf("matched %q, want trades-by-range", ep.Def.Name)
	}
	if len(vars) != 0 {
		t.Errorf("literal match extracted vars: %v", vars)
	}

	ep, vars, ok = r.Lookup("GET", "/api/stock-trades/42")
	if !ok {
		t.Fatal("no endpoint matched /api/stock-trades/42")
	}
	if ep.Def.Name != "trade-by-id" {
		t.Errorf("matched %q, want trade-by-id", ep.Def.Name)
	}
	if vars["id"] != "42" {
		t.Errorf("vars = %v, want id=42", vars)
	}
}

func TestRegistryLookupMiss(t *testing.T) {
	r, err := CompileRegistry(testDefs())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, ok := r.Lookup("GET", "/api/unknown"); ok {
		t.Error("unexpected match for /api/unknown")
	}
	if _, _, ok := r.Lookup("POST", "/api/stock-trades/42"); ok {
		t.Error("method should participate in matching")
	}
}

func TestRegistryUnknownQuery(t *testing.T) {
	defs := testDefs()
	defs.Endpoints["broken"] = EndpointDefinition{
		Name: "broken", Path: "/api/broken", Method: "GET", Query: "missing", order: 2,
	}
	if _, err := CompileRegistry(defs); err == nil {
		t.Fatal("expected error for endpoint referencing unknown query")
	} else if CodeOf(err) != CodeConfigInvalid {
		t.Errorf("error code = %s, want CONFIG_INVALID", CodeOf(err))
	}
}

func TestRegistryRoutes(t *testing.T) {
	r, err := CompileRegistry(testDefs())
	if err != nil {
		t.Fatal(err)
	}
	routes := r.Routes()
	if len(routes) != 2 {
		t.Fatalf("Routes() returned %d entries, want 2", len(routes))
	}
	// match order: the more specific route first
	if routes[0].Name != "trades-by-range" {
		t.Errorf("first route = %q, want trades-by-range", routes[0].Name)
	}
}
