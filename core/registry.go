package core

import (
	"sort"
	"strings"
)

// pathSegment is one compiled segment of an endpoint path template:
// either a literal or a {var} capture.
type pathSegment struct {
	literal string
	varName string
}

// Endpoint is a compiled endpoint descriptor: the definition plus its
// resolved query references and path matcher. Dispatch is a table lookup
// and a direct call, no reflection.
type Endpoint struct {
	Def        EndpointDefinition
	Query      QueryDefinition
	CountQuery *QueryDefinition

	segments []pathSegment
	literals int
	order    int
}

// compilePath splits a path template into matchable segments.
func compilePath(path string) ([]pathSegment, int) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	segments := make([]pathSegment, 0, len(parts))
	literals := 0
	for _, part := range parts {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			segments = append(segments, pathSegment{varName: part[1 : len(part)-1]})
		} else {
			segments = append(segments, pathSegment{literal: part})
			literals++
		}
	}
	return segments, literals
}

// match tests a concrete request path against the compiled template and
// extracts path variables.
func (e *Endpoint) match(path string) (map[string]string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != len(e.segments) {
		return nil, false
	}
	var vars map[string]string
	for i, seg := range e.segments {
		if seg.varName != "" {
			if vars == nil {
				vars = make(map[string]string, 2)
			}
			vars[seg.varName] = parts[i]
			continue
		}
		if seg.literal != parts[i] {
			return nil, false
		}
	}
	return vars, true
}

// Registry is the immutable, live routing table. It is compiled from a
// definition set and replaced as a whole by the reload orchestrator;
// lookups never lock.
type Registry struct {
	byMethod map[string][]*Endpoint
	count    int
}

// CompileRegistry builds a registry from a validated definition set.
// Endpoints are ordered so that more specific templates (more literal
// segments) match before wildcard ones; ties break by declaration order.
func CompileRegistry(defs *Definitions) (*Registry, error) {
	r := &Registry{byMethod: make(map[string][]*Endpoint)}

	for _, name := range defs.EndpointNames() {
		def := defs.Endpoints[name]
		query, ok := defs.Queries[def.Query]
		if !ok {
			return nil, NewError(CodeConfigInvalid, "endpoint %q references unknown query %q", name, def.Query)
		}
		ep := &Endpoint{Def: def, Query: query, order: def.order}
		ep.segments, ep.literals = compilePath(def.Path)

		if def.CountQuery != "" {
			cq, ok := defs.Queries[def.CountQuery]
			if !ok {
				return nil, NewError(CodeConfigInvalid, "endpoint %q references unknown count query %q", name, def.CountQuery)
			}
			ep.CountQuery = &cq
		}
		r.byMethod[def.Method] = append(r.byMethod[def.Method], ep)
		r.count++
	}

	for method := range r.byMethod {
		eps := r.byMethod[method]
		sort.SliceStable(eps, func(i, j int) bool {
			if eps[i].literals != eps[j].literals {
				return eps[i].literals > eps[j].literals
			}
			return eps[i].order < eps[j].order
		})
	}
	return r, nil
}

// Lookup resolves a request to the first matching endpoint in
// specificity order and returns the extracted path variables.
func (r *Registry) Lookup(method, path string) (*Endpoint, map[string]string, bool) {
	for _, ep := range r.byMethod[strings.ToUpper(method)] {
		if vars, ok := ep.match(path); ok {
			return ep, vars, true
		}
	}
	return nil, nil, false
}

// Len returns the number of registered endpoints.
func (r *Registry) Len() int { return r.count }

// RouteInfo describes one registered route for the management API.
type RouteInfo struct {
	Name      string `json:"name"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	Query     string `json:"query"`
	Paginated bool   `json:"paginated"`
	Cached    bool   `json:"cached"`
}

// Routes lists all registered routes in match order.
func (r *Registry) Routes() []RouteInfo {
	var out []RouteInfo
	for _, method := range []string{"GET", "POST", "PUT", "DELETE"} {
		for _, ep := range r.byMethod[method] {
			out = append(out, RouteInfo{
				Name:      ep.Def.Name,
				Method:    method,
				Path:      ep.Def.Path,
				Query:     ep.Def.Query,
				Paginated: ep.Def.Paginated(),
				Cached:    ep.Def.Cached(),
			})
		}
	}
	return out
}
