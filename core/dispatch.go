package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Response is the outcome of dispatching one request to a configured
// endpoint.
type Response struct {
	Body     interface{}
	CacheHit bool
}

// PagedResult is the envelope of a paginated endpoint.
type PagedResult struct {
	Data          []map[string]interface{} `json:"data"`
	Page          int64                    `json:"page"`
	Size          int64                    `json:"size"`
	TotalElements int64                    `json:"totalElements"`
	TotalPages    int64                    `json:"totalPages"`
}

// Execute dispatches a request against the live registry: endpoint
// lookup, parameter binding, optional pagination, optional caching, and
// response shaping. The whole call runs against one engine load, so a
// concurrent reload never mixes configurations within a request.
func (c *Cordal) Execute(ctx context.Context, method, path string, query url.Values, body []byte) (*Response, error) {
	e := c.engine()
	ep, vars, ok := e.registry.Lookup(method, path)
	if !ok {
		return nil, NewError(CodeNotFound, "no endpoint matches %s %s", method, path)
	}

	lookup, err := newParamLookup(vars, query, body)
	if err != nil {
		return nil, err
	}
	bound, err := BindParams(ep.Query, lookup.valueFor)
	if err != nil {
		return nil, err
	}

	if !ep.Def.Cached() {
		payload, err := c.produce(ctx, ep, lookup, bound, query)
		if err != nil {
			return nil, err
		}
		return &Response{Body: payload}, nil
	}

	spec := ep.Def.Cache
	key := cacheKey(ep, spec, lookup, bound, query)
	if cached, hit := c.caches.Get(spec.CacheName, key); hit {
		return &Response{Body: cached, CacheHit: true}, nil
	}

	// singleflight collapses concurrent misses on the same key into one
	// query execution
	payload, err, _ := c.flight.Do(spec.CacheName+"\x00"+key, func() (interface{}, error) {
		if cached, hit := c.caches.Get(spec.CacheName, key); hit {
			return cached, nil
		}
		payload, err := c.produce(ctx, ep, lookup, bound, query)
		if err != nil {
			return nil, err
		}
		c.caches.Put(spec.CacheName, key, payload, spec.TTL())
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return &Response{Body: payload}, nil
}

// produce runs the endpoint's query (paged or plain) and shapes the
// result.
func (c *Cordal) produce(ctx context.Context, ep *Endpoint, lookup *paramLookup,
	bound []interface{}, query url.Values,
) (interface{}, error) {
	if ep.Def.Paginated() {
		return c.producePaged(ctx, ep, lookup, bound, query)
	}

	rs, err := c.exec.Execute(ctx, ep.Query, bound)
	if err != nil {
		return nil, err
	}
	return shapeResult(ep.Def.Shape, rs)
}

func (c *Cordal) producePaged(ctx context.Context, ep *Endpoint, lookup *paramLookup,
	bound []interface{}, query url.Values,
) (interface{}, error) {
	page, size, err := pageParams(query, ep.Def.Pagination)
	if err != nil {
		return nil, err
	}

	countBound, err := BindParams(*ep.CountQuery, lookup.valueFor)
	if err != nil {
		return nil, err
	}
	total, err := c.exec.ExecuteCount(ctx, *ep.CountQuery, countBound)
	if err != nil {
		return nil, err
	}

	rs, err := c.exec.ExecutePaged(ctx, ep.Query, bound, size, page*size)
	if err != nil {
		return nil, err
	}
	rows := applyFieldMap(ep.Def.Shape, rs.Rows)
	if rows == nil {
		rows = []map[string]interface{}{}
	}

	totalPages := total / size
	if total%size != 0 {
		totalPages++
	}
	return &PagedResult{
		Data:          rows,
		Page:          page,
		Size:          size,
		TotalElements: total,
		TotalPages:    totalPages,
	}, nil
}

// pageParams reads and clamps the page and size query parameters.
func pageParams(query url.Values, spec *PaginationSpec) (page, size int64, err error) {
	page = 0
	size = int64(spec.DefaultSize)

	if raw := query.Get("page"); raw != "" {
		page, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || page < 0 {
			return 0, 0, NewError(CodeBadRequest, "page must be a non-negative integer, got %q", raw)
		}
	}
	if raw := query.Get("size"); raw != "" {
		size, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, 0, NewError(CodeBadRequest, "size must be an integer, got %q", raw)
		}
	}
	// size is clamped into [1, maxSize] rather than rejected
	if size < 1 {
		size = 1
	}
	if max := int64(spec.MaxSize); size > max {
		size = max
	}
	return page, size, nil
}

// shapeResult applies the endpoint's response shape to a result set.
func shapeResult(shape *ResponseShape, rs *ResultSet) (interface{}, error) {
	rows := applyFieldMap(shape, rs.Rows)
	if shape != nil && shape.Single {
		switch len(rows) {
		case 0:
			return nil, NewError(CodeNotFound, "no matching row")
		case 1:
			return rows[0], nil
		default:
			return nil, NewError(CodeQueryFailed, "expected a single row, got %d", len(rows))
		}
	}
	if rows == nil {
		rows = []map[string]interface{}{}
	}
	return rows, nil
}

// applyFieldMap renames result columns per the shape's field map.
func applyFieldMap(shape *ResponseShape, rows []map[string]interface{}) []map[string]interface{} {
	if shape == nil || len(shape.FieldMap) == 0 {
		return rows
	}
	out := make([]map[string]interface{}, len(rows))
	for i, row := range rows {
		mapped := make(map[string]interface{}, len(row))
		for col, v := range row {
			if renamed, ok := shape.FieldMap[col]; ok {
				mapped[renamed] = v
			} else {
				mapped[col] = v
			}
		}
		out[i] = mapped
	}
	return out
}

// cacheKey builds the cache key for a request: the endpoint's key
// pattern with {var} substitution when configured, otherwise the query
// name plus all bound parameter values in alphabetical order.
func cacheKey(ep *Endpoint, spec *CacheSpec, lookup *paramLookup,
	bound []interface{}, query url.Values,
) string {
	values := make(map[string]interface{}, len(ep.Query.Params))
	for i, p := range ep.Query.Params {
		if i < len(bound) && bound[i] != nil {
			values[p.Name] = bound[i]
		}
	}

	if spec.KeyPattern != "" {
		return substituteVars(spec.KeyPattern, values)
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(ep.Query.Name)
	for i, name := range names {
		if i == 0 {
			b.WriteString(":")
		} else {
			b.WriteString("&")
		}
		fmt.Fprintf(&b, "%s=%v", name, values[name])
	}
	if ep.Def.Paginated() {
		if p := query.Get("page"); p != "" {
			fmt.Fprintf(&b, "&page=%s", p)
		}
		if s := query.Get("size"); s != "" {
			fmt.Fprintf(&b, "&size=%s", s)
		}
	}
	return b.String()
}

// paramLookup resolves raw parameter values from path variables, query
// string and a JSON body. The body is parsed once, on first use.
type paramLookup struct {
	vars  map[string]string
	query url.Values
	body  map[string]interface{}
}

func newParamLookup(vars map[string]string, query url.Values, body []byte) (*paramLookup, error) {
	l := &paramLookup{vars: vars, query: query}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &l.body); err != nil {
			return nil, WrapError(CodeBadRequest, err, "request body is not a JSON object")
		}
	}
	return l, nil
}

// valueFor returns the raw value of a parameter from its declared
// source, nil when absent.
func (l *paramLookup) valueFor(p QueryParam) (*string, error) {
	switch p.Source {
	case SourcePath:
		if v, ok := l.vars[p.Name]; ok {
			return &v, nil
		}
		return nil, nil
	case SourceQuery, "":
		if l.query == nil {
			return nil, nil
		}
		if vs, ok := l.query[p.Name]; ok && len(vs) > 0 {
			return &vs[0], nil
		}
		return nil, nil
	case SourceBody:
		if l.body == nil {
			return nil, nil
		}
		v, ok := l.body[p.Name]
		if !ok || v == nil {
			return nil, nil
		}
		s := fmt.Sprint(v)
		// JSON numbers print with a float suffix; trim it for integer types
		if f, isFloat := v.(float64); isFloat && f == float64(int64(f)) {
			s = strconv.FormatInt(int64(f), 10)
		}
		return &s, nil
	default:
		return nil, NewError(CodeBadRequest, "parameter %q has unknown source %q", p.Name, p.Source)
	}
}
