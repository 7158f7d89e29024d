// Package core implements the CORDAL configuration engine and dynamic
// dispatch runtime: definition loading, dependency-graph validation,
// connection pooling, query execution, caching and hot reload.
package core

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ScalarType is the declared type of a query parameter.
type ScalarType string

const (
	ScalarString    ScalarType = "STRING"
	ScalarInt       ScalarType = "INT"
	ScalarLong      ScalarType = "LONG"
	ScalarDouble    ScalarType = "DOUBLE"
	ScalarBool      ScalarType = "BOOL"
	ScalarTimestamp ScalarType = "TIMESTAMP"
)

// ParamSource says where the dispatcher sources a parameter value from.
type ParamSource string

const (
	SourcePath  ParamSource = "PATH"
	SourceQuery ParamSource = "QUERY"
	SourceBody  ParamSource = "BODY"
)

// SupportedDrivers lists the database driver identifiers the pool manager
// can open.
var SupportedDrivers = []string{"postgres", "mysql", "sqlite"}

// ValidateDriver checks if the given driver identifier is supported.
// Empty defaults to postgres.
func ValidateDriver(driver string) error {
	if driver == "" {
		return nil
	}
	for _, d := range SupportedDrivers {
		if strings.EqualFold(driver, d) {
			return nil
		}
	}
	return fmt.Errorf("unsupported driver %q: supported drivers are %s",
		driver, strings.Join(SupportedDrivers, ", "))
}

// PoolConfig holds the connection pool parameters of a database definition.
type PoolConfig struct {
	MaxPoolSize       int    `yaml:"max_pool_size" json:"maxPoolSize" validate:"min=0"`
	MinIdle           int    `yaml:"min_idle" json:"minIdle" validate:"min=0"`
	ConnectionTimeout int    `yaml:"connection_timeout_ms" json:"connectionTimeoutMs" validate:"min=0"`
	IdleTimeout       int    `yaml:"idle_timeout_ms" json:"idleTimeoutMs" validate:"min=0"`
	MaxLifetime       int    `yaml:"max_lifetime_ms" json:"maxLifetimeMs" validate:"min=0"`
	LeakDetection     int    `yaml:"leak_detection_ms" json:"leakDetectionMs" validate:"min=0"`
	HealthCheckQuery  string `yaml:"health_check_query" json:"healthCheckQuery,omitempty"`
}

// DatabaseDefinition declares one pooled backend database.
type DatabaseDefinition struct {
	Name        string     `yaml:"-" json:"name"`
	URL         string     `yaml:"url" json:"url" validate:"required"`
	Driver      string     `yaml:"driver" json:"driver"`
	Username    string     `yaml:"username" json:"username,omitempty"`
	Password    string     `yaml:"password" json:"-"`
	Description string     `yaml:"description" json:"description,omitempty"`
	Pool        PoolConfig `yaml:"pool" json:"pool"`
}

// normalize applies pool defaults and checks pool invariants.
func (d *DatabaseDefinition) normalize() error {
	if err := ValidateDriver(d.Driver); err != nil {
		return err
	}
	if d.Driver == "" {
		d.Driver = "postgres"
	}
	d.Driver = strings.ToLower(d.Driver)

	p := &d.Pool
	if p.MaxPoolSize == 0 {
		p.MaxPoolSize = 10
	}
	if p.ConnectionTimeout == 0 {
		p.ConnectionTimeout = 30000
	}
	if p.IdleTimeout == 0 {
		p.IdleTimeout = 600000
	}
	if p.MaxLifetime == 0 {
		p.MaxLifetime = 1800000
	}
	if p.MinIdle < 0 || p.MaxPoolSize < 0 {
		return fmt.Errorf("pool sizes must not be negative")
	}
	if p.MinIdle > p.MaxPoolSize {
		return fmt.Errorf("min_idle %d exceeds max_pool_size %d", p.MinIdle, p.MaxPoolSize)
	}
	return nil
}

// ConnectionTimeoutDuration returns the connection acquisition timeout.
func (d *DatabaseDefinition) ConnectionTimeoutDuration() time.Duration {
	return time.Duration(d.Pool.ConnectionTimeout) * time.Millisecond
}

// QueryParam is one declared positional parameter of a query.
type QueryParam struct {
	Name     string      `yaml:"name" json:"name" validate:"required"`
	Type     ScalarType  `yaml:"type" json:"type"`
	Required bool        `yaml:"required" json:"required"`
	Default  *string     `yaml:"default" json:"default,omitempty"`
	Source   ParamSource `yaml:"source" json:"source"`
}

// QueryDefinition is a named SQL statement with an ordered parameter list.
// The number of `?` placeholders in SQL must equal len(Params).
type QueryDefinition struct {
	Name           string       `yaml:"-" json:"name"`
	Description    string       `yaml:"description" json:"description,omitempty"`
	Database       string       `yaml:"database" json:"database" validate:"required"`
	SQL            string       `yaml:"sql" json:"sql" validate:"required"`
	Params         []QueryParam `yaml:"parameters" json:"parameters"`
	TimeoutSeconds int          `yaml:"timeout_seconds" json:"timeoutSeconds" validate:"min=0"`
}

const defaultQueryTimeout = 30 * time.Second

// Timeout returns the per-query execution timeout.
func (q *QueryDefinition) Timeout() time.Duration {
	if q.TimeoutSeconds > 0 {
		return time.Duration(q.TimeoutSeconds) * time.Second
	}
	return defaultQueryTimeout
}

func (q *QueryDefinition) normalize() error {
	for i := range q.Params {
		p := &q.Params[i]
		if p.Type == "" {
			p.Type = ScalarString
		}
		p.Type = ScalarType(strings.ToUpper(string(p.Type)))
		switch p.Type {
		case ScalarString, ScalarInt, ScalarLong, ScalarDouble, ScalarBool, ScalarTimestamp:
		default:
			return fmt.Errorf("parameter %q: unknown type %q", p.Name, p.Type)
		}
		if p.Source == "" {
			p.Source = SourceQuery
		}
		p.Source = ParamSource(strings.ToUpper(string(p.Source)))
		switch p.Source {
		case SourcePath, SourceQuery, SourceBody:
		default:
			return fmt.Errorf("parameter %q: unknown source %q", p.Name, p.Source)
		}
	}
	return nil
}

// PaginationSpec enables the paged response envelope on an endpoint.
type PaginationSpec struct {
	Enabled     bool `yaml:"enabled" json:"enabled"`
	DefaultSize int  `yaml:"default_size" json:"defaultSize"`
	MaxSize     int  `yaml:"max_size" json:"maxSize"`
}

// CacheSpec enables response caching on an endpoint. KeyPattern supports
// {var} substitution from bound parameter values.
type CacheSpec struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CacheName  string `yaml:"name" json:"cacheName"`
	TTLSeconds int    `yaml:"ttl_seconds" json:"ttlSeconds"`
	KeyPattern string `yaml:"key_pattern" json:"keyPattern,omitempty"`
}

// TTL returns the configured cache TTL, zero meaning the cache default.
func (c *CacheSpec) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// RateLimitSpec is a per-endpoint token bucket: Requests per WindowSeconds.
type RateLimitSpec struct {
	Enabled       bool `yaml:"enabled" json:"enabled"`
	Requests      int  `yaml:"requests" json:"requests"`
	WindowSeconds int  `yaml:"window_seconds" json:"windowSeconds"`
}

// ResponseShape controls result shaping. Single collapses a one-row result
// to a bare object; FieldMap renames result columns.
type ResponseShape struct {
	Single   bool              `yaml:"single" json:"single"`
	FieldMap map[string]string `yaml:"field_map" json:"fieldMap,omitempty"`
}

// EndpointDefinition binds an HTTP path template and method to a query.
type EndpointDefinition struct {
	Name        string          `yaml:"-" json:"name"`
	Description string          `yaml:"description" json:"description,omitempty"`
	Path        string          `yaml:"path" json:"path" validate:"required"`
	Method      string          `yaml:"method" json:"method"`
	Query       string          `yaml:"query" json:"query" validate:"required"`
	CountQuery  string          `yaml:"count_query" json:"countQuery,omitempty"`
	Pagination  *PaginationSpec `yaml:"pagination" json:"pagination,omitempty"`
	Cache       *CacheSpec      `yaml:"cache" json:"cache,omitempty"`
	RateLimit   *RateLimitSpec  `yaml:"rate_limit" json:"rateLimit,omitempty"`
	Shape       *ResponseShape  `yaml:"response" json:"response,omitempty"`

	// order preserves declaration order across admitted files; it breaks
	// specificity ties during registry compilation.
	order int
}

func (e *EndpointDefinition) normalize() error {
	if e.Method == "" {
		e.Method = "GET"
	}
	e.Method = strings.ToUpper(e.Method)
	switch e.Method {
	case "GET", "POST", "PUT", "DELETE":
	default:
		return fmt.Errorf("unsupported method %q", e.Method)
	}
	if !strings.HasPrefix(e.Path, "/") {
		return fmt.Errorf("path %q must start with '/'", e.Path)
	}
	if e.Pagination != nil && e.Pagination.Enabled {
		if e.Pagination.DefaultSize <= 0 {
			e.Pagination.DefaultSize = 20
		}
		if e.Pagination.MaxSize <= 0 {
			e.Pagination.MaxSize = 100
		}
	}
	return nil
}

// Paginated reports whether the endpoint uses the paged envelope.
func (e *EndpointDefinition) Paginated() bool {
	return e.Pagination != nil && e.Pagination.Enabled
}

// Cached reports whether the endpoint caches responses.
func (e *EndpointDefinition) Cached() bool {
	return e.Cache != nil && e.Cache.Enabled
}

// PathVars returns the {var} names of the endpoint path in order.
func (e *EndpointDefinition) PathVars() []string {
	var vars []string
	for _, seg := range strings.Split(e.Path, "/") {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			vars = append(vars, seg[1:len(seg)-1])
		}
	}
	return vars
}

// Definitions is the full configuration set the loader produces:
// three name-keyed maps forming the endpoint -> query -> database graph.
type Definitions struct {
	Databases map[string]DatabaseDefinition `json:"databases"`
	Queries   map[string]QueryDefinition    `json:"queries"`
	Endpoints map[string]EndpointDefinition `json:"endpoints"`
}

// NewDefinitions returns an empty definition set.
func NewDefinitions() *Definitions {
	return &Definitions{
		Databases: make(map[string]DatabaseDefinition),
		Queries:   make(map[string]QueryDefinition),
		Endpoints: make(map[string]EndpointDefinition),
	}
}

// EndpointNames returns endpoint names in declaration order.
func (d *Definitions) EndpointNames() []string {
	names := make([]string, 0, len(d.Endpoints))
	for name := range d.Endpoints {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := d.Endpoints[names[i]], d.Endpoints[names[j]]
		if a.order != b.order {
			return a.order < b.order
		}
		return names[i] < names[j]
	})
	return names
}
