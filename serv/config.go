package serv

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/qbloq/cordal/core"
	"github.com/qbloq/cordal/serv/internal/util"
)

// Configuration for the CORDAL service
type Config struct {
	// Application name is used in log and debug messages
	AppName string `mapstructure:"app_name"`

	// When enabled runs the service with production defaults: JSON logs,
	// no hot reload unless explicitly requested
	Production bool

	// The host and port the service runs on. Example localhost:8080
	HostPort string `mapstructure:"host_port"`

	// Host to run the service on
	Host string

	// Port to run the service on
	Port string

	// Logging level must be one of debug, error, warn, info
	LogLevel string `mapstructure:"log_level"`

	// Logging Format: "auto" (default, colored console in dev, JSON in
	// production), "json" (always JSON), or "simple" (always console)
	LogFormat string `mapstructure:"log_format"`

	// Where definitions come from: "file" (YAML directories) or "store"
	// (configuration database tables)
	ConfigSource string `mapstructure:"config_source"`

	// Directories scanned for YAML definition files (file source)
	ConfigDirs []string `mapstructure:"config_dirs"`

	// File name patterns admitting files into each definition kind.
	// Empty uses the built-in defaults.
	Patterns PatternsConfig `mapstructure:"patterns"`

	// Configuration store connection (store source)
	Store StoreConfig `mapstructure:"config_store"`

	// Response cache defaults
	Cache CacheConfig `mapstructure:"cache"`

	// Hot reload behavior
	Reload ReloadConfig `mapstructure:"reload"`

	// Event-driven cache invalidation rules
	InvalidationRules []core.InvalidationRule `mapstructure:"invalidation_rules"`

	// Sets the API rate limits
	RateLimiter RateLimiter `mapstructure:"rate_limiter"`

	// Sets the HTTP CORS Access-Control-Allow-Origin header
	AllowedOrigins []string `mapstructure:"cors_allowed_origins"`

	// Sets the HTTP CORS Access-Control-Allow-Headers header
	AllowedHeaders []string `mapstructure:"cors_allowed_headers"`

	// Enables debug logs for CORS
	DebugCORS bool `mapstructure:"cors_debug"`

	hostPort string
	viper    *viper.Viper
}

// PatternsConfig overrides the file admission globs per definition kind
type PatternsConfig struct {
	Databases []string `mapstructure:"databases"`
	Queries   []string `mapstructure:"queries"`
	Endpoints []string `mapstructure:"endpoints"`
}

// Globs converts the configured patterns to loader globs, falling back
// to the defaults for unset kinds
func (p PatternsConfig) Globs() core.KindGlobs {
	globs := core.DefaultGlobs()
	if len(p.Databases) > 0 {
		globs[core.KindDatabases] = p.Databases
	}
	if len(p.Queries) > 0 {
		globs[core.KindQueries] = p.Queries
	}
	if len(p.Endpoints) > 0 {
		globs[core.KindEndpoints] = p.Endpoints
	}
	return globs
}

// StoreConfig points at the configuration store database
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`

	// Seed the store from the config directories when its tables are empty
	ImportOnEmpty bool `mapstructure:"import_on_empty"`
}

// CacheConfig sets the named cache defaults
type CacheConfig struct {
	// Max entries per named cache before LRU eviction
	MaxEntries int `mapstructure:"max_entries"`

	// Default TTL in seconds for entries without an endpoint-level TTL
	TTL int `mapstructure:"ttl"`

	// Background expiry sweep interval in seconds
	SweepInterval int `mapstructure:"sweep_interval"`
}

// ReloadConfig sets the hot reload behavior
type ReloadConfig struct {
	// Enables reloading the service on config changes
	WatchAndReload bool `mapstructure:"reload_on_config_change"`

	// Debounce window in milliseconds for coalescing file events
	DebounceMs int `mapstructure:"debounce_ms"`

	// Attempts per reload cycle before giving up
	MaxAttempts int `mapstructure:"max_attempts"`

	// Snapshots retained for rollback
	HistoryLimit int `mapstructure:"history_limit"`

	// Verify referenced tables and columns against live databases during
	// validation
	LiveValidation bool `mapstructure:"live_validation"`
}

// RateLimiter sets the API rate limits
type RateLimiter struct {
	// The number of events per second
	Rate float64

	// Bucket a burst of at most 'bucket' number of events
	Bucket int

	// The header that contains the client ip
	IPHeader string `mapstructure:"ip_header"`
}

// enabled reports whether the global per-client limiter is configured
func (r RateLimiter) enabled() bool {
	return r.Rate > 0 && r.Bucket > 0
}

// ReadInConfig function reads in the config file for the environment
// specified in the GO_ENV environment variable.
func ReadInConfig(configFile string) (*Config, error) {
	return readInConfig(configFile, nil)
}

// ReadInConfigFS is the same as ReadInConfig but it also takes a
// filesystem as an argument
func ReadInConfigFS(configFile string, fs afero.Fs) (*Config, error) {
	return readInConfig(configFile, fs)
}

func readInConfig(configFile string, fs afero.Fs) (*Config, error) {
	cp := filepath.Dir(configFile)
	vi := newViper(cp, filepath.Base(configFile))

	if fs != nil {
		vi.SetFs(fs)
	}

	if err := vi.ReadInConfig(); err != nil {
		return nil, err
	}

	for _, e := range os.Environ() {
		if strings.HasPrefix(e, "CORDAL_") {
			kv := strings.SplitN(e, "=", 2)
			util.SetKeyValue(vi, kv[0], kv[1])
		}
	}

	config := &Config{viper: vi}
	if err := vi.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode config, %v", err)
	}

	if len(config.ConfigDirs) == 0 {
		config.ConfigDirs = []string{cp}
	}
	return config, nil
}

// NewConfig creates a service configuration from the provided config
// string
func NewConfig(config, format string) (*Config, error) {
	if format == "" {
		format = "yaml"
	}

	vi := newViperWithDefaults()
	vi.SetConfigType(format)

	if err := vi.ReadConfig(strings.NewReader(config)); err != nil {
		return nil, err
	}

	c := &Config{viper: vi}
	if err := vi.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to decode config, %v", err)
	}
	return c, nil
}

// newViperWithDefaults returns a new viper instance with the default
// settings
func newViperWithDefaults() *viper.Viper {
	vi := viper.New()

	vi.SetDefault("app_name", "CORDAL")
	vi.SetDefault("host_port", "0.0.0.0:8080")

	vi.SetDefault("log_level", "info")
	vi.SetDefault("log_format", "auto")

	vi.SetDefault("config_source", "file")

	vi.SetDefault("cache.max_entries", 1000)
	vi.SetDefault("cache.ttl", 300)
	vi.SetDefault("cache.sweep_interval", 30)

	vi.SetDefault("reload.reload_on_config_change", true)
	vi.SetDefault("reload.debounce_ms", 300)
	vi.SetDefault("reload.max_attempts", 3)
	vi.SetDefault("reload.history_limit", 10)

	vi.SetDefault("env", "development")

	vi.BindEnv("env", "GO_ENV") //nolint:errcheck
	vi.BindEnv("host", "HOST")  //nolint:errcheck
	vi.BindEnv("port", "PORT")  //nolint:errcheck

	return vi
}

// newViper returns a new viper instance for the given config file
func newViper(configPath, configFile string) *viper.Viper {
	vi := newViperWithDefaults()
	vi.SetConfigName(strings.TrimSuffix(configFile, filepath.Ext(configFile)))

	if configPath == "" {
		vi.AddConfigPath("./config")
	} else {
		vi.AddConfigPath(configPath)
	}

	return vi
}

// AbsolutePath returns the absolute path of the file relative to the
// first config directory
func (c *Config) AbsolutePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	if len(c.ConfigDirs) > 0 {
		return filepath.Join(c.ConfigDirs[0], p)
	}
	return p
}

// ShouldUseJSONLogs returns true if logs should be in JSON format.
// Returns true if log_format is "json" OR if log_format is "auto" and
// production mode is enabled.
func (c *Config) ShouldUseJSONLogs() bool {
	if c.LogFormat == "json" {
		return true
	}
	if c.LogFormat == "auto" && c.Production {
		return true
	}
	return false
}

// GetConfigName returns the name of the configuration for the current
// environment
func GetConfigName() string {
	goEnv := strings.TrimSpace(strings.ToLower(os.Getenv("GO_ENV")))

	switch goEnv {
	case "production", "prod":
		return "prod"

	case "staging", "stage":
		return "stage"

	case "testing", "test":
		return "test"

	case "development", "dev", "":
		return "dev"

	default:
		return goEnv
	}
}
