package serv

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/qbloq/cordal/core"
	"github.com/qbloq/cordal/serv/internal/util"
)

var version string

const (
	serverName = "CORDAL"
	defaultHP  = "0.0.0.0:8080"
)

type servState int

const (
	servStarted servState = iota
	servListening
)

// cordalService is the immutable service state behind HttpService. A
// restart after a config-file change builds a fresh one and swaps it in.
type cordalService struct {
	conf     *Config
	log      *zap.SugaredLogger
	zlog     *zap.Logger
	logLevel int

	core    *core.Cordal
	store   *core.StoreLoader
	metrics *metricsRegistry
	limits  *endpointLimiters

	srv     *http.Server
	closeFn func()
	state   servState
}

const (
	logLevelNone int = iota
	logLevelInfo
	logLevelWarn
	logLevelError
	logLevelDebug
)

// HttpService is the public handle of the running service. It holds the
// current cordalService in an atomic value.
type HttpService struct {
	atomic.Value
}

// Option modifies the service before it starts
type Option func(*cordalService) error

// OptionSetZapLogger replaces the service logger
func OptionSetZapLogger(zlog *zap.Logger) Option {
	return func(s *cordalService) error {
		s.zlog = zlog
		s.log = zlog.Sugar()
		return nil
	}
}

// NewCordalService creates a new CORDAL service: loads the
// configuration from the configured source, validates it and prepares
// the dynamic endpoint runtime.
func NewCordalService(conf *Config, options ...Option) (*HttpService, error) {
	s, err := newCordalService(conf, options...)
	if err != nil {
		return nil, err
	}

	s1 := &HttpService{}
	s1.Store(s)
	return s1, nil
}

func newCordalService(conf *Config, options ...Option) (*cordalService, error) {
	zlog := util.NewLogger(conf.ShouldUseJSONLogs())

	s := &cordalService{
		conf:    conf,
		zlog:    zlog,
		log:     zlog.Sugar(),
		metrics: newMetricsRegistry(),
	}
	initLogLevel(s)

	for _, op := range options {
		if err := op(s); err != nil {
			return nil, err
		}
	}

	if err := s.initConfig(); err != nil {
		return nil, err
	}
	if err := s.initCore(); err != nil {
		return nil, err
	}
	s.limits = newEndpointLimiters(conf.RateLimiter)
	return s, nil
}

// initLogLevel initializes the log level
func initLogLevel(s *cordalService) {
	switch s.conf.LogLevel {
	case "debug":
		s.logLevel = logLevelDebug
	case "error":
		s.logLevel = logLevelError
	case "warn":
		s.logLevel = logLevelWarn
	case "info":
		s.logLevel = logLevelInfo
	default:
		s.logLevel = logLevelNone
	}
}

// initConfig resolves the listen address
func (s *cordalService) initConfig() error {
	hp := strings.SplitN(s.conf.HostPort, ":", 2)

	if len(hp) == 2 {
		if s.conf.Host != "" {
			hp[0] = s.conf.Host
		}
		if s.conf.Port != "" {
			hp[1] = s.conf.Port
		}
		s.conf.hostPort = hp[0] + ":" + hp[1]
	}

	if s.conf.hostPort == "" {
		s.conf.hostPort = defaultHP
	}

	switch s.conf.ConfigSource {
	case "", "file", "store":
	default:
		return core.NewError(core.CodeConfigInvalid,
			"config_source must be \"file\" or \"store\", got %q", s.conf.ConfigSource)
	}
	return nil
}

// initCore builds the definition loader for the configured source and
// starts the configuration engine.
func (s *cordalService) initCore() error {
	ctx := context.Background()
	conf := s.conf

	var loader core.Loader
	globs := conf.Patterns.Globs()

	switch conf.ConfigSource {
	case "store":
		store, err := core.OpenStore(ctx, conf.Store.Driver, conf.Store.URL, s.log)
		if err != nil {
			return err
		}
		s.store = store

		if conf.Store.ImportOnEmpty {
			if err := s.importOnEmpty(ctx, store, globs); err != nil {
				store.Close() //nolint:errcheck
				return err
			}
		}
		loader = store
	default:
		loader = core.NewFileLoader(conf.ConfigDirs, globs, s.log)
	}

	opts := []core.Option{
		core.OptionSetLogger(s.log),
		core.OptionSetCacheDefaults(core.CacheDefaults{
			MaxEntries:    conf.Cache.MaxEntries,
			DefaultTTL:    time.Duration(conf.Cache.TTL) * time.Second,
			SweepInterval: time.Duration(conf.Cache.SweepInterval) * time.Second,
		}),
		core.OptionSetReloadPolicy(conf.Reload.MaxAttempts, conf.Reload.HistoryLimit),
		core.OptionSetInvalidationRules(conf.InvalidationRules),
		core.OptionSetLiveValidation(conf.Reload.LiveValidation),
	}

	// file watching only applies to the file source
	if conf.Reload.WatchAndReload && conf.ConfigSource != "store" {
		opts = append(opts, core.OptionSetWatch(conf.ConfigDirs, globs,
			time.Duration(conf.Reload.DebounceMs)*time.Millisecond))
	}

	cd, err := core.New(ctx, loader, opts...)
	if err != nil {
		return err
	}
	s.core = cd
	return nil
}

// importOnEmpty seeds an empty configuration store from the YAML config
// directories.
func (s *cordalService) importOnEmpty(ctx context.Context, store *core.StoreLoader, globs core.KindGlobs) error {
	empty, err := store.Empty(ctx)
	if err != nil {
		return err
	}
	if !empty {
		return nil
	}
	if len(s.conf.ConfigDirs) == 0 {
		return core.NewError(core.CodeConfigInvalid,
			"config store is empty and no config_dirs are set to import from")
	}

	s.log.Infof("config store is empty, importing from %s", strings.Join(s.conf.ConfigDirs, ", "))
	defs, err := core.NewFileLoader(s.conf.ConfigDirs, globs, s.log).Load(ctx)
	if err != nil {
		return err
	}
	return store.Import(ctx, defs)
}

// Start starts the CORDAL service and blocks until shutdown
func (s1 *HttpService) Start() error {
	startHTTP(s1)
	return nil
}

// Attach attaches the CORDAL service to an existing router
func (s1 *HttpService) Attach(mux Mux) error {
	_, err := routesHandler(s1, mux)
	return err
}

// Core exposes the configuration engine, mainly for tests
func (s1 *HttpService) Core() *core.Cordal {
	return s1.Load().(*cordalService).core
}

// Start the HTTP server
func startHTTP(s1 *HttpService) {
	s := s1.Load().(*cordalService)

	r := chi.NewRouter()
	routes, err := routesHandler(s1, r)
	if err != nil {
		s.log.Fatalf("error setting up routes: %s", err)
	}

	s.srv = &http.Server{
		Addr:              s.conf.hostPort,
		Handler:           routes,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 10 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint

		if err := s.srv.Shutdown(context.Background()); err != nil {
			s.log.Warn("shutdown signal received")
		}
		close(idleConnsClosed)
	}()

	s.srv.RegisterOnShutdown(func() {
		if s.closeFn != nil {
			s.closeFn()
		}
		s.core.Shutdown()
		if s.store != nil {
			s.store.Close() //nolint:errcheck
			s.log.Infof("closed config store connection")
		}
		s.log.Info("shutdown complete")
	})

	ver := version
	if ver == "" {
		ver = "not-set"
	}

	fields := []zapcore.Field{
		zap.String("version", ver),
		zap.String("host-port", s.conf.hostPort),
		zap.String("app-name", s.conf.AppName),
		zap.String("env", os.Getenv("GO_ENV")),
		zap.String("config-source", configSource(s)),
		zap.Int("endpoints", s.core.Registry().Len()),
		zap.Bool("production", s.conf.Production),
	}

	s.zlog.Info("CORDAL started", fields...)

	l, err := net.Listen("tcp", s.conf.hostPort)
	if err != nil {
		s.log.Fatalf("failed to init port: %s", err)
	}

	// signal we are open for business.
	s.state = servListening

	if err := s.srv.Serve(l); err != http.ErrServerClosed {
		s.log.Fatalf("failed to start: %s", err)
	}
	<-idleConnsClosed
}

// configSource returns a short string describing where definitions come
// from
func configSource(s *cordalService) string {
	if s.conf.ConfigSource == "store" {
		return "store"
	}
	return "file"
}

// Set the server header
func setServerHeader(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", serverName)
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}
