package serv

import (
	"net/http"

	"github.com/rs/cors"
)

const (
	routeHealth       = "/api/health"
	routeEndpoints    = "/api/generic/endpoints"
	routeConfigBase   = "/api/generic/config"
	routeReload       = "/api/generic/reload"
	routeReloadStatus = "/api/generic/reload/status"
	routeRollback     = "/api/generic/reload/rollback"
	routeMetrics      = "/api/metrics/endpoints"
	routeCacheStats   = "/api/cache/stats"
	routeCacheRules   = "/api/cache/rules"
	routeCacheClear   = "/api/cache/clear/"
)

type Mux interface {
	Handle(string, http.Handler)
	ServeHTTP(http.ResponseWriter, *http.Request)
}

// routesHandler is the main handler for all routes. Management routes
// are fixed; everything else falls through to the dynamic endpoint
// dispatcher driven by the live registry.
func routesHandler(s1 *HttpService, mux Mux) (http.Handler, error) {
	s := s1.Load().(*cordalService)

	// Healthcheck API
	mux.Handle(routeHealth, healthCheckHandler(s1))

	// Management API
	mux.Handle(routeEndpoints, endpointsHandler(s1))
	mux.Handle(routeConfigBase+"/validate", configValidateHandler(s1))
	mux.Handle(routeConfigBase+"/endpoints", configEndpointsHandler(s1))
	mux.Handle(routeConfigBase+"/queries", configQueriesHandler(s1))
	mux.Handle(routeConfigBase+"/databases", configDatabasesHandler(s1))
	mux.Handle(routeReload, reloadHandler(s1))
	mux.Handle(routeReloadStatus, reloadStatusHandler(s1))
	mux.Handle(routeRollback, rollbackHandler(s1))
	mux.Handle(routeMetrics, metricsHandler(s1))
	mux.Handle(routeCacheStats, cacheStatsHandler(s1))
	mux.Handle(routeCacheRules, cacheRulesHandler(s1))
	mux.Handle(routeCacheClear+"*", cacheClearHandler(s1))

	// Dynamic configured endpoints
	mux.Handle("/*", apiHandler(s1))

	var h http.Handler = mux
	if len(s.conf.AllowedOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins:   s.conf.AllowedOrigins,
			AllowedHeaders:   s.conf.AllowedHeaders,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowCredentials: true,
			Debug:            s.conf.DebugCORS,
		})
		h = c.Handler(h)
	}
	return setServerHeader(h), nil
}
