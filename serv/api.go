package serv

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/qbloq/cordal/core"
)

// errorEnvelope is the uniform error body of every non-2xx response
type errorEnvelope struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

// writeJSON renders a JSON response body
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// headers are gone, nothing left to do but note it
		return
	}
}

// writeError renders an error as the uniform envelope. Driver and
// internal detail never reaches the client; the taxonomy message does.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := core.CodeOf(err)
	writeJSON(w, core.HTTPStatus(code), errorEnvelope{
		Error:     string(code),
		Message:   core.MessageOf(err),
		Path:      r.URL.Path,
		Timestamp: time.Now().UTC(),
	})
}

// requireMethod guards a handler to one HTTP method
func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeError(w, r, core.NewError(core.CodeBadRequest, "method %s not allowed here", r.Method))
		return false
	}
	return true
}

// healthCheckHandler reports service and per-database health
func healthCheckHandler(s1 *HttpService) http.Handler {
	h := func(w http.ResponseWriter, r *http.Request) {
		s := s1.Load().(*cordalService)

		dbs := s.core.Pools().Health(r.Context())
		status := "UP"
		httpStatus := http.StatusOK
		for _, up := range dbs {
			if !up {
				status = "DEGRADED"
			}
		}

		snap := s.core.Snapshot()
		writeJSON(w, httpStatus, map[string]interface{}{
			"status":    status,
			"service":   s.conf.AppName,
			"version":   snap.Version,
			"endpoints": s.core.Registry().Len(),
			"databases": dbs,
			"timestamp": time.Now().UTC(),
		})
	}
	return http.HandlerFunc(h)
}

// endpointsHandler lists the live routes in match order
func endpointsHandler(s1 *HttpService) http.Handler {
	h := func(w http.ResponseWriter, r *http.Request) {
		s := s1.Load().(*cordalService)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"endpoints": s.core.Registry().Routes(),
		})
	}
	return http.HandlerFunc(h)
}

// configValidateHandler re-loads the configuration source and reports
// the validation result without applying anything
func configValidateHandler(s1 *HttpService) http.Handler {
	h := func(w http.ResponseWriter, r *http.Request) {
		s := s1.Load().(*cordalService)

		report, err := s.core.Validate(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		status := http.StatusOK
		if !report.Valid() {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, report)
	}
	return http.HandlerFunc(h)
}

// configEndpointsHandler dumps the live endpoint definitions
func configEndpointsHandler(s1 *HttpService) http.Handler {
	h := func(w http.ResponseWriter, r *http.Request) {
		s := s1.Load().(*cordalService)
		defs := s.core.Snapshot().Defs
		out := make([]core.EndpointDefinition, 0, len(defs.Endpoints))
		for _, name := range defs.EndpointNames() {
			out = append(out, defs.Endpoints[name])
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"endpoints": out})
	}
	return http.HandlerFunc(h)
}

// configQueriesHandler dumps the live query definitions
func configQueriesHandler(s1 *HttpService) http.Handler {
	h := func(w http.ResponseWriter, r *http.Request) {
		s := s1.Load().(*cordalService)
		defs := s.core.Snapshot().Defs
		writeJSON(w, http.StatusOK, map[string]interface{}{"queries": defs.Queries})
	}
	return http.HandlerFunc(h)
}

// configDatabasesHandler dumps the live database definitions, passwords
// excluded by the definition's own JSON shape
func configDatabasesHandler(s1 *HttpService) http.Handler {
	h := func(w http.ResponseWriter, r *http.Request) {
		s := s1.Load().(*cordalService)
		defs := s.core.Snapshot().Defs
		writeJSON(w, http.StatusOK, map[string]interface{}{"databases": defs.Databases})
	}
	return http.HandlerFunc(h)
}

// reloadHandler triggers a reload cycle
func reloadHandler(s1 *HttpService) http.Handler {
	h := func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		s := s1.Load().(*cordalService)

		if err := s.core.Reload(r.Context()); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.core.Status())
	}
	return http.HandlerFunc(h)
}

// reloadStatusHandler reports the reload lifecycle state
func reloadStatusHandler(s1 *HttpService) http.Handler {
	h := func(w http.ResponseWriter, r *http.Request) {
		s := s1.Load().(*cordalService)
		writeJSON(w, http.StatusOK, s.core.Status())
	}
	return http.HandlerFunc(h)
}

// rollbackHandler reactivates a retained configuration snapshot
func rollbackHandler(s1 *HttpService) http.Handler {
	h := func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		s := s1.Load().(*cordalService)

		var req struct {
			Version string `json:"version"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Version == "" {
			writeError(w, r, core.NewError(core.CodeBadRequest, "body must be {\"version\": \"vN\"}"))
			return
		}
		if err := s.core.Rollback(req.Version); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.core.Status())
	}
	return http.HandlerFunc(h)
}

// metricsHandler reports per-endpoint request metrics
func metricsHandler(s1 *HttpService) http.Handler {
	h := func(w http.ResponseWriter, r *http.Request) {
		s := s1.Load().(*cordalService)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"endpoints": s.metrics.snapshot(),
		})
	}
	return http.HandlerFunc(h)
}

// cacheStatsHandler reports hit/miss/eviction statistics per cache
func cacheStatsHandler(s1 *HttpService) http.Handler {
	h := func(w http.ResponseWriter, r *http.Request) {
		s := s1.Load().(*cordalService)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"caches": s.core.Caches().StatsAll(),
		})
	}
	return http.HandlerFunc(h)
}

// cacheRulesHandler lists the registered invalidation rules
func cacheRulesHandler(s1 *HttpService) http.Handler {
	h := func(w http.ResponseWriter, r *http.Request) {
		s := s1.Load().(*cordalService)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"rules": s.core.InvalidationRules(),
		})
	}
	return http.HandlerFunc(h)
}

// cacheClearHandler empties one named cache
func cacheClearHandler(s1 *HttpService) http.Handler {
	h := func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		s := s1.Load().(*cordalService)

		name := strings.TrimPrefix(r.URL.Path, routeCacheClear)
		if name == "" || strings.Contains(name, "/") {
			writeError(w, r, core.NewError(core.CodeBadRequest, "cache name missing in path"))
			return
		}
		s.core.Caches().Clear(name)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"cleared": name,
		})
	}
	return http.HandlerFunc(h)
}
