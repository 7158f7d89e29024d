package serv

import (
	"io"
	"net/http"
	"time"

	"github.com/qbloq/cordal/core"
)

const maxBodyBytes = 1 << 20

// apiHandler dispatches requests to the configured dynamic endpoints.
// It is the catch-all route: anything not matched by the management API
// lands here and is resolved against the live registry.
func apiHandler(s1 *HttpService) http.Handler {
	h := func(w http.ResponseWriter, r *http.Request) {
		s := s1.Load().(*cordalService)

		if !s.limits.allowClient(r, s.conf.RateLimiter.IPHeader) {
			writeError(w, r, core.NewError(core.CodeRateLimited, "too many requests"))
			return
		}

		ep, _, ok := s.core.Registry().Lookup(r.Method, r.URL.Path)
		if !ok {
			writeError(w, r, core.NewError(core.CodeNotFound,
				"no endpoint matches %s %s", r.Method, r.URL.Path))
			return
		}

		if !s.limits.allowEndpoint(ep.Def.Name, ep.Def.RateLimit) {
			writeError(w, r, core.NewError(core.CodeRateLimited,
				"rate limit exceeded for %s", ep.Def.Name))
			return
		}

		var body []byte
		if r.Body != nil {
			var err error
			body, err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				writeError(w, r, core.WrapError(core.CodeBadRequest, err, "cannot read request body"))
				return
			}
		}

		start := time.Now()
		resp, err := s.core.Execute(r.Context(), r.Method, r.URL.Path, r.URL.Query(), body)
		latency := time.Since(start)

		if err != nil {
			s.metrics.record(ep.Def.Name, latency, false, true)
			if s.logLevel >= logLevelDebug {
				s.log.Debugf("%s %s -> %s (%s)", r.Method, r.URL.Path, core.CodeOf(err), latency)
			}
			writeError(w, r, err)
			return
		}

		s.metrics.record(ep.Def.Name, latency, resp.CacheHit, false)
		if resp.CacheHit {
			w.Header().Set("X-Cache", "HIT")
		}
		if s.logLevel >= logLevelDebug {
			s.log.Debugf("%s %s -> 200 cache=%t (%s)", r.Method, r.URL.Path, resp.CacheHit, latency)
		}
		writeJSON(w, http.StatusOK, resp.Body)
	}
	return http.HandlerFunc(h)
}
