package serv

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/qbloq/cordal/core"
)

// endpointLimiters holds the per-endpoint token buckets plus an
// optional global per-client limiter. Endpoint buckets are keyed by
// endpoint name and rebuilt lazily when the endpoint's limit spec
// changes.
type endpointLimiters struct {
	global RateLimiter

	mu        sync.Mutex
	endpoints map[string]*endpointLimiter
	clients   map[string]*rate.Limiter
}

type endpointLimiter struct {
	spec    core.RateLimitSpec
	limiter *rate.Limiter
}

func newEndpointLimiters(global RateLimiter) *endpointLimiters {
	return &endpointLimiters{
		global:    global,
		endpoints: make(map[string]*endpointLimiter),
		clients:   make(map[string]*rate.Limiter),
	}
}

// allowEndpoint checks the endpoint's own token bucket. Endpoints
// without a rate limit spec always pass.
func (l *endpointLimiters) allowEndpoint(name string, spec *core.RateLimitSpec) bool {
	if spec == nil || !spec.Enabled || spec.Requests <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.endpoints[name]
	if !ok || el.spec != *spec {
		window := spec.WindowSeconds
		if window <= 0 {
			window = 1
		}
		el = &endpointLimiter{
			spec:    *spec,
			limiter: rate.NewLimiter(rate.Limit(float64(spec.Requests)/float64(window)), spec.Requests),
		}
		l.endpoints[name] = el
	}
	return el.limiter.Allow()
}

// allowClient checks the global per-client limiter when configured
func (l *endpointLimiters) allowClient(r *http.Request, ipHeader string) bool {
	if !l.global.enabled() {
		return true
	}

	var ip string
	if ipHeader != "" {
		ip = r.Header.Get(ipHeader)
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rl, ok := l.clients[ip]
	if !ok {
		rl = rate.NewLimiter(rate.Limit(l.global.Rate), l.global.Bucket)
		l.clients[ip] = rl
	}
	return rl.Allow()
}
