// Package httpapi is the controller surface: RFC 7807 error responses,
// client-idempotency-key enforcement, and a per-IP inbound throttle sit in
// front of the orchestration/incident/outcome handlers. Grounded on the
// teacher's net/http + golang.org/x/time/rate per-IP limiter shape, adapted
// to use this core's own pkg/ratelimit bucket instead of a package-private
// visitor map.
package httpapi

import (
	"net"
	"net/http"
	"strings"

	"github.com/opx/control-plane/pkg/apierr"
	"github.com/opx/control-plane/pkg/ratelimit"
)

// InboundThrottle rate-limits requests per source IP before they ever reach
// a handler or consume an idempotency claim slot.
type InboundThrottle struct {
	limiter ratelimit.Limiter
	policy  ratelimit.Policy
}

func NewInboundThrottle(limiter ratelimit.Limiter, policy ratelimit.Policy) *InboundThrottle {
	return &InboundThrottle{limiter: limiter, policy: policy}
}

func (t *InboundThrottle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		key := ratelimit.Key{AuthorityID: ip, AuthorityType: "INBOUND_IP", Action: r.Method + " " + r.URL.Path}

		allowed, err := t.limiter.Allow(r.Context(), key, t.policy)
		if err != nil {
			apierr.WriteProblem(w, r.URL.Path, apierr.Infra("RATE_LIMIT_CHECK_FAILED", "failed to evaluate rate limit", err))
			return
		}
		if !allowed {
			apierr.WriteProblem(w, r.URL.Path, apierr.RateLimit(5))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	return strings.TrimSuffix(strings.TrimPrefix(ip, "["), "]")
}

// IdempotencyKeyHeader is the client-supplied request idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

// idempotencyKeyFromRequest returns the client-supplied key, or "" if the
// caller didn't send one — orchestration derives a deterministic key from
// the request body in that case, so this is never a hard requirement.
func idempotencyKeyFromRequest(r *http.Request) string {
	return r.Header.Get(IdempotencyKeyHeader)
}
