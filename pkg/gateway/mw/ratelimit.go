package mw

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/ratelimit"
)

// SessionKeyHeader identifies the session an action belongs to.
const SessionKeyHeader = "x-openclaw-session-key"

// ActionRateLimit throttles requests per session key.
func ActionRateLimit(limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(SessionKeyHeader))
		dec := limiter.AllowAction(key, time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			}
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded", reqID)
			return
		}
		next.ServeHTTP(w, r)
	})
}
