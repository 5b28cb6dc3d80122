package ingress

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/webgrid-go/webgrid/logger"
)

// ClientRateLimiter enforces a per-client token bucket on session creation
// (spec.md §4.3's admission control), keyed by remote IP. One limiter per
// client is created lazily and kept for the life of the process.
type ClientRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewClientRateLimiter builds a limiter allowing ratePerSecond sustained
// requests per client with the given burst. ratePerSecond <= 0 disables
// limiting entirely.
func NewClientRateLimiter(ratePerSecond float64, burst int) *ClientRateLimiter {
	return &ClientRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(ratePerSecond),
		burst:    burst,
	}
}

func (rl *ClientRateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// Wrap returns next gated by the per-client limiter, rejecting over-budget
// requests with a WebDriver-shaped 500 "unknown error" plus Retry-After,
// matching the error envelope the rest of the responder chain uses.
func (rl *ClientRateLimiter) Wrap(next http.Handler) http.Handler {
	if rl == nil || rl.rate <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)
		if !rl.limiterFor(key).Allow() {
			logger.Warnw("ingress: rate limit exceeded", "client", key, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			writeWebDriverError(w, http.StatusInternalServerError, "unknown error", "rate limit exceeded", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Count reports the number of distinct clients currently tracked, for tests.
func (rl *ClientRateLimiter) Count() int {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
