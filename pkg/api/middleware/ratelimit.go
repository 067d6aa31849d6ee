package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/linuxmuster/lmn-authority/pkg/metrics"
)

// RateLimiter is a per-token sliding window limiter.
//
// State is in-memory, so limits are only correct within a single process.
// The window is 60 seconds; a token may issue up to rpm requests inside
// any window.
type RateLimiter struct {
	rpm     int
	metrics *metrics.Metrics

	mu      sync.Mutex
	windows map[string][]time.Time

	// now is replaceable for tests.
	now func() time.Time
}

// NewRateLimiter creates a limiter allowing rpm requests per token per
// minute. rpm <= 0 disables limiting.
func NewRateLimiter(rpm int, m *metrics.Metrics) *RateLimiter {
	return &RateLimiter{
		rpm:     rpm,
		metrics: m,
		windows: map[string][]time.Time{},
		now:     time.Now,
	}
}

// Middleware returns the rate limiting middleware. Requests without an
// authenticated token (health endpoints) pass through.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.rpm <= 0 || SkipAuth(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		token := TokenFromContext(r.Context())
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		if retryAfter, limited := l.take(token); limited {
			l.metrics.RecordRateLimited()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w,
				`{"error":"RATE_LIMITED","message":"Rate limit exceeded. Retry after %d seconds."}`,
				retryAfter)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// take records one request for token. When the window is full it returns
// the suggested Retry-After in seconds and true.
func (l *RateLimiter) take(token string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-60 * time.Second)

	window := l.windows[token]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.rpm {
		retryAfter := int(60 - now.Sub(kept[0]).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		l.windows[token] = kept
		return retryAfter, true
	}

	l.windows[token] = append(kept, now)
	return 0, false
}
