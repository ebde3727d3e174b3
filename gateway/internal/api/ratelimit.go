package api

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter keeps one token bucket per caller key: a client IP for login,
// a login ID for authenticated routes.
type rateLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	callers map[string]*caller
}

type caller struct {
	lim  *rate.Limiter
	seen time.Time
}

func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	return &rateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		callers: make(map[string]*caller),
	}
}

// allow spends one token for key. When the bucket is empty it reports how
// long until the next token.
func (rl *rateLimiter) allow(key string) (time.Duration, bool) {
	now := time.Now()
	rl.mu.Lock()
	c, ok := rl.callers[key]
	if !ok {
		c = &caller{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.callers[key] = c
	}
	c.seen = now
	rl.mu.Unlock()

	if c.lim.AllowN(now, 1) {
		return 0, true
	}
	if rl.limit <= 0 {
		return time.Second, false
	}
	missing := 1 - c.lim.TokensAt(now)
	return time.Duration(missing / float64(rl.limit) * float64(time.Second)), false
}

// StartCleanup forgets callers idle for longer than maxIdle, checking every
// interval until ctx is done.
func (rl *rateLimiter) StartCleanup(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				rl.cleanup(now, maxIdle)
			}
		}
	}()
}

func (rl *rateLimiter) cleanup(now time.Time, maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, c := range rl.callers {
		if now.Sub(c.seen) > maxIdle {
			delete(rl.callers, key)
		}
	}
}

// limitBy rejects requests with 429 once the caller chosen by keyOf runs out
// of tokens. An empty key is not limited.
func limitBy(rl *rateLimiter, keyOf func(*http.Request) string, message string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyOf(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if wait, ok := rl.allow(key); !ok {
				w.Header().Set("Retry-After", retryAfterSeconds(wait))
				writeError(w, http.StatusTooManyRequests, message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(max(1, int(math.Ceil(d.Seconds()))))
}

// clientIP keys login attempts by address without the port, so reconnects
// from one host share a bucket.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// principalLogin keys authenticated traffic by the resolved login.
func principalLogin(r *http.Request) string {
	if state := principalFrom(r.Context()); state != nil && state.Login != nil {
		return state.Login.ID
	}
	return ""
}
