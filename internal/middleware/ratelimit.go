package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	visitorTTL     = 10 * time.Minute
	cleanupEveryN  = 1000
	retryAfterSecs = "1"
)

// KeyFunc selects the bucket a request is charged to
type KeyFunc func(*http.Request) string

// KeyByUserOrIP prefers the authenticated user and falls back to the client IP
func KeyByUserOrIP(r *http.Request) string {
	if id := GetUserID(r.Context()); id != "" {
		return "user:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token bucket limiter. Idle buckets are evicted
// opportunistically during lookups.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	keyFn    KeyFunc
	ttl      time.Duration
	now      func() time.Time
	mu       sync.Mutex
	visitors map[string]*visitor
	lookups  int
}

// NewRateLimiter allows rps requests per second per key with the given burst
func NewRateLimiter(rps float64, burst int, keyFn KeyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if keyFn == nil {
		keyFn = KeyByUserOrIP
	}
	return &RateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		ttl:      visitorTTL,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

func (rl *RateLimiter) getVisitor(key string) *rate.Limiter {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// evict before touching key so a stale bucket for key is replaced too
	rl.lookups++
	if rl.lookups >= cleanupEveryN {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.lookups = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(rl.limit, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// Handler returns a chi-compatible middleware answering 429 when the bucket is empty
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.getVisitor(rl.keyFn(r)).Allow() {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Retry-After", retryAfterSecs)
		respondError(w, "rate limit exceeded", http.StatusTooManyRequests)
	})
}
