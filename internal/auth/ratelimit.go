// ratelimit.go -- Per-IP token bucket for the token and revocation endpoints.
package auth

import (
	"container/list"
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults for the limiter's bookkeeping, not its policy.
const (
	defaultMaxLimiters = 10000
	limiterIdleTimeout = 30 * time.Minute
	limiterSweepEvery  = 5 * time.Minute
)

type limiterEntry struct {
	ip         string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// IPRateLimiter keeps one token bucket per client IP, evicting the least
// recently used bucket once maxEntries is reached.
type IPRateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*list.Element
	lru        *list.List
	rate       rate.Limit
	burst      int
	maxEntries int
	now        func() time.Time
}

// NewIPRateLimiter allows perSec requests per second per IP with the given burst.
func NewIPRateLimiter(perSec, burst int) *IPRateLimiter {
	return &IPRateLimiter{
		limiters:   make(map[string]*list.Element),
		lru:        list.New(),
		rate:       rate.Limit(perSec),
		burst:      burst,
		maxEntries: defaultMaxLimiters,
		now:        time.Now,
	}
}

// Allow reports whether ip may make a request now, consuming a token if so.
func (rl *IPRateLimiter) Allow(ip string) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.limiters[ip]; ok {
		rl.lru.MoveToFront(elem)
		e := elem.Value.(*limiterEntry)
		e.lastAccess = now
		return e.limiter.AllowN(now, 1)
	}

	if len(rl.limiters) >= rl.maxEntries {
		if back := rl.lru.Back(); back != nil {
			delete(rl.limiters, back.Value.(*limiterEntry).ip)
			rl.lru.Remove(back)
		}
	}

	e := &limiterEntry{ip: ip, limiter: rate.NewLimiter(rl.rate, rl.burst), lastAccess: now}
	rl.limiters[ip] = rl.lru.PushFront(e)
	return e.limiter.AllowN(now, 1)
}

// Cleanup drops buckets idle for longer than maxIdle. Returns how many were removed.
func (rl *IPRateLimiter) Cleanup(maxIdle time.Duration) int {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	// Back of the list is least recently used; stop at the first fresh entry.
	for elem := rl.lru.Back(); elem != nil; {
		e := elem.Value.(*limiterEntry)
		if now.Sub(e.lastAccess) <= maxIdle {
			break
		}
		prev := elem.Prev()
		delete(rl.limiters, e.ip)
		rl.lru.Remove(elem)
		removed++
		elem = prev
	}
	return removed
}

// Len returns the number of tracked IPs.
func (rl *IPRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Run sweeps idle buckets until ctx is cancelled.
func (rl *IPRateLimiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(limiterSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rl.Cleanup(limiterIdleTimeout)
		}
	}
}

// RateLimit rejects requests over the per-IP budget with 429.
// Expects chi's RealIP to have normalised RemoteAddr.
func (h *AuthHandler) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Limiter != nil && !h.Limiter.Allow(clientIP(r)) {
			logWarn(r, "rate limit exceeded")
			h.Metrics.RecordRateLimitExceeded(r.Context(), r.URL.Path)
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, oauthErrorBody{
				Error:       "rate_limited",
				Description: "too many requests",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
