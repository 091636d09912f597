package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/quarrylabs/quarry/internal/mcp"
)

// RateLimiterConfig bounds request rates per caller.
type RateLimiterConfig struct {
	PerMinute int // default 100
	Burst     int // default 20
}

// rateLimiter keeps one token bucket per subject. Subjects are OAuth sub
// values when a token is presented, client IPs otherwise. Idle buckets are
// dropped so the map cannot grow without bound.
type rateLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(cfg RateLimiterConfig) *rateLimiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	return &rateLimiter{
		limit:   rate.Limit(float64(cfg.PerMinute) / 60.0),
		burst:   cfg.Burst,
		buckets: make(map[string]*bucket),
	}
}

// allow consumes one token for subject. On denial it returns the wait until
// the next token.
func (rl *rateLimiter) allow(subject string) (ok bool, remaining int, retryAfter time.Duration) {
	rl.mu.Lock()
	b, exists := rl.buckets[subject]
	if !exists {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[subject] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()

	res := b.limiter.Reserve()
	if !res.OK() {
		return false, 0, time.Minute
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return false, 0, delay
	}
	return true, int(b.limiter.Tokens()), 0
}

// sweep drops buckets idle longer than maxIdle.
func (rl *rateLimiter) sweep(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	rl.mu.Lock()
	for subject, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, subject)
		}
	}
	rl.mu.Unlock()
}

// middleware enforces the limit and sets draft RateLimit headers.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	perMinute := strconv.Itoa(int(math.Round(float64(rl.limit) * 60)))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := rateSubject(r)
		ok, remaining, retryAfter := rl.allow(subject)

		w.Header().Set("RateLimit-Limit", perMinute)
		w.Header().Set("RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			reset := int(math.Ceil(retryAfter.Seconds()))
			if reset < 1 {
				reset = 1
			}
			w.Header().Set("RateLimit-Reset", strconv.Itoa(reset))
			w.Header().Set("Retry-After", strconv.Itoa(reset))
			writeRPCError(w, http.StatusTooManyRequests,
				mcp.NewError(mcp.CodeRateLimited, "rate limit exceeded", mcp.KindRateLimited))
			return
		}
		w.Header().Set("RateLimit-Reset", "60")
		next.ServeHTTP(w, r)
	})
}

// rateSubject identifies the caller: the token's sub when the auth layer has
// stashed one, else the client IP.
func rateSubject(r *http.Request) string {
	if tok := tokenFrom(r.Context()); tok != nil && tok.Subject != "" {
		return "sub:" + tok.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
