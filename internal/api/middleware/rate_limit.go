package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type rateLimitTier int

const (
	tierRead rateLimitTier = iota
	tierMutate
)

// apiRateLimiter holds per-IP token buckets per tier. Read traffic (GET/HEAD)
// gets twice the configured rate; mutations get the configured rate.
type apiRateLimiter struct {
	mu     sync.Mutex
	read   map[string]*rate.Limiter
	mutate map[string]*rate.Limiter

	perSec float64
	burst  int
}

func newAPIRateLimiter(perSec float64, burst int) *apiRateLimiter {
	return &apiRateLimiter{
		read:   make(map[string]*rate.Limiter),
		mutate: make(map[string]*rate.Limiter),
		perSec: perSec,
		burst:  burst,
	}
}

func (l *apiRateLimiter) config(t rateLimitTier) (rate.Limit, int) {
	if t == tierRead {
		return rate.Limit(l.perSec * 2), l.burst * 2
	}
	return rate.Limit(l.perSec), l.burst
}

func (l *apiRateLimiter) limitHeader(t rateLimitTier) int {
	if t == tierRead {
		return int(l.perSec * 2 * 60)
	}
	return int(l.perSec * 60)
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		addr = addr[:idx]
	}
	return addr
}

func tierForRequest(r *http.Request) rateLimitTier {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return tierRead
	}
	return tierMutate
}

func (l *apiRateLimiter) getLimiter(ip string, t rateLimitTier) *rate.Limiter {
	limit, burst := l.config(t)
	m := l.mutate
	if t == tierRead {
		m = l.read
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := m[ip]; ok {
		return lim
	}
	lim := rate.NewLimiter(limit, burst)
	m[ip] = lim
	return lim
}

// isLoopback returns true for localhost/loopback IPs (127.x.x.x and ::1).
// Loopback traffic is sidecar probes and local tooling, exempt from limits.
func isLoopback(ip string) bool {
	ip = strings.Trim(ip, "[]")
	if ip == "::1" || ip == "localhost" {
		return true
	}
	return strings.HasPrefix(ip, "127.")
}

// RateLimit returns middleware enforcing a per-IP token bucket. perSec and
// burst come from config; zero for either disables limiting entirely.
// Excludes /health, /ready, /metrics, and loopback clients. Returns 429 with
// Retry-After and X-RateLimit-* headers when the bucket is exhausted.
func RateLimit(perSec float64, burst int) func(http.Handler) http.Handler {
	limiter := newAPIRateLimiter(perSec, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if perSec <= 0 || burst <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			path := r.URL.Path
			if path == "/health" || path == "/ready" || path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			ip := getClientIP(r)
			if isLoopback(ip) {
				next.ServeHTTP(w, r)
				return
			}
			tier := tierForRequest(r)
			lim := limiter.getLimiter(ip, tier)
			reservation := lim.Reserve()
			if !reservation.OK() {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "60")
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.limitHeader(tier)))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(60*time.Second).Unix(), 10))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"Too many requests. Please retry after 60 seconds."}`))
				return
			}
			delay := reservation.Delay()
			if delay > 0 {
				reservation.Cancel()
				retryAfter := int(delay.Seconds()) + 1
				if retryAfter > 60 {
					retryAfter = 60
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.limitHeader(tier)))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(delay).Unix(), 10))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"Too many requests. Please retry later."}`))
				return
			}
			tokens := int(lim.Tokens())
			if tokens < 0 {
				tokens = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.limitHeader(tier)))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(tokens))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
			next.ServeHTTP(w, r)
		})
	}
}
