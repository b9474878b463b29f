package server

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/54b3r/kpmatch-go/internal/logging"
)

const (
	// defaultRateLimit is the per-IP request rate when none is configured.
	defaultRateLimit = 10
	// defaultRateBurst is the per-IP burst when none is configured.
	defaultRateBurst = 20
	// limiterIdle is how long an IP may stay silent before its bucket is dropped.
	limiterIdle = 5 * time.Minute
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter enforces a per-IP token bucket on protected routes. Idle
// buckets are evicted every minute to bound memory.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rps      rate.Limit
	burst    int
	// rejected is incremented on every 429. May be nil.
	rejected interface{ Inc() }
}

// newRateLimiter starts the eviction goroutine; call the returned func to
// stop it. m may be nil.
func newRateLimiter(rps float64, burst int, m *serverMetrics) (*rateLimiter, func()) {
	rl := &rateLimiter{
		limiters: make(map[string]*ipLimiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	if m != nil {
		rl.rejected = m.rateLimitedTotal
	}

	stopCh := make(chan struct{})
	var once sync.Once
	go rl.evictLoop(stopCh)

	return rl, func() { once.Do(func() { close(stopCh) }) }
}

func (rl *rateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

func (rl *rateLimiter) evictLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			rl.evict(time.Now().Add(-limiterIdle))
		}
	}
}

// evict drops buckets last seen before cutoff.
func (rl *rateLimiter) evict(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for ip, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, ip)
		}
	}
}

// middleware rejects requests over the limit with 429 and a Retry-After
// derived from the bucket's refill rate.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.getLimiter(ip).Allow() {
			logging.FromContext(r.Context()).Warn("rate limit exceeded",
				slog.String("ip", ip),
				slog.String("path", r.URL.Path),
			)
			if rl.rejected != nil {
				rl.rejected.Inc()
			}
			w.Header().Set("Retry-After", rl.retryAfter())
			writeJSON(w, r, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfter is the whole seconds needed to refill one token, at least 1.
func (rl *rateLimiter) retryAfter() string {
	if rl.rps <= 0 {
		return "60"
	}
	secs := int(1/float64(rl.rps) + 0.999)
	return strconv.Itoa(max(1, secs))
}

// clientIP returns the remote IP without its port. X-Forwarded-For is not
// trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
