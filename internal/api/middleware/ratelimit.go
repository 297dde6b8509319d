package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig sizes the per-client budget for the control API.
type RateLimitConfig struct {
	// Rate is the sustained request rate allowed per client IP.
	Rate rate.Limit
	// Burst is how far a client may exceed the rate momentarily.
	Burst int
	// CleanupInterval is how often idle client entries are swept.
	CleanupInterval time.Duration
	// MaxAge is how long an idle entry survives between sweeps.
	MaxAge time.Duration
}

// DefaultRateLimitConfig is sized for a single-operator control API:
// 10 requests/second with a burst of 20 is far above any legitimate UI,
// while still capping a runaway script.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(10),
		Burst:           20,
		CleanupInterval: time.Minute,
		MaxAge:          15 * time.Minute,
	}
}

// ipBucket pairs one client's token bucket with its last activity.
type ipBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// IPRateLimiter hands out one token bucket per client IP and sweeps
// buckets that have gone idle.
type IPRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*ipBucket
	cfg     RateLimitConfig
	done    chan struct{}
}

// NewIPRateLimiter builds the limiter and starts its sweep goroutine.
// Call Stop when the server shuts down.
func NewIPRateLimiter(cfg RateLimitConfig) *IPRateLimiter {
	rl := &IPRateLimiter{
		entries: make(map[string]*ipBucket),
		cfg:     cfg,
		done:    make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Allow reports whether the given client IP has budget for one more
// request, creating its bucket on first sight.
func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	b := rl.entries[ip]
	if b == nil {
		b = &ipBucket{lim: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.entries[ip] = b
	}
	b.seen = time.Now()
	rl.mu.Unlock()

	return b.lim.Allow()
}

// Stop ends the sweep goroutine.
func (rl *IPRateLimiter) Stop() {
	close(rl.done)
}

func (rl *IPRateLimiter) sweepLoop() {
	t := time.NewTicker(rl.cfg.CleanupInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			rl.cleanup()
		case <-rl.done:
			return
		}
	}
}

// cleanup drops buckets idle for at least MaxAge.
func (rl *IPRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	dropped := 0
	for ip, b := range rl.entries {
		if now.Sub(b.seen) >= rl.cfg.MaxAge {
			delete(rl.entries, ip)
			dropped++
		}
	}
	if dropped > 0 {
		slog.Debug("rate limiter swept idle clients", "dropped", dropped, "remaining", len(rl.entries))
	}
}

// RateLimit rejects requests over the client's budget with 429 and a
// Retry-After hint.
func RateLimit(limiter *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r)
			if !limiter.Allow(ip) {
				slog.Warn("throttling client", "ip", ip, "method", r.Method, "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}

// extractIP is the client key: RemoteAddr with the port stripped. The
// chi RealIP middleware runs first and rewrites RemoteAddr from proxy
// headers when the API is fronted by one.
func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
