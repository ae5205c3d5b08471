// Package ratelimit provides per-IP token bucket rate limiting. Starting an
// analysis costs more tokens than reading stored reports.
package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pendergraft/contrascan/internal/middleware/realip"
)

// Config holds the configuration for rate limiting
type Config struct {
	// Enabled enables rate limiting
	Enabled bool
	// RequestsPerMin is the token refill rate per IP
	RequestsPerMin int
	// BurstSize is the bucket size
	BurstSize int
	// CleanupMinutes is how long an idle IP is remembered
	CleanupMinutes int
	// AnalyzeCost is the number of tokens a POST takes, capped at BurstSize.
	// Other requests take one.
	AnalyzeCost int
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter manages per-IP token buckets
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*client

	limit       rate.Limit
	burst       int
	analyzeCost int
	idle        time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a RateLimiter and starts its idle sweep.
func New(cfg Config) *RateLimiter {
	idle := time.Duration(cfg.CleanupMinutes) * time.Minute
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	burst := max(cfg.BurstSize, 1)

	rl := &RateLimiter{
		clients:     make(map[string]*client),
		limit:       rate.Limit(float64(cfg.RequestsPerMin) / 60.0),
		burst:       burst,
		analyzeCost: min(max(cfg.AnalyzeCost, 1), burst),
		idle:        idle,
		stopCh:      make(chan struct{}),
	}

	go rl.sweepLoop()

	return rl
}

// Stop ends the idle sweep. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(rl.idle)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			rl.sweep(now)
		case <-rl.stopCh:
			return
		}
	}
}

// sweep forgets IPs not seen within the idle window.
func (rl *RateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-rl.idle)
	for ip, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

// take removes n tokens from ip's bucket. When the bucket is short it takes
// nothing and returns how long until n tokens are available.
func (rl *RateLimiter) take(ip string, n int, now time.Time) (bool, time.Duration) {
	rl.mu.Lock()
	c, ok := rl.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()

	res := c.limiter.ReserveN(now, n)
	if !res.OK() {
		return false, 0
	}
	delay := res.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	res.CancelAt(now)
	return false, delay
}

func (rl *RateLimiter) cost(r *http.Request) int {
	if r.Method == http.MethodPost {
		return rl.analyzeCost
	}
	return 1
}

// exemptPaths are liveness probes, exempt from rate limiting
var exemptPaths = map[string]bool{
	"/":        true,
	"/health":  true,
	"/healthz": true,
	"/readyz":  true,
}

// Middleware returns an HTTP middleware that rate limits requests per IP
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exemptPaths[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			allowed, wait := rl.take(realip.GetClientIP(r), rl.cost(r), time.Now())
			if !allowed {
				writeLimited(w, wait)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeLimited(w http.ResponseWriter, wait time.Duration) {
	retry := 60
	if wait > 0 {
		retry = int(math.Ceil(wait.Seconds()))
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]string{
		"error": "Too many requests. Please try again later.",
		"code":  "RATE_LIMIT_EXCEEDED",
	})
}

// Middleware builds a RateLimiter from cfg and returns its middleware, or a
// pass-through when rate limiting is disabled. The limiter lives for the
// rest of the process.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return New(cfg).Middleware()
}
