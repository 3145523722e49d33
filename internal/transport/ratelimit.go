package transport

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-IP requests-per-minute budget on the ingress
// plane. rpm <= 0 disables it.
type RateLimiter struct {
	mu      sync.Mutex
	perIP   map[string]*ipLimiter
	rpm     int
	burst   int
	maxIdle time.Duration
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter with a small burst allowance.
func NewRateLimiter(rpm int) *RateLimiter {
	return &RateLimiter{
		perIP:   make(map[string]*ipLimiter),
		rpm:     rpm,
		burst:   5,
		maxIdle: 10 * time.Minute,
	}
}

// Enabled reports whether limiting is active.
func (rl *RateLimiter) Enabled() bool { return rl != nil && rl.rpm > 0 }

// Allow reports whether the request from remoteAddr fits the budget.
func (rl *RateLimiter) Allow(remoteAddr string) bool {
	if !rl.Enabled() {
		return true
	}
	ip := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		ip = host
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	entry, ok := rl.perIP[ip]
	if !ok {
		entry = &ipLimiter{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.rpm)/60.0), rl.burst),
		}
		rl.perIP[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

// Prune drops limiter entries idle past the retention window. Called from
// the server's sweep ticker.
func (rl *RateLimiter) Prune() {
	if !rl.Enabled() {
		return
	}
	cutoff := time.Now().Add(-rl.maxIdle)
	rl.mu.Lock()
	for ip, entry := range rl.perIP {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.perIP, ip)
		}
	}
	rl.mu.Unlock()
}

// Middleware wraps an ingress handler with the per-IP limit.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(r.RemoteAddr) {
			http.Error(w, `{"error":"rate_limited"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
