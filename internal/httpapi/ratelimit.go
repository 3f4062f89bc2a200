package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds inbound request rates. The two GPU-bound triggers
// (session creation enqueues C6, analysis trigger enqueues C7) are the
// endpoints actually worth protecting — a flood of either would just queue
// up behind the single gpu/gpu-heavy worker anyway, so rejecting early
// saves a wasted blob/session round trip.
type RateLimitConfig struct {
	// PerIPRate/PerIPBurst bound requests from a single client IP across
	// the whole API.
	PerIPRate  rate.Limit
	PerIPBurst int

	// GPUTriggerRate/GPUTriggerBurst additionally bound the two endpoints
	// that enqueue GPU-class background work, per client IP.
	GPUTriggerRate  rate.Limit
	GPUTriggerBurst int

	// CleanupInterval reaps per-IP limiter entries that have gone idle, so
	// the limiter map does not grow unbounded across many distinct clients.
	CleanupInterval time.Duration
}

// DefaultRateLimitConfig returns conservative defaults: a single practice
// session does not need more than a handful of requests per second, and
// the GPU-bound triggers are limited far tighter than general traffic.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		PerIPRate:       20,
		PerIPBurst:      40,
		GPUTriggerRate:  1,
		GPUTriggerBurst: 3,
		CleanupInterval: 10 * time.Minute,
	}
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter tracks one rate.Limiter per client IP for a single logical
// limit (general traffic, or the GPU-trigger subset).
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	r        rate.Limit
	b        int
}

func newIPRateLimiter(r rate.Limit, b int) *ipRateLimiter {
	return &ipRateLimiter{limiters: map[string]*ipLimiter{}, r: r, b: b}
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(l.r, l.b)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()
	return limiter.Allow()
}

func (l *ipRateLimiter) cleanup(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isGPUTrigger reports whether r hits one of the two endpoints that enqueue
// GPU-class background work: POST /v1/sessions/ (enqueues C6) and
// POST .../analyze (enqueues C7). Matched by method/suffix rather than an
// exact path since chi resolves {sessionID} before this middleware sees it.
func isGPUTrigger(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	return r.URL.Path == "/v1/sessions/" || strings.HasSuffix(r.URL.Path, "/analyze")
}

// rateLimitMiddleware applies both the general per-IP limit and, for the
// two GPU-triggering endpoints, the tighter GPU-trigger limit.
func rateLimitMiddleware(cfg RateLimitConfig) func(http.Handler) http.Handler {
	general := newIPRateLimiter(cfg.PerIPRate, cfg.PerIPBurst)
	gpu := newIPRateLimiter(cfg.GPUTriggerRate, cfg.GPUTriggerBurst)

	if cfg.CleanupInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.CleanupInterval)
			defer ticker.Stop()
			for range ticker.C {
				general.cleanup(cfg.CleanupInterval)
				gpu.cleanup(cfg.CleanupInterval)
			}
		}()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !general.allow(ip) {
				writeError(w, newAPIError(http.StatusTooManyRequests, "rate limit exceeded"))
				return
			}
			if isGPUTrigger(r) && !gpu.allow(ip) {
				writeError(w, newAPIError(http.StatusTooManyRequests, "rate limit exceeded for analysis-triggering requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
