package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"lendpool/observability"
)

const defaultVisitorTTL = 5 * time.Minute

// RateLimit bounds the request rate of a single client on one route group.
type RateLimit struct {
	RatePerSecond float64
	Burst         int
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies token buckets per route group and client address.
type RateLimiter struct {
	logger     *slog.Logger
	limits     map[string]RateLimit
	trustProxy bool

	mu        sync.Mutex
	visitors  map[string]*rateEntry
	lastSweep time.Time
	ttl       time.Duration
	clockNow  func() time.Time
}

// NewRateLimiter builds a limiter for the provided route groups. When
// trustProxy is set the client is identified by X-Real-IP or the first
// X-Forwarded-For hop instead of the socket address.
func NewRateLimiter(limits map[string]RateLimit, trustProxy bool, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	cloned := make(map[string]RateLimit, len(limits))
	for k, v := range limits {
		cloned[k] = v
	}
	return &RateLimiter{
		logger:     logger,
		limits:     cloned,
		trustProxy: trustProxy,
		visitors:   make(map[string]*rateEntry),
		ttl:        defaultVisitorTTL,
		clockNow:   time.Now,
	}
}

// Middleware throttles requests for the named route group. Groups without a
// configured limit pass through.
func (r *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[key]
			if !ok || limit.RatePerSecond <= 0 {
				next.ServeHTTP(w, req)
				return
			}
			identifier := key + "|" + r.clientID(req)
			if !r.obtainLimiter(identifier, limit).Allow() {
				observability.ModuleMetrics().RecordThrottle(key)
				r.logger.Debug("request throttled", "route", key, "client", identifier)
				w.Header().Set("Retry-After", "1")
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) obtainLimiter(id string, cfg RateLimit) *rate.Limiter {
	now := r.clockNow()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep(now)
	if entry, ok := r.visitors[id]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	r.visitors[id] = &rateEntry{limiter: limiter, lastSeen: now}
	return limiter
}

// sweep drops idle visitors at most once per ttl. Callers hold r.mu.
func (r *RateLimiter) sweep(now time.Time) {
	if now.Sub(r.lastSweep) < r.ttl {
		return
	}
	for id, entry := range r.visitors {
		if now.Sub(entry.lastSeen) >= r.ttl {
			delete(r.visitors, id)
		}
	}
	r.lastSweep = now
}

func (r *RateLimiter) visitorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.visitors)
}

func (r *RateLimiter) clientID(req *http.Request) string {
	if r.trustProxy {
		if ip := strings.TrimSpace(req.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
		if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
				return parsed.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
