// Package security holds the per-IP request guards that run in front of the API.
package security

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/l0p7/balcao/internal/cache"
	"github.com/l0p7/balcao/internal/metrics"
)

// RateLimiter counts requests per client IP in fixed windows stored in the
// cache. When the cache is unavailable every request is allowed.
type RateLimiter struct {
	cache   *cache.Service
	limit   int64
	window  time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Recorder
}

func NewRateLimiter(svc *cache.Service, limit int, window time.Duration, logger *slog.Logger, rec *metrics.Recorder) *RateLimiter {
	if window < time.Second {
		window = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		cache:   svc,
		limit:   int64(limit),
		window:  window,
		now:     time.Now,
		logger:  logger.With(slog.String("agent", "ratelimit")),
		metrics: rec,
	}
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Allow counts one request for ip in the current window.
func (l *RateLimiter) Allow(ctx context.Context, ip string) Decision {
	now := l.now()
	secs := int64(l.window / time.Second)
	window := now.Unix() / secs
	count := l.cache.Incr(ctx, cache.Keys.RateLimit(ip, window), l.window)
	if count == 0 {
		return Decision{Allowed: true, Remaining: l.limit}
	}
	if count > l.limit {
		windowEnd := time.Unix((window+1)*secs, 0)
		return Decision{RetryAfter: windowEnd.Sub(now)}
	}
	return Decision{Allowed: true, Remaining: l.limit - count}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		decision := l.Allow(r.Context(), ip)
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(l.limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if !decision.Allowed {
			l.metrics.ObserveGuard("rate_limited")
			l.logger.Warn("rate limit exceeded", slog.String("ip", ip), slog.String("path", r.URL.Path))
			retry := int64(decision.RetryAfter / time.Second)
			if decision.RetryAfter%time.Second > 0 {
				retry++
			}
			w.Header().Set("Retry-After", strconv.FormatInt(max(retry, 1), 10))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the host part of RemoteAddr. chi's RealIP middleware has
// already replaced it with the forwarded address when present.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
