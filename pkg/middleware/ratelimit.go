package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/modelgate/modelgate/pkg/httputil"
	"github.com/modelgate/modelgate/pkg/observability"
)

// LoginRateLimiter throttles login attempts per client address using a
// Redis fixed window. Redis failures fail open: a broken limiter must
// not take logins down with it.
type LoginRateLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
	logger *observability.Logger
}

// NewLoginRateLimiter creates the limiter. A nil client or non-positive
// limit disables rate limiting.
func NewLoginRateLimiter(client *redis.Client, limit int, window time.Duration, logger *observability.Logger) *LoginRateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &LoginRateLimiter{
		redis:  client,
		limit:  limit,
		window: window,
		logger: logger,
	}
}

// Allow reports whether another attempt from key fits in the current
// window.
func (l *LoginRateLimiter) Allow(ctx context.Context, key string) bool {
	if l.redis == nil || l.limit <= 0 {
		return true
	}

	redisKey := fmt.Sprintf("modelgate:ratelimit:login:%s", key)

	pipe := l.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.WithError(err).Warn("login rate limiter unavailable, allowing request")
		return true
	}

	return incr.Val() <= int64(l.limit)
}

// Handler wraps the login handler, rejecting over-limit clients with 429.
func (l *LoginRateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r.Context(), clientAddr(r)) {
			httputil.WriteTooManyRequests(w, "too many login attempts, retry later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddr keys the limiter by client IP, preferring X-Forwarded-For
// set by a fronting proxy.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
