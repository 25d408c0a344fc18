package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"

	"github.com/modelgate/modelgate/pkg/observability"
)

func setupLimiter(t *testing.T, limit int) (*LoginRateLimiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewLoginRateLimiter(client, limit, time.Minute, logger), mr
}

func TestLoginRateLimiterAllow(t *testing.T) {
	limiter, _ := setupLimiter(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow(ctx, "10.0.0.1"))
	}
	assert.False(t, limiter.Allow(ctx, "10.0.0.1"))

	// Other clients have their own window.
	assert.True(t, limiter.Allow(ctx, "10.0.0.2"))
}

func TestLoginRateLimiterWindowReset(t *testing.T) {
	limiter, mr := setupLimiter(t, 1)
	ctx := context.Background()

	assert.True(t, limiter.Allow(ctx, "10.0.0.1"))
	assert.False(t, limiter.Allow(ctx, "10.0.0.1"))

	mr.FastForward(2 * time.Minute)
	assert.True(t, limiter.Allow(ctx, "10.0.0.1"))
}

func TestLoginRateLimiterFailsOpen(t *testing.T) {
	limiter, mr := setupLimiter(t, 1)
	ctx := context.Background()

	mr.Close()
	assert.True(t, limiter.Allow(ctx, "10.0.0.1"))
	assert.True(t, limiter.Allow(ctx, "10.0.0.1"))
}

func TestLoginRateLimiterDisabled(t *testing.T) {
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	limiter := NewLoginRateLimiter(nil, 10, time.Minute, logger)

	assert.True(t, limiter.Allow(context.Background(), "10.0.0.1"))
}

func TestLoginRateLimiterHandler(t *testing.T) {
	limiter, _ := setupLimiter(t, 2)
	handler := limiter.Handler(okHandler())

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/session", nil)
		req.RemoteAddr = "10.0.0.1:54321"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send().Code)
	assert.Equal(t, http.StatusOK, send().Code)

	rec := send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate_limited")
}

func TestClientAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:1234"
	assert.Equal(t, "192.0.2.7", clientAddr(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", clientAddr(req))
}
