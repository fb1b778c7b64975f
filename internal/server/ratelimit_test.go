package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/rcourtman/plansync/internal/identity"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterAllow_WithinLimitThenRejects(t *testing.T) {
	rl := NewMemoryLimiter(2, time.Minute)
	ctx := context.Background()
	ip := "203.0.113.10"

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, ip)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i+1)
	}
	ok, _ := rl.Allow(ctx, ip)
	assert.False(t, ok, "third request should be rejected")

	ok, _ = rl.Allow(ctx, "203.0.113.11")
	assert.True(t, ok, "other keys are independent")
}

func TestMemoryLimiterAllow_PrunesExpiredAttempts(t *testing.T) {
	rl := NewMemoryLimiter(1, time.Minute)
	ip := "203.0.113.20"
	rl.attempts[ip] = []time.Time{time.Now().Add(-2 * time.Minute)}

	ok, err := rl.Allow(context.Background(), ip)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, rl.attempts[ip], 1)
}

func TestRateLimitMiddleware(t *testing.T) {
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	})
	h := RateLimit("test", NewMemoryLimiter(1, time.Minute), ClientIP, next)

	for i, want := range []int{http.StatusNoContent, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", nil)
		req.RemoteAddr = "198.51.100.5:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, "request %d", i+1)
	}
	assert.Equal(t, 1, calls)
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestRateLimitFailsOpen(t *testing.T) {
	h := RateLimit("test", brokenLimiter{}, ClientIP, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestClientIPAndUserKeys(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", ClientIP(req))
	assert.Equal(t, "ip:192.0.2.1", UserOrIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", ClientIP(req))

	req = req.WithContext(identity.WithIdentity(req.Context(), identity.Identity{UserID: "u1"}))
	assert.Equal(t, "user:u1", UserOrIP(req))
}

func TestRedisLimiter(t *testing.T) {
	redisURL := os.Getenv("PLANSYNC_TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("PLANSYNC_TEST_REDIS_URL not set, skipping integration test")
	}
	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	rl := NewRedisLimiter(client, "plansync:test:"+t.Name(), 2, time.Minute)
	fixed := time.Now()
	rl.now = func() time.Time { return fixed }
	key := "user:" + fixed.Format(time.RFC3339Nano)

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}
