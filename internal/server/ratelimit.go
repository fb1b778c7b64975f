package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rcourtman/plansync/internal/identity"
	"github.com/rcourtman/plansync/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	defaultRateLimit  = 120
	defaultRateWindow = time.Minute
)

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryLimiter is a sliding-window limiter kept in process memory.
type MemoryLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewMemoryLimiter creates a limiter allowing limit requests per window.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = defaultRateLimit
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &MemoryLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks whether key is within the rate limit.
func (rl *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	valid := rl.attempts[key][:0]
	for _, t := range rl.attempts[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.attempts[key] = valid
		return false, nil
	}

	rl.attempts[key] = append(valid, now)
	return true, nil
}

// redisCounter is the subset of *redis.Client used by RedisLimiter.
type redisCounter interface {
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// RedisLimiter is a fixed-window limiter shared by every replica.
type RedisLimiter struct {
	client redisCounter
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter creates a limiter backed by client.
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	if limit <= 0 {
		limit = defaultRateLimit
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window, now: time.Now}
}

// Allow increments the counter for the current window.
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := rl.now().UnixNano() / int64(rl.window)
	redisKey := fmt.Sprintf("%s:%s:%d", rl.prefix, key, bucket)

	var incr *redis.IntCmd
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, rl.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit counter: %w", err)
	}
	return incr.Val() <= int64(rl.limit), nil
}

// KeyFunc extracts the rate limit key from a request.
type KeyFunc func(r *http.Request) string

// RateLimit wraps next with limiter. Limiter failures let the request
// through.
func RateLimit(scope string, limiter Limiter, key KeyFunc, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, err := limiter.Allow(r.Context(), key(r))
		if err != nil {
			log.Warn().Err(err).Str("scope", scope).Msg("Rate limiter unavailable, allowing request")
			allowed = true
		}
		if !allowed {
			metrics.RateLimitedTotal.WithLabelValues(scope).Inc()
			w.Header().Set("Retry-After", strconv.Itoa(60))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP keys requests by the originating address.
func ClientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// UserOrIP keys authenticated requests by user id.
func UserOrIP(r *http.Request) string {
	if id, ok := identity.FromContext(r.Context()); ok {
		return "user:" + id.UserID
	}
	return "ip:" + ClientIP(r)
}
