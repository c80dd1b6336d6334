package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/auth"
)

// RateLimiter applies a per-user fixed window over Redis. Requests
// without an authenticated user fall through (the auth middleware has
// already decided what to do with those), and Redis trouble fails open
// so a cache outage never takes request serving down with it.
type RateLimiter struct {
	redis  *redis.Client
	logger *zap.Logger

	requestsPerMinute int
}

// NewRateLimiter creates a rate limiter; requestsPerMinute <= 0 picks
// the default of 60.
func NewRateLimiter(rdb *redis.Client, requestsPerMinute int, logger *zap.Logger) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return &RateLimiter{
		redis:             rdb,
		logger:            logger,
		requestsPerMinute: requestsPerMinute,
	}
}

// Middleware returns the HTTP middleware function.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		userCtx, err := auth.GetUserContext(ctx)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		key := fmt.Sprintf("ratelimit:user:%s", userCtx.UserID.String())
		allowed, remaining, resetAt := rl.checkRateLimit(ctx, key)

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.requestsPerMinute))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))

		if !allowed {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("user_id", userCtx.UserID.String()),
				zap.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", fmt.Sprintf("%d", resetAt.Unix()-time.Now().Unix()))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// checkRateLimit counts the request against the current one-minute window.
func (rl *RateLimiter) checkRateLimit(ctx context.Context, key string) (allowed bool, remaining int, resetAt time.Time) {
	now := time.Now()
	window := now.Truncate(time.Minute)
	windowKey := fmt.Sprintf("%s:%d", key, window.Unix())

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, time.Minute+time.Second)
	_, err := pipe.Exec(ctx)
	if err != nil {
		rl.logger.Error("Rate limit check failed", zap.Error(err))
		return true, rl.requestsPerMinute, window.Add(time.Minute)
	}

	count := incr.Val()
	remaining = rl.requestsPerMinute - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(rl.requestsPerMinute), remaining, window.Add(time.Minute)
}
