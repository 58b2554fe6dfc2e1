package middleware

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/assetforge/api/pkg/response"
)

// RateLimiter enforces per-user fixed windows on submission routes.
// Counters live in Redis so every replica shares the same budget.
type RateLimiter struct {
	redis *redis.Client
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{redis: redisClient}
}

// Limit returns a middleware allowing maxRequests per window per user.
// Redis being down fails open; submission is cheaper to allow than to
// refuse for everyone at once.
func (rl *RateLimiter) Limit(scope string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := GetUserID(c)
		if userID == "" {
			// auth middleware rejects unauthenticated calls before this runs
			return c.Next()
		}

		key := "ratelimit:" + scope + ":" + userID
		ctx := context.Background()

		// INCR and EXPIRE travel in one pipeline; the counter key always
		// carries a TTL even if the first request's Expire was lost.
		pipe := rl.redis.TxPipeline()
		incr := pipe.Incr(ctx, key)
		ttl := pipe.TTL(ctx, key)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("[RateLimit] Redis error for %s, allowing request: %v", key, err)
			return c.Next()
		}

		count := incr.Val()
		remaining := ttl.Val()
		if remaining < 0 {
			remaining = window
			rl.redis.Expire(ctx, key, window)
		}

		if count > int64(maxRequests) {
			c.Set("Retry-After", strconv.Itoa(int(remaining.Seconds())))
			c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
			c.Set("X-RateLimit-Remaining", "0")
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(maxRequests-int(count)))
		return c.Next()
	}
}

// GenerateLimit caps text-to-3D submissions (default 20 req/hour)
func (rl *RateLimiter) GenerateLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("generate", maxPerHour, time.Hour)
}

// RetextureLimit caps retexture submissions (default 30 req/hour)
func (rl *RateLimiter) RetextureLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("retexture", maxPerHour, time.Hour)
}
