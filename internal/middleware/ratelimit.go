package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/manimcat/api/internal/logging"
	"github.com/manimcat/api/pkg/response"
)

type RateLimiter struct {
	redis redis.Cmdable
}

func NewRateLimiter(redisClient redis.Cmdable) *RateLimiter {
	return &RateLimiter{redis: redisClient}
}

// Limit creates a fixed window rate limiting middleware keyed by user. A
// non-positive maxRequests disables it.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if maxRequests <= 0 {
			return c.Next()
		}
		userID := GetUserID(c)
		if userID == "" {
			return c.Next()
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, userID)
		ctx := c.UserContext()

		// INCR and the first-hit expiry go out together so a counter can
		// never be left without a TTL.
		var incr *redis.IntCmd
		var ttl *redis.DurationCmd
		_, err := rl.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(ctx, key)
			pipe.ExpireNX(ctx, key, window)
			ttl = pipe.TTL(ctx, key)
			return nil
		})
		if err != nil {
			logging.Component("RateLimit").WithError(err).Warn("Rate limit counter unavailable, allowing request")
			return c.Next()
		}

		count := incr.Val()
		if count > int64(maxRequests) {
			return response.RateLimited(c, ttl.Val())
		}

		c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", maxRequests))
		c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", maxRequests-int(count)))
		return c.Next()
	}
}

// GenerateLimit limits job submissions per hour. Generate and modify share
// the budget.
func (rl *RateLimiter) GenerateLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("generate", maxPerHour, time.Hour)
}
