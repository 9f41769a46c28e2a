package security

import (
	"fmt"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

type RateLimiter struct {
	redis *redis.Client

	// maxPerMinute caps scans per client IP; high-volume gates share one IP
	// behind NAT, so keep this generous.
	maxPerMinute int64
}

func NewRateLimiter(redisClient *redis.Client, maxPerMinute int) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = 30
	}
	return &RateLimiter{
		redis:        redisClient,
		maxPerMinute: int64(maxPerMinute),
	}
}

// ScanRateLimit throttles a route per client IP with a Redis counter that
// expires after a minute. Fails open when Redis is unavailable.
func (r *RateLimiter) ScanRateLimit() func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if r.isSuspiciousUserAgent(e.Request.Header.Get("User-Agent")) {
			return e.JSON(403, map[string]string{"error": "Access denied"})
		}

		ctx := e.Request.Context()
		key := fmt.Sprintf("ratelimit:scan:%s", e.RealIP())

		count, err := r.redis.Incr(ctx, key).Result()
		if err == nil {
			if count == 1 {
				r.redis.Expire(ctx, key, time.Minute)
			}
			if count > r.maxPerMinute {
				return e.JSON(429, map[string]string{"error": "Too many requests"})
			}
		}

		return e.Next()
	}
}

func (r *RateLimiter) isSuspiciousUserAgent(ua string) bool {
	suspicious := []string{"bot", "crawler", "spider", "scraper"}
	for _, pattern := range suspicious {
		if strings.Contains(strings.ToLower(ua), pattern) {
			return true
		}
	}
	return false
}
