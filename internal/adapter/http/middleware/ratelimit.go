package middleware

import (
	"context"
	"strconv"
	"time"

	redisStore "meter-recharge/internal/adapter/storage/redis"
	"meter-recharge/pkg/apperror"
	"meter-recharge/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Limiter counts requests per key in fixed windows.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (*redisStore.RateLimitResult, error)
}

// RateLimitRule caps one endpoint group.
type RateLimitRule struct {
	Group  string
	Limit  int64
	Window time.Duration
}

// Webhooks have no rule: gateways retry on 429 and would only add load.
var (
	RuleInitialize = RateLimitRule{Group: "payments_initialize", Limit: 20, Window: time.Minute}
	RuleVerify     = RateLimitRule{Group: "payments_verify", Limit: 120, Window: time.Minute}
	RuleAdminLogin = RateLimitRule{Group: "admin_login", Limit: 10, Window: time.Minute}
	RuleAdmin      = RateLimitRule{Group: "admin", Limit: 60, Window: time.Minute}
)

// RateLimiter enforces rule per caller. A failing limiter lets the request
// through: Redis being down must not block customers from paying.
func RateLimiter(limiter Limiter, rule RateLimitRule, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := rule.Group + ":" + extractIdentifier(c)

		result, err := limiter.Allow(c.Request.Context(), key, rule.Limit, rule.Window)
		if err != nil {
			log.Warn().Err(err).Str("group", rule.Group).Msg("rate limit check failed, allowing request")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt, 10))

		if !result.Allowed {
			c.Header("Retry-After", strconv.FormatInt(max(result.ResetAt-time.Now().Unix(), 1), 10))
			response.Error(c, apperror.ErrRateLimitExceeded())
			c.Abort()
			return
		}

		c.Next()
	}
}

// extractIdentifier keys authenticated operators by name, everyone else by IP.
func extractIdentifier(c *gin.Context) string {
	if actor := c.GetString(CtxActor); actor != "" {
		return "actor:" + actor
	}
	return "ip:" + c.ClientIP()
}
