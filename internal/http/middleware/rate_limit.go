package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// RateLimitMiddleware ограничивает изменяющие запросы (GET и HEAD не считаются).
// Ключ: участник операции, если у него есть кошелёк, иначе IP.
// По умолчанию 10 запросов в минуту.
func RateLimitMiddleware(limit int64, period time.Duration) gin.HandlerFunc {
	if limit <= 0 {
		limit = 10
	}
	if period <= 0 {
		period = time.Minute
	}

	instance := limiter.New(memory.NewStore(), limiter.Rate{Period: period, Limit: limit})

	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}

		key := "ip:" + c.ClientIP()
		if actor, ok := ActorFrom(c); ok && actor.Wallet != "" {
			key = "actor:" + actor.String()
		}

		quota, err := instance.Get(c, key)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(quota.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(quota.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(quota.Reset, 10))

		if quota.Reached {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "RATE_LIMITED",
					"message": "слишком много изменяющих запросов, попробуйте позже",
				},
			})
			return
		}

		c.Next()
	}
}
