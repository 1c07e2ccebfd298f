package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/metrics"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/retrieval"
)

const requestIDKey = "request_id"

// RequestIDMiddleware takes the request id from X-Request-Id or
// X-Correlation-Id, generating one when both are absent, and echoes it.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-Id")
		if rid == "" {
			rid = c.GetHeader("X-Correlation-Id")
		}
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Header("X-Request-Id", rid)
		c.Next()
	}
}

// RequestID returns the id assigned by RequestIDMiddleware.
func RequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// AccessLogMiddleware logs every request and records it in metrics,
// labeled by route pattern. Errors attached with c.Error are logged with
// the request line.
func AccessLogMiddleware(logger logrus.FieldLogger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		m.HTTPRequest(route, strconv.Itoa(status))

		log := logger.WithFields(logrus.Fields{
			"request_id": RequestID(c),
			"method":     c.Request.Method,
			"route":      route,
			"status":     status,
			"latency_ms": time.Since(started).Milliseconds(),
		})
		switch {
		case len(c.Errors) > 0:
			log.Error("[http.request] " + c.Errors.String())
		case status >= http.StatusInternalServerError:
			log.Error("[http.request] Request failed")
		default:
			log.Debug("[http.request] Request served")
		}
	}
}

// RateLimiter is a fixed-window request limit per client IP, counted in
// Redis.
type RateLimiter struct {
	client redis.UniversalClient
	limit  int64
	window time.Duration
}

func NewRateLimiter(client redis.UniversalClient, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware rejects requests over the limit with RATE_LIMITED. Redis
// failures let the request through.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := "ratelimit:" + c.ClientIP()

		pipe := rl.client.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, rl.window)
		if _, err := pipe.Exec(ctx); err != nil {
			_ = c.Error(fmt.Errorf("rate limiter: %w", err))
			c.Next()
			return
		}

		if incr.Val() > rl.limit {
			c.Header("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			respondError(c, retrieval.NewError(retrieval.CodeRateLimited,
				"rate limit exceeded, try again in %d seconds", int(rl.window.Seconds())))
			return
		}
		c.Next()
	}
}
