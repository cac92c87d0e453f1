// Package middleware carries the coordinator's request plumbing: request
// ids, panic recovery, structured request logs, and rate limiting.
package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"gridrun/internal/logging"
	"gridrun/internal/store"
)

// ErrorResponse is the standardized error body for middleware rejections.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Code      string                 `json:"code"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"requestId,omitempty"`
}

// RequestID tags each request with a unique id, honoring one supplied by
// the caller.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

func generateRequestID() string {
	randomBytes := make([]byte, 4)
	rand.Read(randomBytes)
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), hex.EncodeToString(randomBytes))
}

// Recovery converts panics into 500 responses instead of dropped
// connections.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		requestID := c.GetString("request_id")
		logging.S().Errorw("panic recovered",
			"requestId", requestID,
			"path", c.Request.URL.Path,
			"error", recovered,
			"stack", string(debug.Stack()),
		)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "Internal server error",
			Code:      "INTERNAL_SERVER_ERROR",
			Timestamp: time.Now().UTC(),
			RequestID: requestID,
		})
	})
}

// RequestLogger emits one structured line per request. Health checks and
// metrics scrapes are skipped to keep the log readable.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/health" || path == "/metrics" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		logging.S().Infow("http request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"clientIp", c.ClientIP(),
			"requestId", c.GetString("request_id"),
		)
	}
}

// RateLimit caps requests per client IP per minute. With a RateStore the
// budget is shared across coordinator replicas; without one a local
// token-bucket limiter stands in. perMinute <= 0 disables limiting.
func RateLimit(perMinute int, counters store.RateStore) gin.HandlerFunc {
	if perMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if counters == nil {
		local := NewIPRateLimiter(rate.Limit(perMinute)/60, burstFor(perMinute))
		return func(c *gin.Context) {
			if !local.GetLimiter(c.ClientIP()).Allow() {
				rejectRateLimited(c, perMinute)
				return
			}
			c.Next()
		}
	}
	return func(c *gin.Context) {
		count, err := counters.Incr(c.Request.Context(), c.ClientIP(), time.Minute)
		if err != nil {
			// A counter outage must not take the API down with it.
			logging.S().Warnw("rate counter unavailable", "error", err)
			c.Next()
			return
		}
		if count > int64(perMinute) {
			rejectRateLimited(c, perMinute)
			return
		}
		c.Next()
	}
}

func burstFor(perMinute int) int {
	burst := perMinute / 10
	if burst < 5 {
		burst = 5
	}
	return burst
}

func rejectRateLimited(c *gin.Context, perMinute int) {
	c.JSON(http.StatusTooManyRequests, ErrorResponse{
		Error: "Rate limit exceeded",
		Code:  "RATE_LIMIT_EXCEEDED",
		Details: map[string]interface{}{
			"retry_after": "60s",
			"limit":       fmt.Sprintf("%d requests per minute", perMinute),
		},
		Timestamp: time.Now().UTC(),
		RequestID: c.GetString("request_id"),
	})
	c.Abort()
}

// RateLimiter pairs a token bucket with its last use for cleanup.
type RateLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter manages per-IP token buckets for single-node deployments.
type IPRateLimiter struct {
	limiters map[string]*RateLimiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
}

func NewIPRateLimiter(rateLimit rate.Limit, burst int) *IPRateLimiter {
	limiter := &IPRateLimiter{
		limiters: make(map[string]*RateLimiter),
		rate:     rateLimit,
		burst:    burst,
		cleanup:  10 * time.Minute,
	}
	go limiter.cleanupRoutine()
	return limiter
}

// GetLimiter returns the bucket for an IP, creating it on first sight.
func (irl *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	irl.mu.Lock()
	defer irl.mu.Unlock()

	limiter, exists := irl.limiters[ip]
	if !exists {
		limiter = &RateLimiter{
			limiter:  rate.NewLimiter(irl.rate, irl.burst),
			lastSeen: time.Now(),
		}
		irl.limiters[ip] = limiter
	} else {
		limiter.lastSeen = time.Now()
	}
	return limiter.limiter
}

// cleanupRoutine drops buckets idle for an hour so the map cannot grow
// without bound.
func (irl *IPRateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(irl.cleanup)
	defer ticker.Stop()

	for range ticker.C {
		irl.mu.Lock()
		cutoff := time.Now().Add(-time.Hour)
		for ip, limiter := range irl.limiters {
			if limiter.lastSeen.Before(cutoff) {
				delete(irl.limiters, ip)
			}
		}
		irl.mu.Unlock()
	}
}
