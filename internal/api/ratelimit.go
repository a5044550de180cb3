package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter is a fixed-window request counter keyed by client IP.
//
// Two independent instances front the API: a general one for the read
// endpoints and a stricter one for write and compute-heavy endpoints.
// Windows are tracked per IP, so one noisy client never throttles another.
type RateLimiter struct {
	window time.Duration
	limit  int

	mu      sync.Mutex
	clients map[string]*windowCount

	now func() time.Time // injectable clock for tests
}

type windowCount struct {
	start time.Time
	count int
}

// NewRateLimiter creates a limiter allowing limit requests per window per IP.
func NewRateLimiter(window time.Duration, limit int) *RateLimiter {
	return &RateLimiter{
		window:  window,
		limit:   limit,
		clients: make(map[string]*windowCount),
		now:     time.Now,
	}
}

// Allow counts one request for the client and reports whether it fits the
// current window.
func (rl *RateLimiter) Allow(clientIP string) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	wc, ok := rl.clients[clientIP]
	if !ok || now.Sub(wc.start) >= rl.window {
		rl.clients[clientIP] = &windowCount{start: now, count: 1}
		return true
	}
	wc.count++
	return wc.count <= rl.limit
}

// Middleware rejects over-limit requests with 429 and an advisory message.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded, retry later",
			})
			return
		}
		c.Next()
	}
}
