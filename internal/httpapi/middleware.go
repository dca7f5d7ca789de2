package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xpadev-net/ice-launcher/internal/log"
)

const defaultMaxVisitors = 10000

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type rateLimiter struct {
	limit       rate.Limit
	burst       int
	window      time.Duration
	maxVisitors int

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastPrune time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 {
		limit = 1
	}
	interval := window / time.Duration(limit)
	if interval <= 0 {
		interval = time.Second
	}
	return &rateLimiter{
		limit:       rate.Every(interval),
		burst:       limit,
		window:      window,
		maxVisitors: defaultMaxVisitors,
		visitors:    make(map[string]*visitor),
		lastPrune:   time.Now(),
	}
}

func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastPrune) > l.window || len(l.visitors) >= l.maxVisitors {
		l.prune(now)
	}

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// prune drops visitors idle for a full window; callers hold mu.
func (l *rateLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	for key, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, key)
		}
	}
	if len(l.visitors) >= l.maxVisitors {
		log.Warn("rate limiter at capacity, resetting visitors", zap.Int("visitors", len(l.visitors)))
		clear(l.visitors)
	}
	l.lastPrune = now
}

// RateLimit returns a middleware that enforces a token-bucket rate limit per
// client IP.
func RateLimit(limit int, window time.Duration) gin.HandlerFunc {
	limiter := newRateLimiter(limit, window)
	return func(c *gin.Context) {
		if !limiter.allow(c.ClientIP()) {
			RespondError(c, http.StatusTooManyRequests, ErrCodeRateLimitExceeded, "Rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequestLogger logs every request at debug level.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
