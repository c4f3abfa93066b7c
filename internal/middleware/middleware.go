package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	ClientIDHeader = "X-Client-ID"
	clientIDKey    = "client_id"
)

// RateLimiter lets one request per client through every limit. Clients are
// identified by the X-Client-ID header, which it also requires.
type RateLimiter struct {
	clients map[string]time.Time
	mu      sync.Mutex
	limit   time.Duration
	now     func() time.Time
}

func NewRateLimiter(limit time.Duration) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]time.Time),
		limit:   limit,
		now:     time.Now,
	}
}

func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetHeader(ClientIDHeader)
		if clientID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "X-Client-ID header required"})
			return
		}
		now := r.now()
		r.mu.Lock()
		last, exists := r.clients[clientID]
		if exists && now.Sub(last) < r.limit {
			r.mu.Unlock()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		r.clients[clientID] = now
		r.mu.Unlock()
		c.Set(clientIDKey, clientID)
		c.Next()
	}
}

// ClientID returns the client the rate limiter admitted the request for.
func ClientID(c *gin.Context) string {
	return c.GetString(clientIDKey)
}

// Logger logs one line per request with zap.
func Logger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if id := ClientID(c); id != "" {
			fields = append(fields, zap.String("client_id", id))
		}
		if len(c.Errors) > 0 {
			log.Warn("request failed", append(fields, zap.String("errors", c.Errors.String()))...)
			return
		}
		log.Debug("request served", fields...)
	}
}
