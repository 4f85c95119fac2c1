package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	callerHeader   = "X-Caller-Id"
	limiterEntries = 4096
	limiterIdle    = 10 * time.Minute
)

// TokenAuth returns a Gin handler that requires Authorization: Bearer <token>.
// The caller id (X-Caller-Id, else the client IP) is stored as "caller".
func TokenAuth(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if h == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		got, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization must be a bearer token"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		caller := c.GetHeader(callerHeader)
		if caller == "" {
			caller = c.ClientIP()
		}
		c.Set("caller", caller)
		c.Next()
	}
}

// RateLimit returns a Gin handler allowing each caller limit requests per
// second with the given burst. A non-positive limit disables it.
func RateLimit(limit float64, burst int) gin.HandlerFunc {
	if limit <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst < 1 {
		burst = 1
	}
	var mu sync.Mutex
	limiters := expirable.NewLRU[string, *rate.Limiter](limiterEntries, nil, limiterIdle)
	return func(c *gin.Context) {
		caller := c.GetString("caller")
		if caller == "" {
			caller = c.ClientIP()
		}
		mu.Lock()
		l, ok := limiters.Get(caller)
		if !ok {
			l = rate.NewLimiter(rate.Limit(limit), burst)
			limiters.Add(caller, l)
		}
		mu.Unlock()
		if !l.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
