package authkit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// ClientRateLimiter hands out one token bucket per client IP.
type ClientRateLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mutex    sync.Mutex
	limiters map[string]*clientLimiter
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewClientRateLimiter allows requestsPerSecond with the given burst per client.
func NewClientRateLimiter(requestsPerSecond float64, burst int) *ClientRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ClientRateLimiter{
		limit:    rate.Limit(requestsPerSecond),
		burst:    burst,
		now:      time.Now,
		limiters: make(map[string]*clientLimiter),
	}
}

// Middleware rejects requests over the limit with 429.
func (limiter *ClientRateLimiter) Middleware() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if !limiter.allow(contextGin.ClientIP()) {
			contextGin.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		contextGin.Next()
	}
}

// Prune drops limiters idle for longer than the idle TTL.
func (limiter *ClientRateLimiter) Prune() int {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	cutoff := limiter.now().Add(-limiterIdleTTL)
	removed := 0
	for key, entry := range limiter.limiters {
		if entry.lastAccess.Before(cutoff) {
			delete(limiter.limiters, key)
			removed++
		}
	}
	return removed
}

func (limiter *ClientRateLimiter) allow(clientKey string) bool {
	limiter.mutex.Lock()
	entry, exists := limiter.limiters[clientKey]
	if !exists {
		entry = &clientLimiter{limiter: rate.NewLimiter(limiter.limit, limiter.burst)}
		limiter.limiters[clientKey] = entry
	}
	now := limiter.now()
	entry.lastAccess = now
	limiter.mutex.Unlock()
	return entry.limiter.AllowN(now, 1)
}
