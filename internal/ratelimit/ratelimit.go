// Package ratelimit throttles the public API with per-principal token
// buckets, falling back to the client IP for anonymous requests.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/minhctran/vieclance/internal/api"
)

// Config tunes the limiter.
type Config struct {
	RequestsPerMinute int
	BurstSize         int
	CleanupInterval   time.Duration
}

// DefaultConfig allows 120 requests per minute with bursts of 20.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
	}
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// Limiter holds one token bucket per key.
type Limiter struct {
	refillPerSec float64
	burst        float64

	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
}

// New builds a limiter and starts its stale-bucket sweeper.
func New(cfg Config) *Limiter {
	l := &Limiter{
		refillPerSec: float64(cfg.RequestsPerMinute) / 60.0,
		burst:        float64(cfg.BurstSize),
		buckets:      make(map[string]*bucket),
		stop:         make(chan struct{}),
	}
	go l.sweep(cfg.CleanupInterval)
	return l
}

// Stop ends the sweeper goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

func (l *Limiter) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * time.Minute)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Allow takes one token from the key's bucket, reporting whether one was
// available. New keys start with a full burst.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: l.burst - 1, lastSeen: now}
		return true
	}

	b.tokens += now.Sub(b.lastSeen).Seconds() * l.refillPerSec
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Middleware rejects over-limit requests with 429. Requests carrying a
// principal header are keyed by principal so gateways sharing an egress
// IP are not throttled together.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if pid := c.GetHeader("X-Principal-Id"); pid != "" {
			key = "principal:" + pid
		}

		if !l.Allow(key) {
			api.Fail(c, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests. Please slow down.")
			c.Abort()
			return
		}
		c.Next()
	}
}
