// Package ratelimit throttles API callers. Charge creation retries
// from a misbehaving broker client can arrive as a storm; the limiter
// caps each caller at a steady rate with a small burst allowance
// instead of letting the storm reach the processor.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Config tunes the per-caller budget.
type Config struct {
	// RequestsPerMinute is the sustained rate each caller gets.
	RequestsPerMinute int
	// BurstSize is how far above the rate a caller may briefly spike.
	BurstSize int
	// CleanupInterval is how often idle callers are evicted.
	CleanupInterval time.Duration
}

// DefaultConfig allows one request per second with bursts of ten.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

type caller struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// Limiter enforces a token-bucket budget per caller key: the API key
// when the request is authenticated, the source IP otherwise.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	callers map[string]*caller
	stop    chan struct{}
}

// New creates a limiter and starts its idle-caller eviction loop.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		callers: make(map[string]*caller),
		stop:    make(chan struct{}),
	}
	go l.evictIdle()
	return l
}

// evictIdle drops callers not seen for two cleanup intervals, so the
// map stays bounded by the active client set.
func (l *Limiter) evictIdle() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * l.cfg.CleanupInterval)
			l.mu.Lock()
			for key, c := range l.callers {
				if c.lastSeen.Before(cutoff) {
					delete(l.callers, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop ends the eviction loop.
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow reports whether one more request from key fits its budget.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	c, ok := l.callers[key]
	if !ok {
		c = &caller{bucket: rate.NewLimiter(
			rate.Limit(float64(l.cfg.RequestsPerMinute)/60.0), l.cfg.BurstSize)}
		l.callers[key] = c
	}
	c.lastSeen = time.Now()
	l.mu.Unlock()

	return c.bucket.Allow()
}

// Middleware throttles requests, keyed by API key when present so
// brokers behind a shared NAT do not starve each other.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if auth := c.GetHeader("Authorization"); auth != "" {
			key = "auth:" + auth[:min(20, len(auth))]
		}

		if !l.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
