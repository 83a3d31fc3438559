// Package middleware provides HTTP middleware for the rollout orchestrator's
// inbound API.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	RequestsPerSecond int
	BurstSize         int
	CleanupInterval   time.Duration
}

// DefaultRateLimiterConfig returns default configuration.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 10,
		BurstSize:         20,
		CleanupInterval:   time.Minute * 5,
	}
}

// repoLimiter tracks the limiter for one owner/repo.
type repoLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter rate-limits CreateWorkflow/ListWorkflows per owner/repo, per
// §4.6, rather than per client IP: many callers acting on behalf of the
// same repository should share one budget.
type RateLimiter struct {
	config   RateLimiterConfig
	repos    map[string]*repoLimiter
	mu       sync.Mutex
	stopChan chan struct{}
}

// NewRateLimiter creates a new RateLimiter and starts its cleanup loop.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:   config,
		repos:    make(map[string]*repoLimiter),
		stopChan: make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopChan:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	threshold := time.Now().Add(-rl.config.CleanupInterval * 2)
	for key, r := range rl.repos {
		if r.lastSeen.Before(threshold) {
			delete(rl.repos, key)
		}
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if r, exists := rl.repos[key]; exists {
		r.lastSeen = time.Now()
		return r.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize)
	rl.repos[key] = &repoLimiter{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

// repoKey extracts the owner/repo pair a request acts on: from the
// :owner/:repo path params, else from the "workflow_repo_key" context value
// that peekRepoKeyForRateLimit sets from a POST /workflows body, else the
// client IP (e.g. a POST body without owner and repo).
func repoKey(c *gin.Context) string {
	owner := c.Param("owner")
	repo := c.Param("repo")
	if owner != "" && repo != "" {
		return owner + "/" + repo
	}
	if body, ok := c.Get("workflow_repo_key"); ok {
		if s, ok := body.(string); ok && s != "" {
			return s
		}
	}
	return c.ClientIP()
}

// RateLimit returns the per-owner/repo rate limiting middleware.
func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := repoKey(c)
		limiter := rl.getLimiter(key)

		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"message": "too many requests for " + key,
			})
			return
		}
		c.Next()
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopChan)
}
