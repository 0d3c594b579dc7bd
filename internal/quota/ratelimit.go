package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cumulusfs/cumulus/internal/metrics"
)

// RateLimiter implements per-user token bucket rate limiting.
type RateLimiter struct {
	mu      sync.Mutex
	rpm     int
	buckets map[string]*tokenBucket
}

type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter creates a per-user rate limiter allowing rpm requests per
// minute per user. rpm=0 disables limiting.
func NewRateLimiter(rpm int) *RateLimiter {
	return &RateLimiter{
		rpm:     rpm,
		buckets: make(map[string]*tokenBucket),
	}
}

// Allow reports whether a request from the given user should be allowed.
func (rl *RateLimiter) Allow(userID string) bool {
	if rl.rpm == 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[userID]
	if !ok {
		bucket = &tokenBucket{
			tokens:     float64(rl.rpm),
			maxTokens:  float64(rl.rpm),
			refillRate: float64(rl.rpm) / 60.0,
			lastRefill: time.Now(),
		}
		rl.buckets[userID] = bucket
	}

	now := time.Now()
	elapsed := now.Sub(bucket.lastRefill).Seconds()
	bucket.tokens += elapsed * bucket.refillRate
	if bucket.tokens > bucket.maxTokens {
		bucket.tokens = bucket.maxTokens
	}
	bucket.lastRefill = now

	if bucket.tokens < 1 {
		return false
	}

	bucket.tokens--
	return true
}

// RetryAfter returns the number of seconds until the next token is available.
func (rl *RateLimiter) RetryAfter(userID string) int {
	if rl.rpm == 0 {
		return 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[userID]
	if !ok || bucket.tokens >= 1 {
		return 0
	}

	needed := 1.0 - bucket.tokens
	seconds := needed / bucket.refillRate
	return int(seconds) + 1
}

// Cleanup removes buckets for users that have not been seen recently.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for userID, bucket := range rl.buckets {
		if bucket.lastRefill.Before(cutoff) {
			delete(rl.buckets, userID)
		}
	}
}

// UserIDFromContext extracts the authenticated user ID from the request
// context. The indirection keeps this package decoupled from auth.
type UserIDFromContext func(ctx context.Context) (userID string, ok bool)

// RateLimitMiddleware returns middleware that enforces per-user rate limits.
// Unauthenticated requests pass through; auth rejects them downstream.
func RateLimitMiddleware(limiter *RateLimiter, getUserID UserIDFromContext) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := getUserID(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow(userID) {
				metrics.RecordRateLimitHit()
				w.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfter(userID)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{
					"error": "rate limit exceeded",
					"code":  http.StatusTooManyRequests,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
