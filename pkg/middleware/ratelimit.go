package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/httputil"
	"github.com/platinummonkey/fleetwise/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
}

// DefaultLoginRateLimitConfig allows 10 login attempts per minute per client.
func DefaultLoginRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Minute,
	}
}

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// RateLimiter is an in-process limiter for single-instance deployments. Each
// key gets a token bucket that refills RequestsPerWindow tokens per window.
type RateLimiter struct {
	config *RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil || config.RequestsPerWindow <= 0 || config.WindowDuration <= 0 {
		config = DefaultLoginRateLimitConfig()
	}
	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
	}
}

// Allow consumes one token for key.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := time.Now()

	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		every := rl.config.WindowDuration / time.Duration(rl.config.RequestsPerWindow)
		b = &bucket{limiter: rate.NewLimiter(rate.Every(every), rl.config.RequestsPerWindow)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()

	d := Decision{Limit: rl.config.RequestsPerWindow}
	res := b.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		d.RetryAfter = delay
		return d, nil
	}

	d.Allowed = true
	if remaining := int(b.limiter.TokensAt(now)); remaining > 0 {
		d.Remaining = remaining
	}
	return d, nil
}

// Cleanup drops buckets idle for two windows.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-2 * rl.config.WindowDuration)
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// StartCleanup runs Cleanup once per window until ctx is done.
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// KeyFunc derives the rate limit key for a request.
type KeyFunc func(r *http.Request) string

// ClientIPKey keys requests by client address.
func ClientIPKey(trustProxy bool) KeyFunc {
	return func(r *http.Request) string {
		return "ip:" + httputil.ClientIP(r, trustProxy)
	}
}

// RateLimit rejects requests over the limiter's budget with 429. Limiter
// errors are logged and the request is let through.
func RateLimit(limiter Limiter, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := limiter.Allow(r.Context(), key(r))
			if err != nil {
				observability.FromContext(r.Context()).WithError(err).Warn("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

			if !d.Allowed {
				rateLimitExceeded(w, r, d)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitExceeded(w http.ResponseWriter, r *http.Request, d Decision) {
	seconds := int(d.RetryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	httputil.WriteAppError(w, r, apperr.RateLimited(fmt.Sprintf("too many requests, retry in %ds", seconds)))
}
