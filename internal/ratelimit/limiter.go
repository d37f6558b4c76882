// Package ratelimit implements named token buckets guarding the external
// content source and the classification oracle.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/socialwatch/sentinel/internal/metrics"
)

// Bucket configures one named limiter. A non-positive RPS disables limiting.
type Bucket struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Config holds rate limiter configuration.
type Config struct {
	Default Bucket            `mapstructure:"default"`
	Buckets map[string]Bucket `mapstructure:"buckets"`
}

// Limiter manages named rate limits.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      Config
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		cfg:      cfg,
	}
}

// Wait blocks until a token is available for key, respecting the context.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	limiter := l.get(key)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(key, waited)
	}
	return nil
}

// Allow reports whether a token is available for key right now.
func (l *Limiter) Allow(key string) bool {
	return l.get(key).Allow()
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		b, found := l.cfg.Buckets[key]
		if !found {
			b = l.cfg.Default
		}
		limiter = newLimiter(b)
		l.limiters[key] = limiter
	}
	return limiter
}

func newLimiter(b Bucket) *rate.Limiter {
	r := rate.Limit(b.RPS)
	if b.RPS <= 0 {
		r = rate.Inf
	}
	burst := b.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(r, burst)
}
