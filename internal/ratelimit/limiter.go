// Package ratelimit provides the adaptive delay controller owned by each
// download or enrichment worker. Instances are never shared: backoff caused
// by one worker does not slow down the others.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/timmy/bookharvest/internal/config"
)

// Config bounds and tunes an AdaptiveLimiter.
type Config struct {
	BaseDelay     time.Duration
	MinDelay      time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64 // > 1
	SpeedupFactor float64 // < 1
	SuccessStreak int
}

// DefaultConfig returns the limiter settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BaseDelay:     time.Second,
		MinDelay:      250 * time.Millisecond,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
		SpeedupFactor: 0.9,
		SuccessStreak: 10,
	}
}

// FromConfig converts the ratelimit config section.
func FromConfig(c config.RateLimitConfig) Config {
	cfg := Config{
		BaseDelay:     c.BaseDelay,
		MinDelay:      c.MinDelay,
		MaxDelay:      c.MaxDelay,
		BackoffFactor: c.BackoffFactor,
		SpeedupFactor: c.SpeedupFactor,
		SuccessStreak: c.SuccessStreak,
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.MinDelay < 0 || c.MinDelay > c.MaxDelay {
		c.MinDelay = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = def.BackoffFactor
	}
	if c.SpeedupFactor <= 0 || c.SpeedupFactor >= 1 {
		c.SpeedupFactor = def.SpeedupFactor
	}
	if c.SuccessStreak <= 0 {
		c.SuccessStreak = def.SuccessStreak
	}
	return c
}

// AdaptiveLimiter spaces out remote calls by a delay that shrinks after a
// streak of successes and grows on errors. The delay always stays inside
// [MinDelay, MaxDelay].
type AdaptiveLimiter struct {
	cfg Config

	mu     sync.Mutex
	delay  time.Duration
	streak int
}

// New creates a limiter starting at cfg.BaseDelay.
func New(cfg Config) *AdaptiveLimiter {
	cfg = cfg.withDefaults()
	l := &AdaptiveLimiter{cfg: cfg}
	l.delay = l.clamp(cfg.BaseDelay)
	return l
}

// Wait blocks for the current delay or until ctx is done.
func (l *AdaptiveLimiter) Wait(ctx context.Context) error {
	d := l.Delay()
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RecordSuccess counts a successful call. Every SuccessStreak consecutive
// successes shrink the delay by SpeedupFactor.
func (l *AdaptiveLimiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.streak++
	if l.streak >= l.cfg.SuccessStreak {
		l.delay = l.clamp(scale(l.delay, l.cfg.SpeedupFactor))
		l.streak = 0
	}
}

// RecordError resets the success streak and grows the delay by
// BackoffFactor, twice over when the remote rejected the call for rate reasons.
func (l *AdaptiveLimiter) RecordError(rateLimited bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.streak = 0
	factor := l.cfg.BackoffFactor
	if rateLimited {
		factor *= 2
	}
	next := scale(l.delay, factor)
	if next <= l.delay {
		// a zero delay would never grow
		next = l.cfg.BaseDelay
	}
	l.delay = l.clamp(next)
}

// Delay returns the current delay.
func (l *AdaptiveLimiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delay
}

func (l *AdaptiveLimiter) clamp(d time.Duration) time.Duration {
	if d < l.cfg.MinDelay {
		return l.cfg.MinDelay
	}
	if d > l.cfg.MaxDelay {
		return l.cfg.MaxDelay
	}
	return d
}

func scale(d time.Duration, f float64) time.Duration {
	return time.Duration(float64(d) * f)
}
