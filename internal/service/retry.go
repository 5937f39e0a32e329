package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/bookharvest/internal/logger"
	"github.com/timmy/bookharvest/internal/source"
)

// Limiter is the per-worker pacing contract; *ratelimit.AdaptiveLimiter implements it.
type Limiter interface {
	Wait(ctx context.Context) error
	RecordSuccess()
	RecordError(rateLimited bool)
}

// withRetries calls fn at most 1+maxRetries times, waiting on lim before
// every call and reporting each outcome back to it. Only transient errors
// are retried.
func withRetries[T any](ctx context.Context, lim Limiter, maxRetries int, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			lim.RecordSuccess()
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		lim.RecordError(source.IsRateLimited(err))
		if !source.IsTransient(err) {
			return zero, err
		}
		lastErr = err
	}
	return zero, fmt.Errorf("gave up after %d attempts: %w", maxRetries+1, lastErr)
}

// interruptible paces on the phase context while calls run on the detached
// item context, so an interrupt stops an item only between attempts.
type interruptible struct {
	Limiter
	phase context.Context
}

func (l interruptible) Wait(context.Context) error { return l.Limiter.Wait(l.phase) }

// detach returns the context an item runs under once started: it keeps the
// values of ctx but ignores its cancellation.
func detach(ctx context.Context, identifier string) context.Context {
	return logger.WithField(context.WithoutCancel(ctx), logger.FieldIdentifier, identifier)
}

// interrupted reports whether err is the phase context giving up between
// attempts, in which case the item has no outcome to record.
func interrupted(phase context.Context, err error) bool {
	return phase.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
