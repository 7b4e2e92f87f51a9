// Package retry implements the engine's backoff policy for dependency
// failures: exponential delays of 1s,2s,4s,8s,16s with jitter, at most five
// attempts, aborting early on context cancellation or non-retryable errors.
package retry

import (
	"context"
	"math/rand"
	"time"

	stderrors "ceap-engine/internal/common/errors"
)

const (
	MaxAttempts = 5
	baseDelay   = time.Second
	maxDelay    = 16 * time.Second
)

// Policy controls retry behavior; the zero value plus Default() gives the
// standard engine policy.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Sleep is swappable in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func Default() Policy {
	return Policy{
		MaxAttempts: MaxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		Sleep:       sleepCtx,
	}
}

// Do invokes fn until it succeeds, exhausts attempts, returns a
// non-retryable error, or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := p.Sleep(ctx, p.delay(attempt)); err != nil {
				return lastErr
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !stderrors.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// delay computes the backoff before the given attempt (1-based for the
// first retry) with up to 25% jitter.
func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if q := int64(d) / 4; q > 0 {
		d += time.Duration(rand.Int63n(q))
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
