package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain"
)

// MaxRetryAttempts bounds the auto-retry budget for transient failures.
const MaxRetryAttempts = 3

// Retry runs fn, retrying on errors classified as domain.ErrTransient up to
// maxAttempts total attempts with jittered exponential backoff starting at
// base. Non-transient errors and context cancellation return immediately.
func Retry(ctx context.Context, maxAttempts int, base time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if base <= 0 {
		base = 200 * time.Millisecond
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if werr := wait(ctx, jitteredBackoff(base, attempt)); werr != nil {
				return werr
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrTransient) {
			return err
		}
	}
	return err
}

// jitteredBackoff returns a random duration in [0, base*2^(attempt-1)).
func jitteredBackoff(base time.Duration, attempt int) time.Duration {
	ceil := base << (attempt - 1)
	return time.Duration(rand.Int64N(int64(ceil)))
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
