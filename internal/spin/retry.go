package spin

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/bookspin/internal/gemini"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 5 * time.Second
)

// RetryPolicy bounds generation attempts: one initial call plus MaxRetries
// re-attempts with a fixed delay in between. Only errors the provider package
// marks retryable (transport failures, 5xx) trigger another attempt.
//
// Sleep is injectable so tests can run the policy against a fake clock.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
	Sleep      func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns the production policy: 3 retries, 5s apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: defaultMaxRetries,
		Delay:      defaultRetryDelay,
		Sleep:      sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the attempt
// budget runs out.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !gemini.Retryable(err) {
			return err
		}
		lastErr = err

		if attempt < p.MaxRetries {
			if serr := sleep(ctx, p.Delay); serr != nil {
				return fmt.Errorf("aborted between attempts: %w", serr)
			}
		}
	}

	return fmt.Errorf("retries exhausted after %d attempts: %w", p.MaxRetries+1, lastErr)
}
