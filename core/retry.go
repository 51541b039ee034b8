package core

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

type retryConfig struct {
	maxAttempts  int
	baseDelay    time.Duration
	jitterFactor float64
}

// RetryOption configures RetryWithBackoff.
type RetryOption func(*retryConfig)

func WithMaxAttempts(n int) RetryOption {
	return func(c *retryConfig) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithBaseDelay(d time.Duration) RetryOption {
	return func(c *retryConfig) {
		if d > 0 {
			c.baseDelay = d
		}
	}
}

// WithJitterFactor randomizes each delay by +/- factor (0..1).
func WithJitterFactor(factor float64) RetryOption {
	return func(c *retryConfig) {
		if factor >= 0 && factor <= 1 {
			c.jitterFactor = factor
		}
	}
}

// RetryWithBackoff calls fn until it succeeds, fails with an error other than ErrTxConflict,
// the attempts are exhausted or ctx is done. Delays double after each attempt.
func RetryWithBackoff(ctx context.Context, fn func() error, opts ...RetryOption) error {
	conf := retryConfig{maxAttempts: 3, baseDelay: 20 * time.Millisecond, jitterFactor: 0.2}
	for _, opt := range opts {
		opt(&conf)
	}

	var err error
	for attempt := 0; attempt < conf.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := conf.baseDelay * time.Duration(1<<uint(attempt-1))
			if conf.jitterFactor > 0 {
				jitter := (rand.Float64()*2 - 1) * conf.jitterFactor * float64(delay)
				delay += time.Duration(jitter)
			}
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "retry cancelled")
			case <-time.After(delay):
			}
		}

		if err = fn(); err == nil || errors.Cause(err) != ErrTxConflict {
			return err
		}
	}
	return errors.Wrapf(err, "giving up after %d attempts", conf.maxAttempts)
}
