// Package retry provides retry logic with exponential backoff for remote
// filesystem operations.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/dfscache/dfscache/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the backoff growth factor.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter randomizes delays to avoid synchronized retries.
	Jitter bool `yaml:"jitter" json:"jitter"`

	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns a sensible default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	config Config
}

// New creates a new Retryer with the given configuration
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	return &Retryer{config: config}
}

// Do runs op, retrying retryable failures until the attempt budget or the
// context is exhausted. When the budget runs out, or op fails with a
// non-retryable error, that last error is returned; when the context ends
// first, a Canceled error wrapping the context error is returned.
func (r *Retryer) Do(ctx context.Context, op func() error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errors.ErrCodeCanceled, "retry aborted", err)
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == r.config.MaxAttempts {
			return lastErr
		}

		delay := r.delayFor(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(errors.ErrCodeCanceled, "retry aborted", ctx.Err())
		case <-timer.C:
		}
	}

	return lastErr
}

func (r *Retryer) delayFor(attempt int) time.Duration {
	delay := float64(r.config.BaseDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		delay = delay/2 + rand.Float64()*delay/2
	}
	return time.Duration(delay)
}

func retryable(err error) bool {
	if ce, ok := err.(*errors.CacheError); ok {
		return ce.Retryable
	}
	code := errors.CodeOf(err)
	return code == errors.ErrCodeConnect || code == errors.ErrCodeRemote
}
