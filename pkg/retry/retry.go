// Package retry runs an operation under a bounded exponential backoff policy.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/chainclient/pkg/chain"
)

// Policy bounds how often and how slowly an operation is retried. MaxAttempts counts the first
// call, so a policy with MaxAttempts 3 sleeps at most twice.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultPolicy doubles from one second and never waits longer than thirty.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
	}
}

// Validate rejects policies that would retry forever or shrink their delay.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return eris.New("max attempts must be at least 1")
	}
	if p.BaseDelay < 0 {
		return eris.New("base delay must not be negative")
	}
	if p.MaxDelay < p.BaseDelay {
		return eris.New("max delay must not be less than base delay")
	}
	if p.Multiplier < 1 {
		return eris.New("multiplier must be at least 1")
	}
	return nil
}

// Delay returns the wait before the given retry (1-based). It is non-decreasing in retry and capped
// at MaxDelay.
func (p Policy) Delay(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(retry-1))
	if delay >= float64(p.MaxDelay) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper backed by a timer.
func Sleep(ctx context.Context, d time.Duration) error {
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

type config struct {
	sleep     Sleeper
	retryable func(error) bool
	onRetry   func(attempt int, delay time.Duration, err error)
}

type Option func(*config)

// WithSleeper replaces the timer based wait, mostly for tests.
func WithSleeper(s Sleeper) Option {
	return func(c *config) {
		c.sleep = s
	}
}

// WithRetryable decides which errors are retried. By default only chain.ErrNetwork is.
func WithRetryable(fn func(error) bool) Option {
	return func(c *config) {
		c.retryable = fn
	}
}

// WithOnRetry is called before every wait.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(c *config) {
		c.onRetry = fn
	}
}

// IsTransient reports whether err is classified as a transient network error.
func IsTransient(err error) bool {
	return chain.Classify(err).Transient()
}

// Do calls fn until it succeeds, returns a non-retryable error, or the policy runs out of attempts.
// When attempts run out the last error is wrapped with chain.ErrNetworkExhausted.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) error, opts ...Option) error {
	cfg := config{sleep: Sleep, retryable: IsTransient}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := policy.Validate(); err != nil {
		return eris.Wrap(err, "invalid retry policy")
	}

	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return eris.Wrap(ctxErr, "retry aborted")
		}

		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !cfg.retryable(err) {
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.Delay(attempt)
		if cfg.onRetry != nil {
			cfg.onRetry(attempt, delay, err)
		}
		if sleepErr := cfg.sleep(ctx, delay); sleepErr != nil {
			return eris.Wrap(sleepErr, "retry aborted")
		}
	}
	return chain.Wrap(chain.ErrNetworkExhausted, err, "giving up after retries")
}

// Call is Do for operations that return a value.
func Call[T any](
	ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) (T, error), opts ...Option,
) (T, error) {
	var result T
	err := Do(ctx, policy, func(ctx context.Context, attempt int) error {
		var err error
		result, err = fn(ctx, attempt)
		return err
	}, opts...)
	return result, err
}
