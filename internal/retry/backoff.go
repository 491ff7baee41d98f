// Package retry runs operations with exponential backoff. Only errors the
// policy classifies as retryable are retried; all others return immediately.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/mlflow-exim/internal/errs"
)

// Policy configures retries.
type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean a single attempt.
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`

	// Retryable decides whether an error is worth another attempt.
	// Defaults to errs.IsTransient.
	Retryable func(error) bool `yaml:"-"`
	// OnRetry is called before each sleep.
	OnRetry func(op string, attempt int, err error, delay time.Duration) `yaml:"-"`
}

// DefaultPolicy returns the policy used for tracking-server calls and
// artifact transfers: 5 attempts, 500ms doubling to at most 30s, with jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer executes functions under a Policy.
type Retryer struct {
	policy Policy
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a Retryer, normalising out-of-range policy values.
func New(policy Policy, logger *zap.Logger) *Retryer {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 500 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	if policy.Retryable == nil {
		policy.Retryable = errs.IsTransient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{policy: policy, logger: logger, sleep: sleepCtx}
}

// Policy returns the normalised policy.
func (r *Retryer) Policy() Policy {
	return r.policy
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted.
func (r *Retryer) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.Delay(attempt - 1)
			r.logger.Debug("retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(op, attempt, lastErr, delay)
			}
			if err := r.sleep(ctx, delay); err != nil {
				return fmt.Errorf("%s: retry abandoned: %w", op, err)
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !r.policy.Retryable(lastErr) {
			return lastErr
		}
	}

	r.logger.Warn("retries exhausted",
		zap.String("op", op),
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return lastErr
}

// Delay returns the backoff before retry number n (1-based).
func (r *Retryer) Delay(n int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(n-1))
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	// ±25% jitter, never below the initial delay.
	if r.policy.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < float64(r.policy.InitialDelay) {
		delay = float64(r.policy.InitialDelay)
	}
	return time.Duration(delay)
}

// Value runs fn under r and returns its result.
func Value[T any](ctx context.Context, r *Retryer, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
