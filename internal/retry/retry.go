// Package retry runs operations with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds attempts and delays: delay(n) = min(BaseDelay*Multiplier^n, MaxDelay).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// Delay returns wait before retry number attempt (zero-based).
// Params: retry index, 0 for the wait after the first failure.
// Returns: capped exponential delay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.RandomizationFactor = 0
	exp.Multiplier = math.Max(p.Multiplier, 1)
	exp.MaxInterval = p.MaxDelay
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = time.Duration(math.MaxInt64)
	}
	exp.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// Do runs op until it succeeds, fails permanently, or attempts run out.
// Params: context, policy, operation, optional shouldRetry predicate, and optional onRetry hook.
// Returns: number of attempts made and the last error (nil on success).
func Do(
	ctx context.Context,
	policy Policy,
	op func(context.Context) error,
	shouldRetry func(error) bool,
	onRetry func(attempt int, err error, delay time.Duration),
) (int, error) {
	attempts := 0
	operation := func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) || (shouldRetry != nil && !shouldRetry(err)) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		if onRetry != nil {
			onRetry(attempts, err, delay)
		}
	}
	err := backoff.RetryNotify(operation, policy.backOff(ctx), notify)
	if err == nil {
		return attempts, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return attempts, errors.Join(err, ctxErr)
	}
	return attempts, err
}

// permanentError marks failures that must not be retried.
type permanentError struct {
	err error
}

func (e permanentError) Error() string {
	if e.err == nil {
		return "permanent error"
	}
	return e.err.Error()
}

func (e permanentError) Unwrap() error {
	return e.err
}

// Permanent marks err as non-retryable; nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err carries the non-retryable marker.
func IsPermanent(err error) bool {
	var marker permanentError
	return errors.As(err, &marker)
}
