package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds every backoff loop in the coordinator.
type RetryPolicy struct {
	Base     time.Duration `validate:"gt=0"`
	Cap      time.Duration `validate:"gtefield=Base"`
	Attempts uint64        `validate:"gte=1"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 500 * time.Millisecond, Cap: 30 * time.Second, Attempts: 8}
}

func (p RetryPolicy) backoff() retry.Backoff {
	next := p.Base
	exp := retry.BackoffFunc(func() (time.Duration, bool) {
		d := next
		next *= 2
		return d, false
	})
	return retry.WithMaxRetries(p.Attempts, retry.WithCappedDuration(p.Cap, exp))
}

// Retry runs op, retrying transient failures with capped exponential
// backoff. Once the bound is exhausted a transient failure escalates to
// DeadlineExceeded; other failures are returned immediately.
func Retry(ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if IsTransient(err) {
		return Deadline(op, err)
	}
	return err
}

// RetryValue is Retry for calls that return a value.
func RetryValue[T any](ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Retry(ctx, policy, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

var errNotDone = errors.New("condition not met")

// Poll evaluates check with capped exponential backoff until it reports
// done, fails, the attempt bound is exhausted or deadline passes. check
// always runs at least once, so a caller past its deadline still observes
// the latest result. Transient errors from check count as not done. A zero
// deadline means no deadline.
func Poll(ctx context.Context, clock clockwork.Clock, policy RetryPolicy, deadline time.Time, check func(ctx context.Context) (bool, error)) error {
	var lastErr error
	err := retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		done, err := check(ctx)
		switch {
		case err != nil && IsTransient(err):
			lastErr = err
		case err != nil:
			return err
		case done:
			return nil
		}
		if !deadline.IsZero() && !clock.Now().Before(deadline) {
			return fmt.Errorf("%w at %s", context.DeadlineExceeded, deadline.Format(time.RFC3339))
		}
		if err != nil {
			return retry.RetryableError(err)
		}
		return retry.RetryableError(errNotDone)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return Deadline("poll", err)
	case errors.Is(err, errNotDone):
		return Deadline("poll", ErrPollExhausted)
	case IsTransient(err):
		return Deadline("poll", fmt.Errorf("%w: %v", ErrPollExhausted, lastErr))
	default:
		return err
	}
}
