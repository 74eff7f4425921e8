package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	bencherrors "github.com/layoutbench/layoutbench/internal/errors"
)

// RetryPolicy bounds how often and how long an external call may run.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// AttemptTimeout bounds a single attempt; zero means unbounded.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns the policy used for the query engine.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		AttemptTimeout: 10 * time.Minute,
	}
}

// Attempt is one try of a retried operation. ctx carries the per-attempt
// deadline; attempt counts from 1.
type Attempt func(ctx context.Context, attempt int) error

// Retrier runs an Attempt until it succeeds, fails fatally or runs out of
// attempts. Retries are immediate; there is no backoff between attempts.
type Retrier struct {
	policy RetryPolicy
	logger zerolog.Logger
}

// NewRetrier creates a Retrier. A policy with fewer than one attempt is
// treated as a single attempt.
func NewRetrier(policy RetryPolicy, logger zerolog.Logger) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Retrier{policy: policy, logger: logger}
}

// Policy returns the effective policy.
func (r *Retrier) Policy() RetryPolicy {
	return r.policy
}

// Do runs fn and returns the number of attempts made. Only errors for which
// bencherrors.IsRetryable holds trigger another attempt; any other error is
// returned as is. After MaxAttempts retryable failures the last error is
// wrapped in an EXECUTION/RETRIES_EXHAUSTED error. Cancelling ctx stops the
// loop with an EXECUTION/CANCELED error.
func (r *Retrier) Do(ctx context.Context, fn Attempt) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, canceled(err)
		}

		lastErr = r.runAttempt(ctx, fn, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, canceled(ctx.Err())
		}
		if !bencherrors.IsRetryable(lastErr) {
			return attempt, lastErr
		}

		if attempt < r.policy.MaxAttempts {
			r.logger.Warn().
				Err(lastErr).
				Int("attempt", attempt).
				Int("max_attempts", r.policy.MaxAttempts).
				Msg("attempt failed, retrying")
		}
	}

	return r.policy.MaxAttempts, bencherrors.NewExecutionError(
		bencherrors.CodeRetriesExhausted,
		fmt.Sprintf("failed after %d attempts", r.policy.MaxAttempts),
		lastErr,
	)
}

func (r *Retrier) runAttempt(ctx context.Context, fn Attempt, attempt int) error {
	attemptCtx := ctx
	if r.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, r.policy.AttemptTimeout)
		defer cancel()
	}

	err := fn(attemptCtx, attempt)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil &&
		bencherrors.GetCategory(err) == "" {
		return bencherrors.NewExecutionError(bencherrors.CodeExecutionTimeout,
			fmt.Sprintf("attempt %d exceeded %s", attempt, r.policy.AttemptTimeout), err)
	}
	return err
}

func canceled(cause error) error {
	return bencherrors.NewExecutionError(bencherrors.CodeCanceled, "execution canceled", cause)
}
