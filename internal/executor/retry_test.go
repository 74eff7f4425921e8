package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bencherrors "github.com/layoutbench/layoutbench/internal/errors"
)

func failing(code string) error {
	return bencherrors.NewExecutionError(code, "stub failure", nil)
}

// flaky fails the first k attempts with a retryable error and then succeeds,
// recording which attempt produced the accepted output.
type flaky struct {
	k        int
	calls    int
	accepted int
}

func (f *flaky) attempt(_ context.Context, attempt int) error {
	f.calls++
	if f.calls <= f.k {
		return failing(bencherrors.CodeEngineFailed)
	}
	f.accepted = attempt
	return nil
}

func TestRetrier_SucceedsFirstTry(t *testing.T) {
	r := NewRetrier(RetryPolicy{MaxAttempts: 5}, zerolog.Nop())
	f := &flaky{}
	attempts, err := r.Do(context.Background(), f.attempt)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, f.calls)
}

func TestRetrier_RetriesThenSucceeds(t *testing.T) {
	r := NewRetrier(RetryPolicy{MaxAttempts: 5}, zerolog.Nop())
	f := &flaky{k: 3}
	attempts, err := r.Do(context.Background(), f.attempt)
	require.NoError(t, err)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, 4, f.accepted)
}

func TestRetrier_Exhausted(t *testing.T) {
	r := NewRetrier(RetryPolicy{MaxAttempts: 3}, zerolog.Nop())
	f := &flaky{k: 10}
	attempts, err := r.Do(context.Background(), f.attempt)
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, f.calls)
	assert.Equal(t, bencherrors.CodeRetriesExhausted, bencherrors.GetCode(err))
	assert.False(t, bencherrors.IsRetryable(err))

	// the last attempt's error stays reachable
	var be *bencherrors.BenchError
	require.True(t, errors.As(errors.Unwrap(err), &be))
	assert.Equal(t, bencherrors.CodeEngineFailed, be.Code)
}

func TestRetrier_FatalStopsImmediately(t *testing.T) {
	r := NewRetrier(RetryPolicy{MaxAttempts: 5}, zerolog.Nop())
	calls := 0
	attempts, err := r.Do(context.Background(), func(context.Context, int) error {
		calls++
		return failing(bencherrors.CodeEngineUnavailable)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
	assert.Equal(t, bencherrors.CodeEngineUnavailable, bencherrors.GetCode(err))
}

func TestRetrier_AttemptTimeoutIsRetryable(t *testing.T) {
	r := NewRetrier(RetryPolicy{MaxAttempts: 2, AttemptTimeout: 20 * time.Millisecond}, zerolog.Nop())
	calls := 0
	attempts, err := r.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 2, calls)
}

func TestRetrier_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetrier(RetryPolicy{MaxAttempts: 5}, zerolog.Nop())
	calls := 0
	_, err := r.Do(ctx, func(context.Context, int) error {
		calls++
		cancel()
		return failing(bencherrors.CodeEngineFailed)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, bencherrors.CodeCanceled, bencherrors.GetCode(err))
}

func TestRetrier_ZeroAttemptsMeansOne(t *testing.T) {
	r := NewRetrier(RetryPolicy{}, zerolog.Nop())
	assert.Equal(t, 1, r.Policy().MaxAttempts)
}

// TestProperty_RetryPolicy checks that a stub failing the first k times
// succeeds with exactly one accepted attempt when k < max, and is abandoned
// with RETRIES_EXHAUSTED after exactly max calls when k >= max.
func TestProperty_RetryPolicy(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("k < max succeeds on attempt k+1", prop.ForAll(
		func(max, k int) bool {
			if k >= max {
				k = max - 1
			}
			f := &flaky{k: k}
			attempts, err := NewRetrier(RetryPolicy{MaxAttempts: max}, zerolog.Nop()).Do(context.Background(), f.attempt)
			return err == nil && attempts == k+1 && f.calls == k+1 && f.accepted == k+1
		},
		gen.IntRange(1, 10),
		gen.IntRange(0, 9),
	))

	properties.Property("k >= max is abandoned after max calls", prop.ForAll(
		func(max, extra int) bool {
			f := &flaky{k: max + extra}
			attempts, err := NewRetrier(RetryPolicy{MaxAttempts: max}, zerolog.Nop()).Do(context.Background(), f.attempt)
			return err != nil &&
				bencherrors.GetCode(err) == bencherrors.CodeRetriesExhausted &&
				attempts == max && f.calls == max && f.accepted == 0
		},
		gen.IntRange(1, 10),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}
