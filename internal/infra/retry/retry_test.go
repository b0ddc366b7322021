package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpbridge/internal/domain"
)

func fastPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts:       maxAttempts,
		BaseDelay:         time.Millisecond,
		BackoffMultiplier: 2,
		JitterRatio:       0,
	}
}

func TestExecute_SucceedsFirstAttempt(t *testing.T) {
	e := NewExecutor(Options{})

	calls := 0
	result, attempts, err := e.Execute(context.Background(), "srv", fastPolicy(3), func(context.Context) ([]byte, error) {
		calls++
		return []byte("ok"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(result))
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestExecute_RetriesTransientThenSucceeds(t *testing.T) {
	e := NewExecutor(Options{})

	calls := 0
	result, attempts, err := e.Execute(context.Background(), "srv", fastPolicy(3), func(context.Context) ([]byte, error) {
		calls++
		if calls < 3 {
			return nil, domain.RetryableError("call", errors.New("connection reset"))
		}
		return []byte("ok"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(result))
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestExecute_FatalFailureIsNotRetried(t *testing.T) {
	e := NewExecutor(Options{})

	fatal := domain.E(domain.CodeInvalidArgument, "call", "bad arguments", nil)
	calls := 0
	_, attempts, err := e.Execute(context.Background(), "srv", fastPolicy(5), func(context.Context) ([]byte, error) {
		calls++
		return nil, fatal
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "fatal failures must fail immediately")
	assert.Equal(t, 1, attempts)

	var exhausted *ExhaustedError
	assert.False(t, errors.As(err, &exhausted))
}

func TestExecute_ExhaustionWrapsLastError(t *testing.T) {
	e := NewExecutor(Options{})

	last := domain.RetryableError("call", errors.New("backend down"))
	calls := 0
	_, attempts, err := e.Execute(context.Background(), "srv", fastPolicy(3), func(context.Context) ([]byte, error) {
		calls++
		return nil, last
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, last)
}

func TestExecute_ContextCancelStopsRetrying(t *testing.T) {
	e := NewExecutor(Options{})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, _, err := e.Execute(ctx, "srv", Policy{
		MaxAttempts:       10,
		BaseDelay:         time.Hour,
		BackoffMultiplier: 2,
	}, func(context.Context) ([]byte, error) {
		calls++
		cancel()
		return nil, domain.RetryableError("call", errors.New("flaky"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "cancellation must interrupt the backoff sleep")
}

func TestExecute_CanceledActionIsNotRetried(t *testing.T) {
	e := NewExecutor(Options{})

	calls := 0
	_, attempts, err := e.Execute(context.Background(), "srv", fastPolicy(5), func(context.Context) ([]byte, error) {
		calls++
		return nil, context.DeadlineExceeded
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
}

func TestDelayFor_GrowsMonotonically(t *testing.T) {
	e := NewExecutor(Options{Seed: 1})

	policy := Policy{
		BaseDelay:         100 * time.Millisecond,
		BackoffMultiplier: 2,
		JitterRatio:       0.2,
	}.normalized()

	// Doubling with at most 20% jitter keeps successive delays ordered.
	prev := time.Duration(0)
	for attempt := 1; attempt <= 6; attempt++ {
		delay := e.delayFor(policy, attempt)
		assert.GreaterOrEqual(t, delay, prev, "delay for attempt %d regressed", attempt)
		prev = delay
	}
}

func TestDelayFor_JitterStaysWithinRatio(t *testing.T) {
	e := NewExecutor(Options{Seed: 42})

	policy := Policy{
		BaseDelay:         100 * time.Millisecond,
		BackoffMultiplier: 1,
		JitterRatio:       0.2,
	}.normalized()

	for i := 0; i < 100; i++ {
		delay := e.delayFor(policy, 1)
		assert.GreaterOrEqual(t, delay, 80*time.Millisecond)
		assert.LessOrEqual(t, delay, 120*time.Millisecond)
	}
}

func TestPolicyNormalized(t *testing.T) {
	p := Policy{MaxAttempts: -1, BaseDelay: -time.Second, BackoffMultiplier: 0.5, JitterRatio: 3}.normalized()
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, domain.DefaultBaseDelayMillis*time.Millisecond, p.BaseDelay)
	assert.Equal(t, float64(1), p.BackoffMultiplier)
	assert.Equal(t, float64(1), p.JitterRatio)
}
