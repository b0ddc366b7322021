package retry

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcpbridge/internal/domain"
	"mcpbridge/internal/infra/telemetry"
)

// Policy bounds the retry behavior of a single call.
type Policy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	JitterRatio       float64
}

// DefaultPolicy mirrors the runtime config defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       domain.DefaultMaxAttempts,
		BaseDelay:         domain.DefaultBaseDelayMillis * time.Millisecond,
		BackoffMultiplier: domain.DefaultBackoffMultiplier,
		JitterRatio:       domain.DefaultJitterRatio,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = domain.DefaultBaseDelayMillis * time.Millisecond
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 1
	}
	if p.JitterRatio < 0 {
		p.JitterRatio = 0
	}
	if p.JitterRatio > 1 {
		p.JitterRatio = 1
	}
	return p
}

// ExhaustedError wraps the last retryable failure after the attempt budget
// is spent.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// Executor runs actions with bounded exponential backoff. Fatal failures
// (validation, authentication, not-found) return immediately; only
// transient transport failures are retried.
type Executor struct {
	logger  *zap.Logger
	metrics domain.Metrics

	mu  sync.Mutex
	rng *rand.Rand
}

type Options struct {
	Logger  *zap.Logger
	Metrics domain.Metrics
	// Seed fixes the jitter source; zero uses the current time.
	Seed int64
}

func NewExecutor(opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Executor{
		logger:  logger.Named("retry"),
		metrics: opts.Metrics,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Execute invokes action until it succeeds, fails fatally, exhausts the
// attempt budget, or ctx is done. The result of the final attempt is
// returned; exhaustion wraps the last retryable error.
func (e *Executor) Execute(ctx context.Context, serverID string, policy Policy, action func(ctx context.Context) ([]byte, error)) ([]byte, int, error) {
	policy = policy.normalized()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, attempt - 1, &ExhaustedError{Attempts: attempt - 1, LastErr: lastErr}
			}
			return nil, attempt - 1, err
		}

		result, err := action(ctx)
		if err == nil {
			return result, attempt, nil
		}
		if !domain.Retryable(err) {
			return nil, attempt, err
		}
		lastErr = err

		if attempt == policy.MaxAttempts {
			break
		}

		delay := e.delayFor(policy, attempt)
		if e.metrics != nil {
			e.metrics.ObserveRetry(serverID)
		}
		e.logger.Warn("retrying after transient failure",
			telemetry.EventField(telemetry.EventRetryAttempt),
			telemetry.ServerIDField(serverID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := sleep(ctx, delay); err != nil {
			return nil, attempt, &ExhaustedError{Attempts: attempt, LastErr: lastErr}
		}
	}

	return nil, policy.MaxAttempts, &ExhaustedError{Attempts: policy.MaxAttempts, LastErr: lastErr}
}

// delayFor computes baseDelay * multiplier^(attempt-1), perturbed by up to
// JitterRatio of variance so concurrent callers do not retry in lockstep.
func (e *Executor) delayFor(policy Policy, attempt int) time.Duration {
	delay := float64(policy.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= policy.BackoffMultiplier
	}
	if policy.JitterRatio > 0 {
		e.mu.Lock()
		jitter := (e.rng.Float64()*2 - 1) * policy.JitterRatio
		e.mu.Unlock()
		delay *= 1 + jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
