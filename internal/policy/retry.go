package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"sprintline/internal/completion"
)

const (
	DefaultMaxRetries  = 3
	DefaultInitialWait = time.Second
	DefaultMaxWait     = 32 * time.Second
)

// RetryExhaustedError wraps the last transient error once the budget is
// spent.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry budget exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// Retry runs an operation with exponential backoff on transient errors.
// MaxRetries counts retries after the first call.
type Retry struct {
	MaxRetries  int
	InitialWait time.Duration
	MaxWait     time.Duration
	// CallTimeout bounds each attempt; a timed-out attempt is transient.
	CallTimeout time.Duration
	// Transient decides which errors are retried. Defaults to
	// completion.IsTransient.
	Transient func(error) bool
	// OnRetry observes each scheduled retry before the wait starts.
	OnRetry func(attempt int, wait time.Duration, err error)
}

func (p Retry) withDefaults() Retry {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialWait <= 0 {
		p.InitialWait = DefaultInitialWait
	}
	if p.MaxWait <= 0 {
		p.MaxWait = DefaultMaxWait
	}
	if p.Transient == nil {
		p.Transient = completion.IsTransient
	}
	return p
}

// schedule is the doubling, jitter-free backoff capped at MaxWait.
func (p Retry) schedule() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialWait,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.MaxWait,
	}
	b.Reset()
	return b
}

// Backoff returns the wait before retry n (1-based).
func (p Retry) Backoff(n int) time.Duration {
	p = p.withDefaults()
	b := p.schedule()
	wait := b.NextBackOff()
	for i := 1; i < n; i++ {
		wait = b.NextBackOff()
	}
	return wait
}

// Do calls op until it succeeds, fails permanently, or the retry budget
// runs out. Cancellation of ctx is never retried.
func (p Retry) Do(ctx context.Context, op func(ctx context.Context) error) error {
	p = p.withDefaults()
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := p.call(ctx, op)
		switch {
		case err == nil:
			return struct{}{}, nil
		case ctx.Err() != nil:
			return struct{}{}, backoff.Permanent(ctx.Err())
		case !p.Transient(err):
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(p.schedule()),
		backoff.WithMaxTries(uint(p.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if p.OnRetry != nil {
				p.OnRetry(attempts, wait, err)
			}
		}),
	)
	if err == nil {
		return nil
	}
	// The attempt cap is checked before permanence, so a final permanent
	// error can come back still wrapped.
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !p.Transient(err) {
		return err
	}
	return &RetryExhaustedError{Attempts: attempts, Err: err}
}

func (p Retry) call(ctx context.Context, op func(ctx context.Context) error) error {
	if p.CallTimeout <= 0 {
		return op(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
	defer cancel()
	err := op(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}
