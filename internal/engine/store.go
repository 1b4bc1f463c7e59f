package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"sprintline/internal/policy"
	"sprintline/internal/repo"
)

// storeRole labels store retries in metrics and logs.
const storeRole = "store"

// storeRetry bounds every store attempt by timeouts.store and retries busy
// or timed-out attempts on the handler backoff schedule.
func (e Engine) storeRetry(op string) policy.Retry {
	p := e.Retry
	p.CallTimeout = e.Config.Timeouts.Store
	p.Transient = repo.IsTransient
	p.OnRetry = func(attempt int, wait time.Duration, cause error) {
		e.Metrics.Retry(storeRole)
		e.log().Warn("transient store failure", zap.String("op", op), zap.Int("retry", attempt), zap.Duration("wait", wait), zap.Error(cause))
	}
	return p
}

// read runs a store query under the store retry policy.
func read[T any](ctx context.Context, e Engine, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.storeRetry(op).Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// write is read for mutations, detached from caller cancellation so a
// hand-off is never cut in half.
func write[T any](ctx context.Context, e Engine, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	return read(context.WithoutCancel(ctx), e, op, fn)
}

func exec(ctx context.Context, e Engine, op string, fn func(ctx context.Context) error) error {
	_, err := write(ctx, e, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
