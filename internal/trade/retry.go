// internal/trade/retry.go
package trade

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrTransient marks a failure where the trade was never submitted, so
// sending it again cannot execute it twice.
var ErrTransient = errors.New("trade not submitted")

// RetryingExecutor retries calls that failed with ErrTransient.
// Any other error is returned at once.
type RetryingExecutor struct {
	next     Executor
	maxTries uint
	interval time.Duration
	logger   *zap.Logger
}

// NewRetryingExecutor wraps next. maxTries counts the first attempt.
func NewRetryingExecutor(next Executor, maxTries uint, interval time.Duration, logger *zap.Logger) *RetryingExecutor {
	if maxTries == 0 {
		maxTries = 3
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &RetryingExecutor{
		next:     next,
		maxTries: maxTries,
		interval: interval,
		logger:   logger.Named("retrying_executor"),
	}
}

func (r *RetryingExecutor) options(op string) []backoff.RetryOption {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.interval
	policy.MaxInterval = r.interval * 10

	return []backoff.RetryOption{
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(r.maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn("Retrying trade submission",
				zap.String("operation", op),
				zap.Duration("backoff", wait),
				zap.Error(err))
		}),
	}
}

func classify(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return backoff.Permanent(err)
}

// Liquidate forwards to the wrapped executor.
func (r *RetryingExecutor) Liquidate(ctx context.Context, account, asset string, fraction decimal.Decimal) (Fill, error) {
	return backoff.Retry(ctx, func() (Fill, error) {
		fill, err := r.next.Liquidate(ctx, account, asset, fraction)
		return fill, classify(err)
	}, r.options("liquidate")...)
}

// Acquire forwards to the wrapped executor.
func (r *RetryingExecutor) Acquire(ctx context.Context, account, asset string, amount decimal.Decimal) (Entry, error) {
	return backoff.Retry(ctx, func() (Entry, error) {
		entry, err := r.next.Acquire(ctx, account, asset, amount)
		return entry, classify(err)
	}, r.options("acquire")...)
}
