// internal/trade/router.go
package trade

import (
	"context"
	"fmt"

	"github.com/deyno-dev/autobuysell/internal/market"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Swap is the outcome of a router submission.
type Swap struct {
	TxHash string
	// Share is the fraction of the original position sold (sells only).
	Share decimal.Decimal
	// Price is the execution price (buys only).
	Price decimal.Decimal
}

// Router signs and broadcasts swaps for a wallet. Errors wrapping
// ErrTransient mean nothing was broadcast.
type Router interface {
	Sell(ctx context.Context, account, asset string, fraction decimal.Decimal) (Swap, error)
	Buy(ctx context.Context, account, asset string, amount decimal.Decimal) (Swap, error)
}

// RouterExecutor adapts a Router to the Executor interface.
type RouterExecutor struct {
	router   Router
	provider market.Provider
	logger   *zap.Logger
}

// NewRouterExecutor creates an executor for live trading.
func NewRouterExecutor(router Router, provider market.Provider, logger *zap.Logger) *RouterExecutor {
	return &RouterExecutor{
		router:   router,
		provider: provider,
		logger:   logger.Named("router_executor"),
	}
}

// Liquidate sells fraction of the original position.
func (e *RouterExecutor) Liquidate(ctx context.Context, account, asset string, fraction decimal.Decimal) (Fill, error) {
	swap, err := e.router.Sell(ctx, account, asset, fraction)
	if err != nil {
		return Fill{}, fmt.Errorf("%w: sell %s for %s: %w", ErrExecutionFailure, asset, account, err)
	}
	if swap.TxHash == "" {
		return Fill{}, fmt.Errorf("%w: sell %s for %s: router returned no transaction", ErrExecutionFailure, asset, account)
	}

	share := swap.Share
	if share.GreaterThan(fraction) {
		share = fraction
	}
	if share.LessThan(fraction) {
		e.logger.Warn("Partial fill",
			zap.String("account", account),
			zap.String("asset", asset),
			zap.Stringer("requested", fraction),
			zap.Stringer("filled", share),
			zap.String("tx", swap.TxHash))
	}
	return Fill{TradeID: swap.TxHash, ConfirmedFraction: share}, nil
}

// Acquire buys asset for amount of the quote currency. The entry volume is
// read before submitting since routers do not report it.
func (e *RouterExecutor) Acquire(ctx context.Context, account, asset string, amount decimal.Decimal) (Entry, error) {
	snap, err := e.provider.Fetch(ctx, asset)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: buy %s for %s: %w", ErrExecutionFailure, asset, account, err)
	}

	swap, err := e.router.Buy(ctx, account, asset, amount)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: buy %s for %s: %w", ErrExecutionFailure, asset, account, err)
	}
	if swap.TxHash == "" || !swap.Price.IsPositive() {
		return Entry{}, fmt.Errorf("%w: buy %s for %s: incomplete router result", ErrExecutionFailure, asset, account)
	}
	return Entry{TradeID: swap.TxHash, EntryPrice: swap.Price, EntryVolume: snap.Volume}, nil
}
