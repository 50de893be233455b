// internal/trade/executor.go
package trade

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrExecutionFailure wraps every error returned by an Executor: the trade was
// declined, failed or its outcome is unknown.
var ErrExecutionFailure = errors.New("trade execution failed")

// Fill is the confirmed result of a liquidation request.
type Fill struct {
	TradeID string
	// ConfirmedFraction is the share of the original position actually sold.
	// It may be lower than requested on a partial fill.
	ConfirmedFraction decimal.Decimal
}

// Entry is the confirmed result of an acquisition.
type Entry struct {
	TradeID     string
	EntryPrice  decimal.Decimal
	EntryVolume decimal.Decimal
}

// Executor submits trades on behalf of an account.
type Executor interface {
	// Liquidate sells fraction of the original position of asset.
	Liquidate(ctx context.Context, account, asset string, fraction decimal.Decimal) (Fill, error)
	// Acquire buys asset for amount of the quote currency.
	Acquire(ctx context.Context, account, asset string, amount decimal.Decimal) (Entry, error)
}
