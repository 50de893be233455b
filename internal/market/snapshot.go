// internal/market/snapshot.go
package market

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrDataUnavailable means the provider could not produce a usable snapshot.
var ErrDataUnavailable = errors.New("market data unavailable")

// Snapshot is a point-in-time read of one asset. It is consumed by a single
// decision cycle and never stored.
type Snapshot struct {
	Asset     string
	Price     decimal.Decimal
	Volume    decimal.Decimal
	MarketCap decimal.Decimal
	Liquidity decimal.Decimal
	FetchedAt time.Time
}

// Valid reports whether the snapshot can drive a decision. A non-positive price,
// a negative field or a missing timestamp all count as no data.
func (s Snapshot) Valid() bool {
	if s.FetchedAt.IsZero() {
		return false
	}
	if !s.Price.IsPositive() {
		return false
	}
	return !s.Volume.IsNegative() && !s.MarketCap.IsNegative() && !s.Liquidity.IsNegative()
}

// Provider returns the current market state of an asset.
// Failures wrap ErrDataUnavailable.
type Provider interface {
	Fetch(ctx context.Context, asset string) (Snapshot, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, asset string) (Snapshot, error)

// Fetch calls f(ctx, asset).
func (f ProviderFunc) Fetch(ctx context.Context, asset string) (Snapshot, error) {
	return f(ctx, asset)
}
