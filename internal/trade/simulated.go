// internal/trade/simulated.go
package trade

import (
	"context"
	"fmt"

	"github.com/deyno-dev/autobuysell/internal/market"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SimulatedExecutor confirms every trade without touching a chain. Entries are
// priced from the market data provider so that exit rules behave as they would
// with real fills.
type SimulatedExecutor struct {
	provider market.Provider
	logger   *zap.Logger
}

// NewSimulatedExecutor creates a paper-trading executor.
func NewSimulatedExecutor(provider market.Provider, logger *zap.Logger) *SimulatedExecutor {
	return &SimulatedExecutor{
		provider: provider,
		logger:   logger.Named("simulated_executor"),
	}
}

// Liquidate confirms the full requested fraction.
func (s *SimulatedExecutor) Liquidate(ctx context.Context, account, asset string, fraction decimal.Decimal) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, fmt.Errorf("%w: %v", ErrExecutionFailure, err)
	}
	if !fraction.IsPositive() {
		return Fill{}, fmt.Errorf("%w: fraction must be positive, got %s", ErrExecutionFailure, fraction)
	}

	id := "sim-" + uuid.NewString()
	s.logger.Info("Simulated sell",
		zap.String("account", account),
		zap.String("asset", asset),
		zap.String("percent", fraction.Shift(2).StringFixed(2)),
		zap.String("trade_id", id))
	return Fill{TradeID: id, ConfirmedFraction: fraction}, nil
}

// Acquire prices the entry from a fresh snapshot.
func (s *SimulatedExecutor) Acquire(ctx context.Context, account, asset string, amount decimal.Decimal) (Entry, error) {
	if !amount.IsPositive() {
		return Entry{}, fmt.Errorf("%w: amount must be positive, got %s", ErrExecutionFailure, amount)
	}
	snap, err := s.provider.Fetch(ctx, asset)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: price entry: %v", ErrExecutionFailure, err)
	}
	if !snap.Valid() {
		return Entry{}, fmt.Errorf("%w: no usable price for %s", ErrExecutionFailure, asset)
	}

	id := "sim-" + uuid.NewString()
	s.logger.Info("Simulated buy",
		zap.String("account", account),
		zap.String("asset", asset),
		zap.Stringer("amount", amount),
		zap.Stringer("price", snap.Price),
		zap.String("trade_id", id))
	return Entry{TradeID: id, EntryPrice: snap.Price, EntryVolume: snap.Volume}, nil
}
