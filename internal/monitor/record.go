// internal/monitor/record.go
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deyno-dev/autobuysell/internal/events"
	"github.com/deyno-dev/autobuysell/internal/exit"
	"github.com/deyno-dev/autobuysell/internal/market"
	"github.com/deyno-dev/autobuysell/internal/position"
	"github.com/deyno-dev/autobuysell/internal/trade"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// callContext detaches an external call from sweep cancellation so that a
// trade already submitted is still confirmed, bounded by CallTimeout.
func (s *Service) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.callTimeout)
}

// processRecord runs one position through fetch, evaluate, liquidate, apply
// while holding its exit lease.
func (s *Service) processRecord(ctx context.Context, key position.Key) outcome {
	log := s.logger.With(zap.String("account", key.Account), zap.String("asset", key.Asset))

	rec, release, err := s.ledger.Begin(key.Account, key.Asset)
	switch {
	case errors.Is(err, position.ErrPositionBusy):
		log.Debug("Exit already in flight")
		return outcomeBusy
	case err != nil:
		// Closed since the account snapshot was taken.
		return outcomeSkipped
	}
	defer release()

	snap, err := s.fetch(ctx, key.Asset)
	if err != nil {
		log.Warn("Market data unavailable", zap.Error(err))
		_ = s.events.Publish(events.SnapshotUnavailableEvent{
			BaseEvent: events.NewBase(events.SnapshotUnavailable),
			Key:       key,
			Error:     err,
		})
		return outcomeSkipped
	}
	if !snap.Valid() {
		log.Warn("Unusable market snapshot",
			zap.Stringer("price", snap.Price),
			zap.Time("fetched_at", snap.FetchedAt))
		return outcomeSkipped
	}

	action, err := exit.Evaluate(rec, snap, s.policy, s.now())
	if err != nil {
		log.Error("Position flagged", zap.Error(err))
		_ = s.events.Publish(events.PositionFlaggedEvent{
			BaseEvent: events.NewBase(events.PositionFlagged),
			Key:       key,
			Error:     err,
		})
		return outcomeFlagged
	}
	if action.Kind == exit.None {
		log.Debug("Holding",
			zap.Stringer("price", snap.Price),
			zap.Stringer("entry_price", rec.EntryPrice),
			zap.Stringer("liquidated", rec.LiquidatedFraction))
		return outcomeNone
	}

	log.Info("Exit rule fired",
		zap.String("reason", string(action.Reason)),
		zap.Stringer("kind", action.Kind),
		zap.Stringer("fraction", action.Fraction),
		zap.Int("tier", action.Tier),
		zap.Stringer("price", snap.Price),
		zap.Stringer("entry_price", rec.EntryPrice),
		zap.String("held", rec.HoldTime(s.now())))

	fill, err := s.liquidate(ctx, key, action.Fraction)
	if err != nil {
		log.Error("Liquidation failed",
			zap.String("reason", string(action.Reason)),
			zap.Error(err))
		s.metrics.RecordExit(string(action.Reason), action.Kind.String(), false, 0)
		_ = s.events.Publish(events.ExitFailedEvent{
			BaseEvent: events.NewBase(events.ExitFailed),
			Key:       key,
			Reason:    string(action.Reason),
			Fraction:  action.Fraction,
			Error:     err,
		})
		return outcomeFailed
	}

	res, err := s.ledger.Apply(key.Account, key.Asset, position.Fill{
		TradeID:  fill.TradeID,
		Fraction: fill.ConfirmedFraction,
		Reason:   string(action.Reason),
	})
	if err != nil {
		// The sale happened but the position was removed meanwhile, e.g. by
		// a manual close. Nothing left to update.
		log.Error("Confirmed fill could not be applied",
			zap.String("trade_id", fill.TradeID),
			zap.Error(err))
		return outcomeSkipped
	}
	if res.Duplicate {
		return outcomeSkipped
	}

	filled, _ := res.Applied.Float64()
	s.metrics.RecordExit(string(action.Reason), action.Kind.String(), true, filled)

	log.Info("Exit executed",
		zap.String("reason", string(action.Reason)),
		zap.String("trade_id", fill.TradeID),
		zap.Stringer("filled", res.Applied),
		zap.Stringer("liquidated", res.Record.LiquidatedFraction),
		zap.Bool("closed", res.Closed))

	// Ledger changes are delivered synchronously so the journal holds them
	// before the lease is released.
	syncCtx := context.WithoutCancel(ctx)
	if err := s.events.PublishSync(syncCtx, events.ExitExecutedEvent{
		BaseEvent:          events.NewBase(events.ExitExecuted),
		Key:                key,
		Reason:             string(action.Reason),
		Kind:               action.Kind.String(),
		Tier:               action.Tier,
		Requested:          action.Fraction,
		Filled:             res.Applied,
		TradeID:            fill.TradeID,
		LiquidatedFraction: res.Record.LiquidatedFraction,
		Closed:             res.Closed,
		Price:              snap.Price,
		EntryPrice:         rec.EntryPrice,
	}); err != nil {
		log.Error("Exit event delivery failed", zap.Error(err))
	}
	if res.Closed {
		if err := s.events.PublishSync(syncCtx, events.PositionClosedEvent{
			BaseEvent: events.NewBase(events.PositionClosed),
			Record:    res.Record,
			Reason:    string(action.Reason),
		}); err != nil {
			log.Error("Close event delivery failed", zap.Error(err))
		}
	}
	return outcomeExited
}

func (s *Service) fetch(ctx context.Context, asset string) (market.Snapshot, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	start := time.Now()
	snap, err := s.provider.Fetch(callCtx, asset)
	s.metrics.RecordFetch(time.Since(start), err == nil)
	return snap, err
}

func (s *Service) liquidate(ctx context.Context, key position.Key, fraction decimal.Decimal) (trade.Fill, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	start := time.Now()
	fill, err := s.executor.Liquidate(callCtx, key.Account, key.Asset, fraction)
	if err == nil && (fill.TradeID == "" || !fill.ConfirmedFraction.IsPositive()) {
		err = fmt.Errorf("%w: executor confirmed nothing", trade.ErrExecutionFailure)
	}
	s.metrics.RecordTrade("sell", time.Since(start), err == nil)
	return fill, err
}
