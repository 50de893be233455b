// internal/storage/subscriber.go
package storage

import (
	"context"
	"fmt"

	"github.com/deyno-dev/autobuysell/internal/events"
	"github.com/deyno-dev/autobuysell/internal/position"
	"go.uber.org/zap"
)

// Subscriber is the part of the event bus the journal listens on.
type Subscriber interface {
	SubscribeFunc(eventType events.EventType, fn func(context.Context, events.Event) error) events.Subscription
}

// Attach keeps the journal in step with the ledger by persisting every
// ledger-changing event. Call the returned function to detach.
func Attach(bus Subscriber, journal Journal, logger *zap.Logger) (detach func()) {
	logger = logger.Named("journal_sync")

	subs := []events.Subscription{
		bus.SubscribeFunc(events.PositionOpened, func(ctx context.Context, e events.Event) error {
			ev, ok := e.(events.PositionOpenedEvent)
			if !ok {
				return fmt.Errorf("unexpected %T for %s", e, e.Type())
			}
			return journal.SavePosition(ctx, ev.Record)
		}),
		bus.SubscribeFunc(events.ExitExecuted, func(ctx context.Context, e events.Event) error {
			ev, ok := e.(events.ExitExecutedEvent)
			if !ok {
				return fmt.Errorf("unexpected %T for %s", e, e.Type())
			}
			return journal.RecordFill(ctx, FillEntry{
				Key:        ev.Key,
				TradeID:    ev.TradeID,
				Reason:     ev.Reason,
				Filled:     ev.Filled,
				Liquidated: ev.LiquidatedFraction,
				Closed:     ev.Closed,
			})
		}),
		bus.SubscribeFunc(events.PositionClosed, func(ctx context.Context, e events.Event) error {
			ev, ok := e.(events.PositionClosedEvent)
			if !ok {
				return fmt.Errorf("unexpected %T for %s", e, e.Type())
			}
			return journal.ClosePosition(ctx, ev.Record.Key(), ev.Reason)
		}),
	}

	logger.Debug("Journal attached to event bus", zap.Int("subscriptions", len(subs)))
	return func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}
}

// Restore loads the journal into an empty ledger.
func Restore(ctx context.Context, journal Journal, ledger *position.Ledger) (int, error) {
	records, applied, err := journal.LoadOpen(ctx)
	if err != nil {
		return 0, err
	}
	if err := ledger.Restore(records, applied); err != nil {
		return 0, fmt.Errorf("restore ledger: %w", err)
	}
	return len(records), nil
}
