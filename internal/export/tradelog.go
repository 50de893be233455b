// internal/export/tradelog.go
package export

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/deyno-dev/autobuysell/internal/events"
	"go.uber.org/zap"
)

// Subscriber is the part of the event bus the trade log listens on.
type Subscriber interface {
	SubscribeFunc(eventType events.EventType, fn func(context.Context, events.Event) error) events.Subscription
}

// RecordWriter receives one CSV row per confirmed trade.
type RecordWriter interface {
	WriteRecord(record []string) error
}

// Attach appends a row to w for every confirmed buy and exit published on
// bus. Call the returned function to detach.
func Attach(bus Subscriber, w RecordWriter, logger *zap.Logger) (detach func()) {
	logger = logger.Named("trade_log")

	subs := []events.Subscription{
		bus.SubscribeFunc(events.BuyCompleted, func(ctx context.Context, e events.Event) error {
			ev, ok := e.(events.BuyCompletedEvent)
			if !ok {
				return fmt.Errorf("unexpected %T for %s", e, e.Type())
			}
			return w.WriteRecord(BuyRow(ev))
		}),
		bus.SubscribeFunc(events.ExitExecuted, func(ctx context.Context, e events.Event) error {
			ev, ok := e.(events.ExitExecutedEvent)
			if !ok {
				return fmt.Errorf("unexpected %T for %s", e, e.Type())
			}
			return w.WriteRecord(ExitRow(ev))
		}),
	}

	logger.Debug("Trade log attached to event bus")
	return func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}
}

// BuyRow formats a confirmed buy. The quantity column holds the ETH amount spent.
func BuyRow(ev events.BuyCompletedEvent) []string {
	return []string{
		ev.Timestamp().UTC().Format(time.RFC3339),
		ev.Key.Account,
		ev.Key.Asset,
		"buy",
		"",
		ev.Amount.String(),
		ev.Price.String(),
		ev.Price.String(),
		ev.TradeID,
		"false",
	}
}

// ExitRow formats a confirmed exit fill.
func ExitRow(ev events.ExitExecutedEvent) []string {
	return []string{
		ev.Timestamp().UTC().Format(time.RFC3339),
		ev.Key.Account,
		ev.Key.Asset,
		"sell",
		ev.Reason,
		ev.Filled.String(),
		ev.Price.String(),
		ev.EntryPrice.String(),
		ev.TradeID,
		strconv.FormatBool(ev.Closed),
	}
}
