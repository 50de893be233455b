package notify

import (
	"fmt"

	"github.com/deyno-dev/autobuysell/internal/events"
)

// FormatEvent renders an event as a chat message, or "" for events that are
// not reported.
func FormatEvent(e events.Event) string {
	switch ev := e.(type) {
	case events.BuyCompletedEvent:
		return fmt.Sprintf("Bought %s ETH of %s with %s: %s",
			ev.Amount, label(ev.Symbol, ev.Key.Asset), ev.Key.Account, ev.TradeID)
	case events.BuyFailedEvent:
		return fmt.Sprintf("Buy of %s with %s failed: %v",
			label(ev.Symbol, ev.Key.Asset), ev.Key.Account, ev.Error)
	case events.ExitExecutedEvent:
		msg := fmt.Sprintf("Sold %s%% of %s with %s (%s): %s",
			ev.Filled.Shift(2).StringFixed(2), ev.Key.Asset, ev.Key.Account, ev.Reason, ev.TradeID)
		if ev.Closed {
			msg += "\nPosition closed"
		} else {
			msg += fmt.Sprintf("\n%s%% sold so far", ev.LiquidatedFraction.Shift(2).StringFixed(2))
		}
		return msg
	case events.ExitFailedEvent:
		return fmt.Sprintf("Sell of %s with %s failed (%s): %v",
			ev.Key.Asset, ev.Key.Account, ev.Reason, ev.Error)
	case events.PositionFlaggedEvent:
		return fmt.Sprintf("Position %s needs attention: %v", ev.Key, ev.Error)
	}
	return ""
}

func label(symbol, asset string) string {
	if symbol == "" {
		return asset
	}
	return fmt.Sprintf("%s (%s)", symbol, asset)
}
