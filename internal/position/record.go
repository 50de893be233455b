// internal/position/record.go
package position

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Key identifies a position: one asset held by one account.
type Key struct {
	Account string
	Asset   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Account, k.Asset)
}

// Record is the state of one open position. Records handed out by the Ledger
// are copies; mutating them has no effect on the Ledger.
type Record struct {
	Account            string
	Asset              string
	EntryPrice         decimal.Decimal
	EntryTime          time.Time
	EntryVolume        decimal.Decimal
	LiquidatedFraction decimal.Decimal

	// Informational, not used by exit rules.
	Amount       decimal.Decimal
	EntryTradeID string
}

// Key returns the record's ledger key.
func (r Record) Key() Key {
	return Key{Account: r.Account, Asset: r.Asset}
}

// Remaining is the share of the original position still held.
func (r Record) Remaining() decimal.Decimal {
	return decimal.NewFromInt(1).Sub(r.LiquidatedFraction)
}

// HoldTime formats the time held as of now, e.g. "3h12m".
func (r Record) HoldTime(now time.Time) string {
	d := now.Sub(r.EntryTime)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours() / 24)
	return fmt.Sprintf("%dd%dh", days, int(d.Hours())%24)
}

// Fill is an executor-confirmed liquidation.
type Fill struct {
	TradeID  string
	Fraction decimal.Decimal
	Reason   string
}

// ApplyResult describes what Apply did to a record.
type ApplyResult struct {
	Record    Record          // state after the fill; LiquidatedFraction is 1 when Closed
	Applied   decimal.Decimal // fraction actually added after clamping
	Closed    bool
	Duplicate bool // trade id had already been applied
}

// Option customises a record at Open time.
type Option func(*Record)

// WithAmount records the quote amount spent on entry.
func WithAmount(amount decimal.Decimal) Option {
	return func(r *Record) { r.Amount = amount }
}

// WithEntryTrade records the executor id of the entry trade.
func WithEntryTrade(id string) Option {
	return func(r *Record) { r.EntryTradeID = id }
}
