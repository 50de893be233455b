// internal/exit/evaluate.go
package exit

import (
	"errors"
	"fmt"
	"time"

	"github.com/deyno-dev/autobuysell/internal/market"
	"github.com/deyno-dev/autobuysell/internal/position"
	"github.com/shopspring/decimal"
)

// ErrDataError marks a record that cannot be evaluated and needs inspection.
var ErrDataError = errors.New("corrupt position data")

// Kind is the type of decision taken for a position.
type Kind int

const (
	None Kind = iota
	Partial
	Full
)

func (k Kind) String() string {
	switch k {
	case Partial:
		return "partial"
	case Full:
		return "full"
	default:
		return "none"
	}
}

// Reason names the rule that fired.
type Reason string

const (
	ReasonMaxHoldTime     Reason = "max-hold-time"
	ReasonMarketCapTarget Reason = "market-cap-target"
	ReasonStopLoss        Reason = "stop-loss"
	ReasonVolumeSpike     Reason = "volume-spike"
	ReasonMinProfit       Reason = "min-profit"
	ReasonPriceTarget     Reason = "price-target"
)

// Action is the outcome of one evaluation. Fraction is a share of the
// original position size.
type Action struct {
	Kind     Kind
	Fraction decimal.Decimal
	Reason   Reason
	Tier     int // staged target index, -1 unless Kind is Partial
}

// NoAction is returned when no rule fires or data is unusable.
var NoAction = Action{Kind: None, Fraction: decimal.Zero, Tier: -1}

func fullExit(rec position.Record, reason Reason) Action {
	return Action{Kind: Full, Fraction: rec.Remaining(), Reason: reason, Tier: -1}
}

// Evaluate decides what to do with a position given a fresh snapshot.
// Rules are checked in a fixed order and the first match wins:
//
//	max hold, market cap, stop loss, volume spike, minimum profit, staged targets
//
// An unusable snapshot yields NoAction; a record with a non-positive entry
// price yields ErrDataError.
func Evaluate(rec position.Record, snap market.Snapshot, policy Policy, now time.Time) (Action, error) {
	if !rec.EntryPrice.IsPositive() {
		return NoAction, fmt.Errorf("%w: %s has entry price %s", ErrDataError, rec.Key(), rec.EntryPrice)
	}
	if rec.LiquidatedFraction.IsNegative() || rec.LiquidatedFraction.GreaterThanOrEqual(one) {
		return NoAction, fmt.Errorf("%w: %s has liquidated fraction %s", ErrDataError, rec.Key(), rec.LiquidatedFraction)
	}
	if !snap.Valid() {
		return NoAction, nil
	}

	if now.Sub(rec.EntryTime) > policy.MaxHold {
		return fullExit(rec, ReasonMaxHoldTime), nil
	}
	if snap.MarketCap.GreaterThanOrEqual(policy.MarketCapTarget) {
		return fullExit(rec, ReasonMarketCapTarget), nil
	}

	ratio := snap.Price.Div(rec.EntryPrice)
	if ratio.LessThanOrEqual(policy.StopLossRatio) {
		return fullExit(rec, ReasonStopLoss), nil
	}
	if snap.Volume.GreaterThan(rec.EntryVolume.Mul(policy.VolumeSpikeMultiplier)) {
		return fullExit(rec, ReasonVolumeSpike), nil
	}
	if ratio.GreaterThanOrEqual(policy.MinProfitRatio) && rec.LiquidatedFraction.IsZero() {
		return fullExit(rec, ReasonMinProfit), nil
	}

	tier := policy.TierIndex(rec.LiquidatedFraction)
	target := rec.EntryPrice.Mul(policy.PriceTargets[tier])
	if snap.Price.LessThan(target) {
		return NoAction, nil
	}

	fraction := policy.SellFractions[tier]
	if remaining := rec.Remaining(); fraction.GreaterThan(remaining) {
		fraction = remaining
	}
	return Action{Kind: Partial, Fraction: fraction, Reason: ReasonPriceTarget, Tier: tier}, nil
}
