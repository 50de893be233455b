// internal/exit/policy.go
package exit

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrConfigInvalid is returned when an exit policy cannot be used.
var ErrConfigInvalid = errors.New("invalid exit policy")

var one = decimal.NewFromInt(1)

// Policy holds the process-wide exit rules. It is read-only once validated.
type Policy struct {
	// PriceTargets are multipliers of the entry price, strictly increasing.
	PriceTargets []decimal.Decimal
	// SellFractions[i] is the share of the original position sold at PriceTargets[i].
	SellFractions []decimal.Decimal

	StopLossRatio         decimal.Decimal // sell all at or below this price ratio
	MinProfitRatio        decimal.Decimal // sell all at or above this ratio before any partial exit
	VolumeSpikeMultiplier decimal.Decimal // sell all when volume exceeds entry volume times this
	MarketCapTarget       decimal.Decimal // sell all once market cap reaches this
	MaxHold               time.Duration

	cumulative []decimal.Decimal
}

// DefaultPolicy returns the reference configuration: four 25% tiers at 1.5x, 2x, 3x and 5x.
func DefaultPolicy() Policy {
	return Policy{
		PriceTargets: []decimal.Decimal{
			decimal.RequireFromString("1.5"),
			decimal.NewFromInt(2),
			decimal.NewFromInt(3),
			decimal.NewFromInt(5),
		},
		SellFractions: []decimal.Decimal{
			decimal.RequireFromString("0.25"),
			decimal.RequireFromString("0.25"),
			decimal.RequireFromString("0.25"),
			decimal.RequireFromString("0.25"),
		},
		StopLossRatio:         decimal.RequireFromString("0.8"),
		MinProfitRatio:        decimal.RequireFromString("1.2"),
		VolumeSpikeMultiplier: decimal.NewFromInt(2),
		MarketCapTarget:       decimal.NewFromInt(1_000_000),
		MaxHold:               12 * time.Hour,
	}
}

// Validate checks every field and precomputes the cumulative tier allocation.
// The returned error wraps ErrConfigInvalid.
func (p *Policy) Validate() error {
	if len(p.PriceTargets) == 0 {
		return fmt.Errorf("%w: price_targets is empty", ErrConfigInvalid)
	}
	if len(p.PriceTargets) != len(p.SellFractions) {
		return fmt.Errorf("%w: %d price targets but %d sell fractions",
			ErrConfigInvalid, len(p.PriceTargets), len(p.SellFractions))
	}

	cumulative := make([]decimal.Decimal, len(p.SellFractions))
	total := decimal.Zero
	for i, target := range p.PriceTargets {
		if !target.IsPositive() {
			return fmt.Errorf("%w: price target %d must be positive", ErrConfigInvalid, i)
		}
		if i > 0 && !target.GreaterThan(p.PriceTargets[i-1]) {
			return fmt.Errorf("%w: price targets must be strictly increasing (index %d)", ErrConfigInvalid, i)
		}
		fraction := p.SellFractions[i]
		if !fraction.IsPositive() || fraction.GreaterThan(one) {
			return fmt.Errorf("%w: sell fraction %d must be in (0,1], got %s", ErrConfigInvalid, i, fraction)
		}
		total = total.Add(fraction)
		cumulative[i] = total
	}

	if !p.StopLossRatio.IsPositive() || !p.StopLossRatio.LessThan(one) {
		return fmt.Errorf("%w: stop loss ratio must be in (0,1), got %s", ErrConfigInvalid, p.StopLossRatio)
	}
	if !p.MinProfitRatio.GreaterThan(one) {
		return fmt.Errorf("%w: minimum profit ratio must be > 1, got %s", ErrConfigInvalid, p.MinProfitRatio)
	}
	if !p.VolumeSpikeMultiplier.GreaterThan(one) {
		return fmt.Errorf("%w: volume spike multiplier must be > 1, got %s", ErrConfigInvalid, p.VolumeSpikeMultiplier)
	}
	if !p.MarketCapTarget.IsPositive() {
		return fmt.Errorf("%w: market cap target must be positive", ErrConfigInvalid)
	}
	if p.MaxHold <= 0 {
		return fmt.Errorf("%w: max hold must be positive", ErrConfigInvalid)
	}

	p.cumulative = cumulative
	return nil
}

// TierIndex returns the next unfilled tier for the given liquidated fraction:
// the smallest index whose cumulative allocation exceeds it, clamped to the last tier.
func (p *Policy) TierIndex(liquidated decimal.Decimal) int {
	cumulative := p.cumulative
	if len(cumulative) != len(p.SellFractions) {
		cumulative = make([]decimal.Decimal, len(p.SellFractions))
		total := decimal.Zero
		for i, f := range p.SellFractions {
			total = total.Add(f)
			cumulative[i] = total
		}
	}
	for i, c := range cumulative {
		if c.GreaterThan(liquidated) {
			return i
		}
	}
	return len(cumulative) - 1
}
