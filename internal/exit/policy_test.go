package exit

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_ValidateDefault(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())
}

func TestPolicy_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Policy)
	}{
		{"empty targets", func(p *Policy) { p.PriceTargets = nil; p.SellFractions = nil }},
		{"length mismatch", func(p *Policy) { p.SellFractions = p.SellFractions[:3] }},
		{"non increasing targets", func(p *Policy) { p.PriceTargets[2] = d("2") }},
		{"zero fraction", func(p *Policy) { p.SellFractions[0] = decimal.Zero }},
		{"fraction above one", func(p *Policy) { p.SellFractions[1] = d("1.01") }},
		{"stop loss at one", func(p *Policy) { p.StopLossRatio = d("1") }},
		{"stop loss zero", func(p *Policy) { p.StopLossRatio = decimal.Zero }},
		{"min profit at one", func(p *Policy) { p.MinProfitRatio = d("1") }},
		{"volume multiplier at one", func(p *Policy) { p.VolumeSpikeMultiplier = d("1") }},
		{"market cap zero", func(p *Policy) { p.MarketCapTarget = decimal.Zero }},
		{"max hold zero", func(p *Policy) { p.MaxHold = 0 }},
		{"max hold negative", func(p *Policy) { p.MaxHold = -time.Minute }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			err := p.Validate()
			assert.ErrorIs(t, err, ErrConfigInvalid)
		})
	}
}

func TestPolicy_TierIndex(t *testing.T) {
	uniform := DefaultPolicy()
	require.NoError(t, uniform.Validate())

	for _, tc := range []struct {
		liquidated string
		want       int
	}{
		{"0", 0}, {"0.1", 0}, {"0.25", 1}, {"0.49", 1}, {"0.5", 2}, {"0.75", 3}, {"0.99", 3},
	} {
		assert.Equal(t, tc.want, uniform.TierIndex(d(tc.liquidated)), "liquidated=%s", tc.liquidated)
	}

	uneven := DefaultPolicy()
	uneven.SellFractions = []decimal.Decimal{d("0.1"), d("0.4"), d("0.2"), d("0.3")}
	require.NoError(t, uneven.Validate())

	for _, tc := range []struct {
		liquidated string
		want       int
	}{
		{"0", 0}, {"0.1", 1}, {"0.3", 1}, {"0.5", 2}, {"0.7", 3}, {"0.95", 3},
	} {
		assert.Equal(t, tc.want, uneven.TierIndex(d(tc.liquidated)), "liquidated=%s", tc.liquidated)
	}
}
