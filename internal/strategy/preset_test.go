package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-engine/pkg/exchanges/common"
	"options-engine/pkg/strikes"
)

func validPreset() Preset {
	return Preset{
		ID:           "btc-straddle",
		Asset:        "BTC",
		Kind:         KindStraddle,
		Direction:    Long,
		Strikes:      strikes.Rule{Mode: strikes.ModeATM},
		Expiry:       "W",
		LotSize:      1,
		SLTriggerPct: decimal.NewFromInt(30),
	}
}

func TestPresetValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Preset)
		ok     bool
	}{
		{"valid", func(p *Preset) {}, true},
		{"missing id", func(p *Preset) { p.ID = "" }, false},
		{"unknown asset", func(p *Preset) { p.Asset = "SOL" }, false},
		{"bad direction", func(p *Preset) { p.Direction = "flat" }, false},
		{"straddle needs atm", func(p *Preset) { p.Strikes = strikes.Rule{Mode: strikes.ModeOTM, OTMType: strikes.OTMPercentage, CallPct: decimal.NewFromInt(1), PutPct: decimal.NewFromInt(1)} }, false},
		{"strangle needs otm", func(p *Preset) { p.Kind = KindStrangle }, false},
		{"bad expiry", func(p *Preset) { p.Expiry = "Q" }, false},
		{"zero lot", func(p *Preset) { p.LotSize = 0 }, false},
		{"bad order type", func(p *Preset) { p.OrderType = "iceberg" }, false},
		{"zero sl", func(p *Preset) { p.SLTriggerPct = decimal.Zero }, false},
		{"negative target", func(p *Preset) { p.TargetTriggerPct = decimal.NewFromInt(-1) }, false},
		{"long sl at 100", func(p *Preset) { p.SLTriggerPct = decimal.NewFromInt(100) }, false},
		{"short sl above 100", func(p *Preset) { p.Direction = Short; p.SLTriggerPct = decimal.NewFromInt(150) }, true},
		{"market order", func(p *Preset) { p.OrderType = "MARKET" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPreset()
			tt.mutate(&p)
			err := p.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidPreset)
			}
		})
	}
}

func TestPresetLegs(t *testing.T) {
	sel := strikes.Selection{Call: decimal.NewFromInt(65600), Put: decimal.NewFromInt(64400), ATM: decimal.NewFromInt(65000)}

	p := validPreset()
	legs := p.Legs(sel)
	require.Len(t, legs, 2)
	assert.Equal(t, strikes.Call, legs[0].Type)
	assert.Equal(t, 1, legs[0].Index)
	assert.Equal(t, strikes.Put, legs[1].Type)
	assert.Equal(t, common.SideBuy, legs[1].Side)

	p.Direction = Short
	for _, l := range p.Legs(sel) {
		assert.Equal(t, common.SideSell, l.Side)
	}

	p.Kind = KindMove
	legs = p.Legs(sel)
	require.Len(t, legs, 1)
	assert.Equal(t, strikes.Put, legs[0].Type)
	assert.Equal(t, common.SideBuy, legs[0].Side, "move legs are always bought")

	p.Direction = Long
	legs = p.Legs(sel)
	require.Len(t, legs, 1)
	assert.Equal(t, strikes.Call, legs[0].Type)
	assert.True(t, legs[0].Strike.Equal(sel.Call))
}

func TestEntryOrderType(t *testing.T) {
	p := validPreset()
	assert.Equal(t, common.OrderTypeLimit, p.EntryOrderType())
	p.OrderType = "market"
	assert.Equal(t, common.OrderTypeMarket, p.EntryOrderType())
}
