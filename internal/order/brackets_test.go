package order

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"options-engine/pkg/exchanges/common"
)

var d = decimal.RequireFromString

func TestStopLossPrices(t *testing.T) {
	cfg := DefaultBracketConfig()
	tests := []struct {
		name        string
		side        common.Side
		entry       string
		trigger     string
		limit       string
		tick        string
		wantTrigger string
		wantLimit   string
	}{
		{"long uses buffer when limit unset", common.SideBuy, "1000", "30", "0", "0", "700", "650"},
		{"long uses explicit limit", common.SideBuy, "1000", "30", "40", "0", "700", "600"},
		{"long limit not beyond trigger", common.SideBuy, "1000", "30", "20", "0", "700", "650"},
		{"short", common.SideSell, "1000", "30", "0", "0", "1300", "1350"},
		{"short explicit limit", common.SideSell, "200", "50", "80", "0", "300", "360"},
		{"rounds to tick", common.SideBuy, "123.45", "10", "0", "0.5", "111", "105"},
		{"long limit floored at tick", common.SideBuy, "10", "97", "0", "0.1", "0.3", "0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trig, limit := StopLossPrices(tt.side, d(tt.entry), d(tt.trigger), d(tt.limit), cfg, d(tt.tick))
			assert.True(t, trig.Equal(d(tt.wantTrigger)), "trigger %s", trig)
			assert.True(t, limit.Equal(d(tt.wantLimit)), "limit %s", limit)
		})
	}
}

func TestTargetPrices(t *testing.T) {
	cfg := DefaultBracketConfig()

	trig, limit, ok := TargetPrices(common.SideBuy, d("1000"), d("50"), d("0"), cfg, decimal.Zero)
	assert.True(t, ok)
	assert.True(t, trig.Equal(d("1500")))
	assert.True(t, limit.Equal(d("1450")))

	trig, limit, ok = TargetPrices(common.SideSell, d("1000"), d("50"), d("40"), cfg, decimal.Zero)
	assert.True(t, ok)
	assert.True(t, trig.Equal(d("500")))
	assert.True(t, limit.Equal(d("600")))

	_, _, ok = TargetPrices(common.SideSell, d("1000"), d("120"), d("0"), cfg, decimal.Zero)
	assert.False(t, ok, "short target at or below zero is skipped")

	_, _, ok = TargetPrices(common.SideBuy, d("1000"), decimal.Zero, d("10"), cfg, decimal.Zero)
	assert.False(t, ok, "zero trigger disables the target")
}
