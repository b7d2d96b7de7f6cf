package order

import (
	"github.com/shopspring/decimal"

	"options-engine/pkg/exchanges/common"
)

var (
	hundred     = decimal.NewFromInt(100)
	defaultTick = decimal.New(1, -2)
)

// BracketConfig holds the engine-wide offsets used when a preset leaves a
// limit percentage unset or inconsistent with its trigger.
type BracketConfig struct {
	// LimitBufferPct is added beyond the trigger to derive the limit price.
	LimitBufferPct decimal.Decimal
	// CostBufferPct offsets breakeven stops placed by the monitor.
	CostBufferPct decimal.Decimal
}

// DefaultBracketConfig returns the 5% limit and 2% cost buffers.
func DefaultBracketConfig() BracketConfig {
	return BracketConfig{
		LimitBufferPct: decimal.NewFromInt(5),
		CostBufferPct:  decimal.NewFromInt(2),
	}
}

// StopLossPrices returns the trigger and limit for a stop on a leg opened
// on entrySide. The limit always sits at or beyond the trigger in the loss
// direction, and a long exit never goes below one tick.
func StopLossPrices(entrySide common.Side, entry, triggerPct, limitPct decimal.Decimal, cfg BracketConfig, tick decimal.Decimal) (trigger, limit decimal.Decimal) {
	if !limitPct.GreaterThan(triggerPct) {
		limitPct = triggerPct.Add(cfg.LimitBufferPct)
	}
	tick = tickOrDefault(tick)
	if entrySide == common.SideBuy {
		trigger = roundToTick(pctBelow(entry, triggerPct), tick)
		limit = roundToTick(pctBelow(entry, limitPct), tick)
		trigger = decimal.Max(trigger, tick)
		limit = decimal.Max(limit, tick)
		return trigger, limit
	}
	return roundToTick(pctAbove(entry, triggerPct), tick), roundToTick(pctAbove(entry, limitPct), tick)
}

// TargetPrices returns the take-profit trigger and limit. ok is false when
// the target is disabled or would trigger at a non-positive price.
func TargetPrices(entrySide common.Side, entry, triggerPct, limitPct decimal.Decimal, cfg BracketConfig, tick decimal.Decimal) (trigger, limit decimal.Decimal, ok bool) {
	if !triggerPct.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}
	if !limitPct.IsPositive() || !limitPct.LessThan(triggerPct) {
		limitPct = decimal.Max(triggerPct.Sub(cfg.LimitBufferPct), decimal.Zero)
	}
	tick = tickOrDefault(tick)
	if entrySide == common.SideBuy {
		return roundToTick(pctAbove(entry, triggerPct), tick), roundToTick(pctAbove(entry, limitPct), tick), true
	}
	trigger = roundToTick(pctBelow(entry, triggerPct), tick)
	if !trigger.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}
	limit = decimal.Max(roundToTick(pctBelow(entry, limitPct), tick), tick)
	return trigger, limit, true
}

func pctBelow(v, pct decimal.Decimal) decimal.Decimal {
	return v.Mul(hundred.Sub(pct)).Div(hundred)
}

func pctAbove(v, pct decimal.Decimal) decimal.Decimal {
	return v.Mul(hundred.Add(pct)).Div(hundred)
}

func tickOrDefault(tick decimal.Decimal) decimal.Decimal {
	if tick.IsPositive() {
		return tick
	}
	return defaultTick
}

// roundToTick rounds v to the nearest multiple of tick.
func roundToTick(v, tick decimal.Decimal) decimal.Decimal {
	return v.Div(tick).Round(0).Mul(tick)
}

func bracketRequest(leg Leg, b *Bracket, clientID string) common.OrderRequest {
	return common.OrderRequest{
		ProductID:  leg.ProductID,
		Symbol:     leg.Symbol,
		Side:       leg.Side.Opposite(),
		Type:       common.OrderTypeLimit,
		Size:       leg.Size,
		LimitPrice: b.Limit,
		StopType:   b.Kind,
		StopPrice:  b.Trigger,
		ReduceOnly: true,
		ClientID:   clientID,
	}
}
