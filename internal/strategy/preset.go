package strategy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"options-engine/pkg/exchanges/common"
	"options-engine/pkg/strikes"
)

var ErrInvalidPreset = errors.New("invalid preset")

// Kind is the multi-leg structure of a strategy.
type Kind string

const (
	KindStraddle Kind = "straddle"
	KindStrangle Kind = "strangle"
	KindMove     Kind = "move"
)

// Direction is long (buy premium) or short (sell premium).
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Preset is an immutable strategy definition.
type Preset struct {
	ID        string       `json:"id" yaml:"id"`
	Name      string       `json:"name" yaml:"name"`
	Asset     string       `json:"asset" yaml:"asset"`
	Kind      Kind         `json:"kind" yaml:"kind"`
	Direction Direction    `json:"direction" yaml:"direction"`
	Strikes   strikes.Rule `json:"strikes" yaml:"strikes"`
	Expiry    string       `json:"expiry" yaml:"expiry"`
	LotSize   int64        `json:"lot_size" yaml:"lot_size"`
	OrderType string       `json:"order_type,omitempty" yaml:"order_type"` // limit (default) or market

	SLTriggerPct     decimal.Decimal `json:"sl_trigger_pct" yaml:"sl_trigger_pct"`
	SLLimitPct       decimal.Decimal `json:"sl_limit_pct" yaml:"sl_limit_pct"`
	TargetTriggerPct decimal.Decimal `json:"target_trigger_pct" yaml:"target_trigger_pct"` // 0 disables target
	TargetLimitPct   decimal.Decimal `json:"target_limit_pct" yaml:"target_limit_pct"`

	// ProfitLockPct is the aggregate unrealized PnL, as a percent of entry
	// premium, that moves all stops to cost. Zero uses the engine default;
	// negative disables the lock.
	ProfitLockPct decimal.Decimal `json:"profit_lock_pct" yaml:"profit_lock_pct"`
	Monitoring    bool            `json:"monitoring" yaml:"monitoring"`
}

// LegPlan is one contract a preset wants to hold.
type LegPlan struct {
	Index  int                `json:"index"` // 1-based
	Type   strikes.OptionType `json:"type"`
	Strike decimal.Decimal    `json:"strike"`
	Side   common.Side        `json:"side"`
}

// Validate rejects presets before any exchange call is made.
func (p Preset) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPreset)
	}
	if _, err := strikes.Increment(p.Asset); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPreset, err)
	}
	switch p.Direction {
	case Long, Short:
	default:
		return fmt.Errorf("%w: direction %q", ErrInvalidPreset, p.Direction)
	}
	switch p.Kind {
	case KindStraddle:
		if p.Strikes.Mode != strikes.ModeATM {
			return fmt.Errorf("%w: straddle requires atm strikes", ErrInvalidPreset)
		}
	case KindStrangle:
		if p.Strikes.Mode != strikes.ModeOTM {
			return fmt.Errorf("%w: strangle requires otm strikes", ErrInvalidPreset)
		}
	case KindMove:
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidPreset, p.Kind)
	}
	if err := p.Strikes.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPreset, err)
	}
	if _, err := strikes.ParseExpiry(p.Expiry, time.Now()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPreset, err)
	}
	if p.LotSize <= 0 {
		return fmt.Errorf("%w: lot size must be positive", ErrInvalidPreset)
	}
	switch strings.ToLower(p.OrderType) {
	case "", "limit", "market":
	default:
		return fmt.Errorf("%w: order type %q", ErrInvalidPreset, p.OrderType)
	}
	if !p.SLTriggerPct.IsPositive() {
		return fmt.Errorf("%w: sl trigger pct must be positive", ErrInvalidPreset)
	}
	for name, v := range map[string]decimal.Decimal{"sl limit": p.SLLimitPct, "target trigger": p.TargetTriggerPct, "target limit": p.TargetLimitPct} {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s pct is negative", ErrInvalidPreset, name)
		}
	}
	if p.EntrySide() == common.SideBuy {
		hundred := decimal.NewFromInt(100)
		if p.SLTriggerPct.GreaterThanOrEqual(hundred) || p.SLLimitPct.GreaterThanOrEqual(hundred) {
			return fmt.Errorf("%w: sl pct must be below 100 for long premium", ErrInvalidPreset)
		}
	}
	return nil
}

// EntrySide is the side every leg is opened with.
func (p Preset) EntrySide() common.Side {
	if p.Kind == KindMove || p.Direction == Long {
		return common.SideBuy
	}
	return common.SideSell
}

// EntryOrderType maps the preset's order type to the venue type.
func (p Preset) EntryOrderType() common.OrderType {
	if strings.EqualFold(p.OrderType, "market") {
		return common.OrderTypeMarket
	}
	return common.OrderTypeLimit
}

// Legs derives the legs to open from selected strikes. Call is leg 1.
func (p Preset) Legs(sel strikes.Selection) []LegPlan {
	side := p.EntrySide()
	if p.Kind == KindMove {
		if p.Direction == Long {
			return []LegPlan{{Index: 1, Type: strikes.Call, Strike: sel.Call, Side: side}}
		}
		return []LegPlan{{Index: 1, Type: strikes.Put, Strike: sel.Put, Side: side}}
	}
	return []LegPlan{
		{Index: 1, Type: strikes.Call, Strike: sel.Call, Side: side},
		{Index: 2, Type: strikes.Put, Strike: sel.Put, Side: side},
	}
}
