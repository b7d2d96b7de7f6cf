// Package strikes turns a spot price and a selection rule into option strikes.
package strikes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRule  = errors.New("invalid strike rule")
	ErrUnknownAsset = errors.New("unknown asset")
)

// Mode selects between at-the-money and out-of-the-money strikes.
type Mode string

const (
	ModeATM Mode = "atm"
	ModeOTM Mode = "otm"
)

// OTMType decides how the OTM distance is expressed.
type OTMType string

const (
	OTMPercentage  OTMType = "percentage"
	OTMStrikeCount OTMType = "strikes"
)

const (
	MaxOTMPercent    = 50
	MaxOTMStrikeStep = 10
)

var increments = map[string]decimal.Decimal{
	"BTC": decimal.NewFromInt(200),
	"ETH": decimal.NewFromInt(20),
}

// Increment returns the exchange strike step for an asset.
func Increment(asset string) (decimal.Decimal, error) {
	inc, ok := increments[strings.ToUpper(asset)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return inc, nil
}

// Rule describes how strikes are derived from spot.
type Rule struct {
	Mode      Mode            `json:"mode" yaml:"mode"`
	ATMOffset int             `json:"atm_offset,omitempty" yaml:"atm_offset"`
	OTMType   OTMType         `json:"otm_type,omitempty" yaml:"otm_type"`
	CallPct   decimal.Decimal `json:"call_pct,omitempty" yaml:"call_pct"`
	PutPct    decimal.Decimal `json:"put_pct,omitempty" yaml:"put_pct"`
	Steps     int             `json:"steps,omitempty" yaml:"steps"`
}

// Validate rejects rules that can never produce a tradable strike.
func (r Rule) Validate() error {
	switch r.Mode {
	case ModeATM:
		return nil
	case ModeOTM:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidRule, r.Mode)
	}
	switch r.OTMType {
	case OTMPercentage:
		max := decimal.NewFromInt(MaxOTMPercent)
		for _, p := range []struct {
			name string
			pct  decimal.Decimal
		}{{"call", r.CallPct}, {"put", r.PutPct}} {
			if !p.pct.IsPositive() || p.pct.GreaterThan(max) {
				return fmt.Errorf("%w: %s pct %s outside (0,%d]", ErrInvalidRule, p.name, p.pct, MaxOTMPercent)
			}
		}
	case OTMStrikeCount:
		if r.Steps < 1 || r.Steps > MaxOTMStrikeStep {
			return fmt.Errorf("%w: strike count %d outside [1,%d]", ErrInvalidRule, r.Steps, MaxOTMStrikeStep)
		}
	default:
		return fmt.Errorf("%w: unknown otm type %q", ErrInvalidRule, r.OTMType)
	}
	return nil
}

// Selection holds the call and put strikes for one spot observation.
type Selection struct {
	Call decimal.Decimal `json:"call"`
	Put  decimal.Decimal `json:"put"`
	ATM  decimal.Decimal `json:"atm"`
}

// Select computes strikes for spot under rule. It performs no I/O.
//
// ATM rounding is half-up. OTM percentage strikes round call ties up and put
// ties down, then step one increment further out if rounding crossed spot.
func Select(spot decimal.Decimal, asset string, rule Rule) (Selection, error) {
	if !spot.IsPositive() {
		return Selection{}, fmt.Errorf("%w: spot %s", ErrInvalidRule, spot)
	}
	if err := rule.Validate(); err != nil {
		return Selection{}, err
	}
	inc, err := Increment(asset)
	if err != nil {
		return Selection{}, err
	}

	atm := RoundHalfUp(spot, inc)
	var sel Selection
	sel.ATM = atm

	switch rule.Mode {
	case ModeATM:
		strike := atm.Add(inc.Mul(decimal.NewFromInt(int64(rule.ATMOffset))))
		sel.Call, sel.Put = strike, strike
	case ModeOTM:
		switch rule.OTMType {
		case OTMPercentage:
			hundred := decimal.NewFromInt(100)
			callRaw := spot.Mul(decimal.NewFromInt(1).Add(rule.CallPct.Div(hundred)))
			putRaw := spot.Mul(decimal.NewFromInt(1).Sub(rule.PutPct.Div(hundred)))
			sel.Call = roundTiesUp(callRaw, inc)
			sel.Put = roundTiesDown(putRaw, inc)
			if sel.Call.LessThan(spot) {
				sel.Call = sel.Call.Add(inc)
			}
			if sel.Put.GreaterThan(spot) {
				sel.Put = sel.Put.Sub(inc)
			}
		case OTMStrikeCount:
			n := inc.Mul(decimal.NewFromInt(int64(rule.Steps)))
			sel.Call = atm.Add(n)
			sel.Put = atm.Sub(n)
		}
	}

	if !sel.Call.IsPositive() || !sel.Put.IsPositive() {
		return Selection{}, fmt.Errorf("%w: non-positive strike (call %s, put %s)", ErrInvalidRule, sel.Call, sel.Put)
	}
	return sel, nil
}

// RoundHalfUp rounds v to the nearest multiple of inc, ties away from zero.
func RoundHalfUp(v, inc decimal.Decimal) decimal.Decimal {
	return v.Div(inc).Round(0).Mul(inc)
}

func roundTiesUp(v, inc decimal.Decimal) decimal.Decimal {
	q := v.Div(inc)
	floor := q.Floor()
	if q.Sub(floor).GreaterThanOrEqual(decimal.NewFromFloat(0.5)) {
		return floor.Add(decimal.NewFromInt(1)).Mul(inc)
	}
	return floor.Mul(inc)
}

func roundTiesDown(v, inc decimal.Decimal) decimal.Decimal {
	q := v.Div(inc)
	floor := q.Floor()
	if q.Sub(floor).GreaterThan(decimal.NewFromFloat(0.5)) {
		return floor.Add(decimal.NewFromInt(1)).Mul(inc)
	}
	return floor.Mul(inc)
}
