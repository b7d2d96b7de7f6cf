package strikes

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Expiry settlement time of day in the trading timezone.
const (
	expiryHour   = 15
	expiryMinute = 30
)

// OptionType is the contract type prefix used in option symbols.
type OptionType string

const (
	Call OptionType = "C"
	Put  OptionType = "P"
)

// ParseExpiry resolves an expiry code (D, D+n, W, W+n, M, M+n) relative to ref.
// The result is in ref's location.
func ParseExpiry(code string, ref time.Time) (time.Time, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return time.Time{}, fmt.Errorf("%w: empty expiry code", ErrInvalidRule)
	}

	base, n := code[:1], 0
	if len(code) > 1 {
		if code[1] != '+' {
			return time.Time{}, fmt.Errorf("%w: expiry code %q", ErrInvalidRule, code)
		}
		v, err := strconv.Atoi(code[2:])
		if err != nil || v < 0 {
			return time.Time{}, fmt.Errorf("%w: expiry code %q", ErrInvalidRule, code)
		}
		n = v
	}

	var day time.Time
	switch base {
	case "D":
		day = ref.AddDate(0, 0, n)
	case "W":
		day = nextFriday(ref).AddDate(0, 0, 7*n)
	case "M":
		if n == 0 {
			day = lastFriday(ref.Year(), ref.Month(), ref.Location())
			if atSettlement(day).Before(ref) {
				next := time.Date(ref.Year(), ref.Month()+1, 1, 0, 0, 0, 0, ref.Location())
				day = lastFriday(next.Year(), next.Month(), ref.Location())
			}
		} else {
			target := time.Date(ref.Year(), ref.Month()+time.Month(n), 1, 0, 0, 0, 0, ref.Location())
			day = lastFriday(target.Year(), target.Month(), ref.Location())
		}
	default:
		return time.Time{}, fmt.Errorf("%w: expiry code %q", ErrInvalidRule, code)
	}
	return atSettlement(day), nil
}

// nextFriday returns the first Friday whose settlement is not yet past.
func nextFriday(ref time.Time) time.Time {
	ahead := (int(time.Friday) - int(ref.Weekday()) + 7) % 7
	d := ref.AddDate(0, 0, ahead)
	if atSettlement(d).Before(ref) {
		d = d.AddDate(0, 0, 7)
	}
	return d
}

func lastFriday(year int, month time.Month, loc *time.Location) time.Time {
	d := time.Date(year, month+1, 0, 0, 0, 0, 0, loc)
	for d.Weekday() != time.Friday {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

func atSettlement(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), expiryHour, expiryMinute, 0, 0, d.Location())
}

// OptionSymbol formats a Delta option symbol, e.g. C-BTC-65000-141026.
func OptionSymbol(t OptionType, asset string, strike decimal.Decimal, expiry time.Time) string {
	return fmt.Sprintf("%s-%s-%s-%s", t, strings.ToUpper(asset), strike.String(), expiry.Format("020106"))
}

// SpotSymbol returns the index ticker carrying the asset's spot price.
func SpotSymbol(asset string) string {
	return strings.ToUpper(asset) + "USD"
}
