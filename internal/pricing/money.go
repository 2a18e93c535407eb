package pricing

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ParseAmount coerces a loosely typed value (form input, JSON number, driver
// value) into a decimal. Anything that cannot be read as a finite number
// becomes zero.
func ParseAmount(v any) decimal.Decimal {
	d, err := ParseAmountStrict(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ParseAmountStrict is ParseAmount but reports why a value was rejected.
// Nil and blank strings are treated as zero.
func ParseAmountStrict(v any) (decimal.Decimal, error) {
	switch val := v.(type) {
	case nil:
		return decimal.Zero, nil
	case decimal.Decimal:
		return val, nil
	case *decimal.Decimal:
		if val == nil {
			return decimal.Zero, nil
		}
		return *val, nil
	case decimal.NullDecimal:
		if !val.Valid {
			return decimal.Zero, nil
		}
		return val.Decimal, nil
	case int:
		return decimal.NewFromInt(int64(val)), nil
	case int32:
		return decimal.NewFromInt32(val), nil
	case int64:
		return decimal.NewFromInt(val), nil
	case float32:
		return fromFloat(float64(val))
	case float64:
		return fromFloat(val)
	case json.Number:
		return parseString(val.String())
	case string:
		return parseString(val)
	case *string:
		if val == nil {
			return decimal.Zero, nil
		}
		return parseString(*val)
	default:
		return decimal.Zero, fmt.Errorf("pricing: unsupported amount type %T", v)
	}
}

func fromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, fmt.Errorf("pricing: non-finite amount %v", f)
	}
	return decimal.NewFromFloat(f), nil
}

func parseString(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pricing: parse amount %q: %w", s, err)
	}
	return d, nil
}

// Round rounds to the given number of decimal places, half away from zero.
// For the non-negative amounts the engine produces this is round-half-up.
func Round(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Round(places)
}

// NonNegative floors d at zero.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Clamp bounds d to [lo, hi].
func Clamp(d, lo, hi decimal.Decimal) decimal.Decimal {
	if d.LessThan(lo) {
		return lo
	}
	if d.GreaterThan(hi) {
		return hi
	}
	return d
}

// PercentOf returns base × pct / 100.
func PercentOf(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Div(hundred)
}

// RatioPercent returns part / whole × 100 rounded to places, or zero when
// whole is not positive.
func RatioPercent(part, whole decimal.Decimal, places int32) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return part.Mul(hundred).DivRound(whole, places+2).Round(places)
}

// MinorUnit returns the smallest representable amount at the given precision,
// e.g. 0.01 for two places.
func MinorUnit(places int32) decimal.Decimal {
	return decimal.New(1, -places)
}
