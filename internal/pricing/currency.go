package pricing

import (
	"strings"

	"golang.org/x/text/currency"
)

// DefaultPrecision is used for blank or unrecognised currency codes.
const DefaultPrecision int32 = 2

// Precision returns the minor-unit precision for an ISO 4217 code.
// Currency is opaque to the engine; the code only selects rounding.
func Precision(code string) int32 {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return DefaultPrecision
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return DefaultPrecision
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}

// PrecisionTable resolves precision with per-code overrides layered on top of
// the ISO defaults.
type PrecisionTable struct {
	overrides map[string]int32
}

// NewPrecisionTable copies the overrides, normalising codes to upper case.
// Negative overrides are ignored.
func NewPrecisionTable(overrides map[string]int32) PrecisionTable {
	table := PrecisionTable{overrides: make(map[string]int32, len(overrides))}
	for code, places := range overrides {
		if places < 0 {
			continue
		}
		table.overrides[strings.ToUpper(strings.TrimSpace(code))] = places
	}
	return table
}

// For returns the precision for code.
func (t PrecisionTable) For(code string) int32 {
	if places, ok := t.overrides[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return places
	}
	return Precision(code)
}
