package pricing

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	str := "  7.5 "
	cases := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "0"},
		{"blank", "   ", "0"},
		{"plain string", "12.50", "12.5"},
		{"thousands separators", "1,100.00", "1100"},
		{"string pointer", &str, "7.5"},
		{"garbage", "abc", "0"},
		{"int", 3, "3"},
		{"int64", int64(-4), "-4"},
		{"float", 2.25, "2.25"},
		{"nan", math.NaN(), "0"},
		{"inf", math.Inf(1), "0"},
		{"json number", json.Number("19.99"), "19.99"},
		{"null decimal", decimal.NullDecimal{}, "0"},
		{"decimal", dec("0.001"), "0.001"},
		{"unsupported", struct{}{}, "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			requireAmount(t, tc.want, ParseAmount(tc.in), tc.name)
		})
	}
}

func TestParseAmountStrictReportsErrors(t *testing.T) {
	_, err := ParseAmountStrict("12,x")
	require.Error(t, err)
	_, err = ParseAmountStrict(math.Inf(-1))
	require.Error(t, err)
	_, err = ParseAmountStrict([]byte("1"))
	require.Error(t, err)

	d, err := ParseAmountStrict("")
	require.NoError(t, err)
	assert.True(t, d.IsZero())
}

func TestRoundHalfUp(t *testing.T) {
	requireAmount(t, "2.25", Round(dec("2.245"), 2), "2.245")
	requireAmount(t, "2.24", Round(dec("2.2449"), 2), "2.2449")
	requireAmount(t, "3", Round(dec("2.5"), 0), "2.5")
	requireAmount(t, "0.125", Round(dec("0.1245"), 3), "0.1245")
}

func TestClampAndNonNegative(t *testing.T) {
	requireAmount(t, "0", NonNegative(dec("-0.01")), "non-negative")
	requireAmount(t, "5", NonNegative(dec("5")), "non-negative positive")
	requireAmount(t, "10", Clamp(dec("12"), dec("0"), dec("10")), "clamp high")
	requireAmount(t, "0", Clamp(dec("-1"), dec("0"), dec("10")), "clamp low")
	requireAmount(t, "4", Clamp(dec("4"), dec("0"), dec("10")), "clamp inside")
}

func TestPercentHelpers(t *testing.T) {
	requireAmount(t, "7.5", PercentOf(dec("50"), dec("15")), "percent of")
	requireAmount(t, "33.33", RatioPercent(dec("1"), dec("3"), 2), "ratio")
	requireAmount(t, "0", RatioPercent(dec("1"), decimal.Zero, 2), "ratio of zero")
	requireAmount(t, "0.01", MinorUnit(2), "minor unit")
	requireAmount(t, "1", MinorUnit(0), "minor unit whole")
}
