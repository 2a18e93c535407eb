package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Totals is the document-level aggregate of resolved lines.
type Totals struct {
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	NetAmount      decimal.Decimal `json:"net_amount"`
	VATAmount      decimal.Decimal `json:"vat_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	LineCount      int             `json:"line_count"`
}

// Aggregate sums already-rounded per-line values. The sums are not rounded
// again so document figures match the per-line display exactly.
func Aggregate(lines []Breakdown) Totals {
	totals := Totals{
		Subtotal:       decimal.Zero,
		DiscountAmount: decimal.Zero,
		NetAmount:      decimal.Zero,
		VATAmount:      decimal.Zero,
		TotalAmount:    decimal.Zero,
		LineCount:      len(lines),
	}
	for _, line := range lines {
		totals.Subtotal = totals.Subtotal.Add(line.Gross)
		totals.DiscountAmount = totals.DiscountAmount.Add(line.DiscountAmount)
		totals.NetAmount = totals.NetAmount.Add(line.Net)
		totals.VATAmount = totals.VATAmount.Add(line.VATAmount)
		totals.TotalAmount = totals.TotalAmount.Add(line.Total)
	}
	return totals
}

// HeaderTotals are the cached aggregates persisted on a document header.
// Invalid fields were never stored and are skipped during reconciliation.
type HeaderTotals struct {
	Subtotal       decimal.NullDecimal `json:"subtotal"`
	DiscountAmount decimal.NullDecimal `json:"discount_amount"`
	TaxAmount      decimal.NullDecimal `json:"tax_amount"`
	TotalAmount    decimal.NullDecimal `json:"total_amount"`
}

// StoredTotals converts computed totals into the header representation.
func StoredTotals(t Totals) HeaderTotals {
	return HeaderTotals{
		Subtotal:       decimal.NewNullDecimal(t.Subtotal),
		DiscountAmount: decimal.NewNullDecimal(t.DiscountAmount),
		TaxAmount:      decimal.NewNullDecimal(t.VATAmount),
		TotalAmount:    decimal.NewNullDecimal(t.TotalAmount),
	}
}

// Field names reported in reconciliation deltas.
const (
	FieldSubtotal       = "subtotal"
	FieldDiscountAmount = "discount_amount"
	FieldTaxAmount      = "tax_amount"
	FieldTotalAmount    = "total_amount"
)

// Delta is one compared field.
type Delta struct {
	Field           string          `json:"field"`
	Computed        decimal.Decimal `json:"computed"`
	Stored          decimal.Decimal `json:"stored"`
	Difference      decimal.Decimal `json:"difference"`
	WithinTolerance bool            `json:"within_tolerance"`
}

// Reconciliation is the outcome of comparing computed totals to stored ones.
// Deltas lists every compared field whose values differ.
type Reconciliation struct {
	OK        bool            `json:"ok"`
	Tolerance decimal.Decimal `json:"tolerance"`
	Deltas    []Delta         `json:"deltas"`
}

// Reconcile compares computed totals against the stored header. A field is
// within tolerance when |computed - stored| <= tolerance. Nothing is corrected.
func Reconcile(totals Totals, stored HeaderTotals, tolerance decimal.Decimal) Reconciliation {
	tolerance = NonNegative(tolerance)
	result := Reconciliation{OK: true, Tolerance: tolerance, Deltas: []Delta{}}
	fields := []struct {
		name     string
		computed decimal.Decimal
		stored   decimal.NullDecimal
	}{
		{FieldSubtotal, totals.Subtotal, stored.Subtotal},
		{FieldDiscountAmount, totals.DiscountAmount, stored.DiscountAmount},
		{FieldTaxAmount, totals.VATAmount, stored.TaxAmount},
		{FieldTotalAmount, totals.TotalAmount, stored.TotalAmount},
	}
	for _, f := range fields {
		if !f.stored.Valid {
			continue
		}
		diff := f.computed.Sub(f.stored.Decimal)
		if diff.IsZero() {
			continue
		}
		within := diff.Abs().LessThanOrEqual(tolerance)
		if !within {
			result.OK = false
		}
		result.Deltas = append(result.Deltas, Delta{
			Field:           f.name,
			Computed:        f.computed,
			Stored:          f.stored.Decimal,
			Difference:      diff,
			WithinTolerance: within,
		})
	}
	return result
}

// Mismatches returns the deltas outside tolerance.
func (r Reconciliation) Mismatches() []Delta {
	var out []Delta
	for _, d := range r.Deltas {
		if !d.WithinTolerance {
			out = append(out, d)
		}
	}
	return out
}

// Err returns nil when reconciled, otherwise an error wrapping
// ErrReconciliationMismatch that names the offending fields.
func (r Reconciliation) Err() error {
	if r.OK {
		return nil
	}
	parts := make([]string, 0, len(r.Deltas))
	for _, d := range r.Mismatches() {
		parts = append(parts, fmt.Sprintf("%s computed %s stored %s", d.Field, d.Computed.String(), d.Stored.String()))
	}
	return fmt.Errorf("%w: %s (tolerance %s)", ErrReconciliationMismatch, strings.Join(parts, "; "), r.Tolerance.String())
}
