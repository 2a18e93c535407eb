package fulfillment

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Expectation declares an order line that must appear in a summary even when
// nothing has been fulfilled against it yet.
type Expectation struct {
	Key     OrderLineKey    `json:"key"`
	Ordered decimal.Decimal `json:"ordered"`
}

// Summary is the document-level view over every order line.
type Summary struct {
	Lines          []LineResult    `json:"lines"`
	TotalOrdered   decimal.Decimal `json:"total_ordered"`
	TotalFulfilled decimal.Decimal `json:"total_fulfilled"`
	TotalRemaining decimal.Decimal `json:"total_remaining"`
	AllComplete    bool            `json:"all_complete"`
	AnyFulfilled   bool            `json:"any_fulfilled"`
	HasDiscrepancy bool            `json:"has_discrepancy"`
	OverDelivered  bool            `json:"over_delivered"`
}

// Summarize groups records by order line and folds each group. Lines are
// returned sorted by key. Under PolicyClamp an over-delivered line is
// reported as a discrepancy rather than an error.
func (l *Ledger) Summarize(records []Record, expect ...Expectation) (Summary, error) {
	ordered := make(map[OrderLineKey]decimal.Decimal, len(expect))
	keys := make(map[OrderLineKey]struct{}, len(expect)+len(records))
	for _, e := range expect {
		if e.Ordered.IsNegative() {
			return Summary{}, fmt.Errorf("%w: expected ordered quantity for %s is negative", ErrInvalidRecord, e.Key)
		}
		ordered[e.Key] = decimal.Max(ordered[e.Key], e.Ordered)
		keys[e.Key] = struct{}{}
	}
	for _, r := range records {
		keys[r.Key()] = struct{}{}
	}

	sorted := make([]OrderLineKey, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Kind == sorted[j].Kind {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].Kind < sorted[j].Kind
	})

	summary := Summary{
		Lines:          make([]LineResult, 0, len(sorted)),
		TotalOrdered:   decimal.Zero,
		TotalFulfilled: decimal.Zero,
		TotalRemaining: decimal.Zero,
		AllComplete:    len(sorted) > 0,
	}
	for _, key := range sorted {
		floor, ok := ordered[key]
		if !ok {
			floor = decimal.Zero
		}
		line, err := l.fold(key, floor, records)
		if err != nil {
			return Summary{}, err
		}
		summary.Lines = append(summary.Lines, line)
		summary.TotalOrdered = summary.TotalOrdered.Add(line.TotalOrdered)
		summary.TotalFulfilled = summary.TotalFulfilled.Add(line.TotalFulfilled)
		summary.TotalRemaining = summary.TotalRemaining.Add(line.TotalRemaining)
		summary.AnyFulfilled = summary.AnyFulfilled || line.TotalFulfilled.IsPositive()
		summary.HasDiscrepancy = summary.HasDiscrepancy || line.HasDiscrepancy() || line.OverDelivered
		summary.OverDelivered = summary.OverDelivered || line.OverDelivered
		summary.AllComplete = summary.AllComplete && line.IsComplete()
	}
	return summary, nil
}

// Line returns the result for key, if present.
func (s Summary) Line(key OrderLineKey) (LineResult, bool) {
	for _, l := range s.Lines {
		if l.Key == key {
			return l, true
		}
	}
	return LineResult{}, false
}
