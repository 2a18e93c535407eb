package fulfillment

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"
)

var (
	// ErrOverDelivery indicates fulfilled quantity exceeds the ordered quantity.
	ErrOverDelivery = errors.New("fulfillment: over-delivery")
	// ErrInvalidRecord indicates a record carrying a negative quantity.
	ErrInvalidRecord = errors.New("fulfillment: invalid record")
)

// KeyKind names what an order line key refers to.
type KeyKind string

const (
	KeySalesOrderItem KeyKind = "SALES_ORDER_ITEM"
	KeyLPOItem        KeyKind = "LPO_ITEM"
	KeyItem           KeyKind = "ITEM"
)

// IsValid reports whether the kind is known.
func (k KeyKind) IsValid() bool {
	return k == KeySalesOrderItem || k == KeyLPOItem || k == KeyItem
}

// OrderLineKey identifies the order line a record fulfils.
type OrderLineKey struct {
	Kind KeyKind `json:"kind"`
	ID   int64   `json:"id"`
}

func (k OrderLineKey) String() string {
	return string(k.Kind) + ":" + strconv.FormatInt(k.ID, 10)
}

// Record is one delivery or goods-receipt line.
type Record struct {
	ID                int64           `json:"id"`
	DocumentType      string          `json:"document_type"`
	DocumentID        int64           `json:"document_id"`
	SalesOrderItemID  int64           `json:"sales_order_item_id,omitempty"`
	LPOItemID         int64           `json:"lpo_item_id,omitempty"`
	ItemID            int64           `json:"item_id,omitempty"`
	OrderedQuantity   decimal.Decimal `json:"ordered_quantity"`
	FulfilledQuantity decimal.Decimal `json:"fulfilled_quantity"`
	DamagedQuantity   decimal.Decimal `json:"damaged_quantity"`
	ShortQuantity     decimal.Decimal `json:"short_quantity"`
	Flagged           bool            `json:"flagged"`
}

// Key returns the back-reference, falling back to the item identity when the
// record carries no direct order line reference.
func (r Record) Key() OrderLineKey {
	switch {
	case r.SalesOrderItemID > 0:
		return OrderLineKey{Kind: KeySalesOrderItem, ID: r.SalesOrderItemID}
	case r.LPOItemID > 0:
		return OrderLineKey{Kind: KeyLPOItem, ID: r.LPOItemID}
	default:
		return OrderLineKey{Kind: KeyItem, ID: r.ItemID}
	}
}

func (r Record) validate() error {
	for _, q := range []struct {
		name  string
		value decimal.Decimal
	}{
		{"ordered_quantity", r.OrderedQuantity},
		{"fulfilled_quantity", r.FulfilledQuantity},
		{"damaged_quantity", r.DamagedQuantity},
		{"short_quantity", r.ShortQuantity},
	} {
		if q.value.IsNegative() {
			return fmt.Errorf("%w: record %d %s is negative (%s)", ErrInvalidRecord, r.ID, q.name, q.value.String())
		}
	}
	return nil
}

// OverDeliveryError carries the offending line.
type OverDeliveryError struct {
	Key       OrderLineKey
	Ordered   decimal.Decimal
	Fulfilled decimal.Decimal
}

func (e *OverDeliveryError) Error() string {
	return fmt.Sprintf("fulfillment: over-delivery on %s: fulfilled %s against ordered %s",
		e.Key, e.Fulfilled.String(), e.Ordered.String())
}

// Is matches ErrOverDelivery.
func (e *OverDeliveryError) Is(target error) bool {
	return target == ErrOverDelivery
}

// Policy decides what happens when fulfilled exceeds ordered.
type Policy string

const (
	// PolicyReject raises an OverDeliveryError.
	PolicyReject Policy = "reject"
	// PolicyClamp floors remaining at zero and marks the line over-delivered.
	PolicyClamp Policy = "clamp"
)

// ParsePolicy maps configuration text onto a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyReject, "":
		return PolicyReject, nil
	case PolicyClamp:
		return PolicyClamp, nil
	}
	return "", fmt.Errorf("fulfillment: unknown over-delivery policy %q", s)
}

// LineResult aggregates every record against one order line.
type LineResult struct {
	Key            OrderLineKey    `json:"key"`
	TotalOrdered   decimal.Decimal `json:"total_ordered"`
	TotalFulfilled decimal.Decimal `json:"total_fulfilled"`
	TotalRemaining decimal.Decimal `json:"total_remaining"`
	TotalDamaged   decimal.Decimal `json:"total_damaged"`
	TotalShort     decimal.Decimal `json:"total_short"`
	Flagged        bool            `json:"flagged"`
	OverDelivered  bool            `json:"over_delivered"`
	Records        int             `json:"records"`
	Documents      []int64         `json:"documents"`
}

// IsComplete reports whether nothing remains to fulfil.
func (l LineResult) IsComplete() bool {
	return l.TotalRemaining.IsZero()
}

// IsPartial reports 0 < fulfilled < ordered.
func (l LineResult) IsPartial() bool {
	return l.TotalFulfilled.IsPositive() && l.TotalFulfilled.LessThan(l.TotalOrdered)
}

// HasDiscrepancy reports damaged or short quantities or a flagged record.
func (l LineResult) HasDiscrepancy() bool {
	return l.Flagged || l.TotalDamaged.IsPositive() || l.TotalShort.IsPositive()
}

// Ledger aggregates fulfillment records. It keeps no state between calls, so
// any snapshot of records may be passed in.
type Ledger struct {
	policy Policy
}

// NewLedger constructs a Ledger. An empty policy means PolicyReject.
func NewLedger(policy Policy) *Ledger {
	if policy == "" {
		policy = PolicyReject
	}
	return &Ledger{policy: policy}
}

// Policy returns the configured over-delivery policy.
func (l *Ledger) Policy() Policy {
	return l.policy
}

// Remaining returns ordered minus the fulfilled quantities of records.
func Remaining(ordered decimal.Decimal, records []Record) (decimal.Decimal, error) {
	return NewLedger(PolicyReject).Remaining(ordered, records)
}

// Remaining returns ordered minus the fulfilled quantities of records.
func (l *Ledger) Remaining(ordered decimal.Decimal, records []Record) (decimal.Decimal, error) {
	if ordered.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: ordered quantity is negative (%s)", ErrInvalidRecord, ordered.String())
	}
	fulfilled := decimal.Zero
	var key OrderLineKey
	for i, r := range records {
		if err := r.validate(); err != nil {
			return decimal.Zero, err
		}
		if i == 0 {
			key = r.Key()
		}
		fulfilled = fulfilled.Add(r.FulfilledQuantity)
	}
	if fulfilled.GreaterThan(ordered) {
		if l.policy == PolicyReject {
			return decimal.Zero, &OverDeliveryError{Key: key, Ordered: ordered, Fulfilled: fulfilled}
		}
		return decimal.Zero, nil
	}
	return ordered.Sub(fulfilled), nil
}

// AggregateAcrossDocuments folds every record belonging to key, from any
// number of fulfillment documents. Records for other keys are ignored.
func (l *Ledger) AggregateAcrossDocuments(key OrderLineKey, records []Record) (LineResult, error) {
	return l.fold(key, decimal.Zero, records)
}

// fold aggregates records for key. floor is an ordered quantity known from
// the order line itself, used when no record has been written yet.
func (l *Ledger) fold(key OrderLineKey, floor decimal.Decimal, records []Record) (LineResult, error) {
	result := LineResult{
		Key:            key,
		TotalOrdered:   floor,
		TotalFulfilled: decimal.Zero,
		TotalRemaining: decimal.Zero,
		TotalDamaged:   decimal.Zero,
		TotalShort:     decimal.Zero,
		Documents:      []int64{},
	}
	seen := make(map[int64]struct{})
	for _, r := range records {
		if r.Key() != key {
			continue
		}
		if err := r.validate(); err != nil {
			return LineResult{}, err
		}
		result.Records++
		result.TotalOrdered = decimal.Max(result.TotalOrdered, r.OrderedQuantity)
		result.TotalFulfilled = result.TotalFulfilled.Add(r.FulfilledQuantity)
		result.TotalDamaged = result.TotalDamaged.Add(r.DamagedQuantity)
		result.TotalShort = result.TotalShort.Add(r.ShortQuantity)
		result.Flagged = result.Flagged || r.Flagged
		if _, ok := seen[r.DocumentID]; !ok && r.DocumentID > 0 {
			seen[r.DocumentID] = struct{}{}
			result.Documents = append(result.Documents, r.DocumentID)
		}
	}
	sort.Slice(result.Documents, func(i, j int) bool { return result.Documents[i] < result.Documents[j] })

	if result.TotalFulfilled.GreaterThan(result.TotalOrdered) {
		if l.policy == PolicyReject {
			return result, &OverDeliveryError{Key: key, Ordered: result.TotalOrdered, Fulfilled: result.TotalFulfilled}
		}
		result.OverDelivered = true
		return result, nil
	}
	result.TotalRemaining = result.TotalOrdered.Sub(result.TotalFulfilled)
	return result, nil
}
