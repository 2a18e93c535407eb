package pricing

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// SourceKind identifies what a related source row is.
type SourceKind string

const (
	SourceHeader            SourceKind = "HEADER"
	SourceQuotationItem     SourceKind = "QUOTATION_ITEM"
	SourceSalesOrderItem    SourceKind = "SALES_ORDER_ITEM"
	SourceDeliveryItem      SourceKind = "DELIVERY_ITEM"
	SourceInvoiceItem       SourceKind = "INVOICE_ITEM"
	SourceSupplierQuoteItem SourceKind = "SUPPLIER_QUOTE_ITEM"
	SourceLPOItem           SourceKind = "LPO_ITEM"
)

// IsValid reports whether the kind is known.
func (k SourceKind) IsValid() bool {
	switch k {
	case SourceHeader, SourceQuotationItem, SourceSalesOrderItem, SourceDeliveryItem,
		SourceInvoiceItem, SourceSupplierQuoteItem, SourceLPOItem:
		return true
	}
	return false
}

// SourceLink is a weak reference to the upstream line a line was copied from.
type SourceLink struct {
	Kind SourceKind `json:"kind"`
	ID   int64      `json:"id"`
}

// LineItem is the money-bearing part of any document line. CostPrice and
// MarkupPercent are stored for documents that link to this line; they never
// reprice the line itself.
type LineItem struct {
	ID              int64           `json:"id"`
	ItemID          int64           `json:"item_id,omitempty"`
	Description     string          `json:"description,omitempty"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	CostPrice       decimal.Decimal `json:"cost_price"`
	MarkupPercent   decimal.Decimal `json:"markup_percent"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
	VATPercent      decimal.Decimal `json:"vat_percent"`
	VATAmount       decimal.Decimal `json:"vat_amount"`
	LineTotal       decimal.Decimal `json:"line_total"`
	SourceLink      *SourceLink     `json:"source_link,omitempty"`
}

// Source is a related record consulted when the line itself is silent: the
// document header or an upstream linked line.
type Source struct {
	Kind            SourceKind      `json:"kind"`
	ID              int64           `json:"id,omitempty"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	CostPrice       decimal.Decimal `json:"cost_price"`
	MarkupPercent   decimal.Decimal `json:"markup_percent"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
	VATPercent      decimal.Decimal `json:"vat_percent"`
	VATAmount       decimal.Decimal `json:"vat_amount"`
}

func (s Source) markupPrice() (decimal.Decimal, bool) {
	if s.Kind == SourceHeader || !s.CostPrice.IsPositive() || !s.MarkupPercent.IsPositive() {
		return decimal.Zero, false
	}
	return s.CostPrice.Add(PercentOf(s.CostPrice, s.MarkupPercent)), true
}

// Origin records where a resolved value came from.
type Origin string

const (
	OriginNone     Origin = "NONE"
	OriginLine     Origin = "LINE"
	OriginHeader   Origin = "HEADER"
	OriginUpstream Origin = "UPSTREAM"
	OriginMarkup   Origin = "MARKUP"
	OriginComputed Origin = "COMPUTED"
	OriginStored   Origin = "STORED"
)

// Adjustment names a normalisation applied while resolving.
type Adjustment string

const (
	AdjustDiscountClamped Adjustment = "DISCOUNT_CLAMPED"
	AdjustTotalBackfilled Adjustment = "TOTAL_BACKFILLED"
)

// Breakdown is the canonical money breakdown of one line.
type Breakdown struct {
	LineID          int64           `json:"line_id,omitempty"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	Gross           decimal.Decimal `json:"gross_amount"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
	Net             decimal.Decimal `json:"net_amount"`
	VATPercent      decimal.Decimal `json:"vat_percent"`
	VATAmount       decimal.Decimal `json:"vat_amount"`
	Total           decimal.Decimal `json:"total_amount"`
	Precision       int32           `json:"precision"`
	PriceSource     Origin          `json:"price_source"`
	DiscountSource  Origin          `json:"discount_source"`
	VATSource       Origin          `json:"vat_source"`
	TotalSource     Origin          `json:"total_source"`
	Adjustments     []Adjustment    `json:"adjustments,omitempty"`
}

// Adjusted reports whether a given adjustment was applied.
func (b Breakdown) Adjusted(a Adjustment) bool {
	for _, got := range b.Adjustments {
		if got == a {
			return true
		}
	}
	return false
}

// Options tune a Resolver.
type Options struct {
	// Precision is the number of decimal places amounts are rounded to.
	Precision int32
	// StrictDiscount rejects a discount exceeding gross instead of clamping it.
	StrictDiscount bool
}

// DefaultOptions rounds to two places and clamps oversized discounts.
func DefaultOptions() Options {
	return Options{Precision: DefaultPrecision}
}

// Resolver resolves line breakdowns. It holds no mutable state.
type Resolver struct {
	opts Options
}

// NewResolver constructs a Resolver.
func NewResolver(opts Options) *Resolver {
	if opts.Precision < 0 {
		opts.Precision = DefaultPrecision
	}
	return &Resolver{opts: opts}
}

// Resolve resolves a line with the default options.
func Resolve(line LineItem, sources ...Source) (Breakdown, error) {
	return NewResolver(DefaultOptions()).Resolve(line, sources...)
}

// Precision returns the rounding precision in use.
func (r *Resolver) Precision() int32 {
	return r.opts.Precision
}

// Resolve computes the breakdown for line. Sources may be passed in any order:
// the header source is consulted before upstream lines, and upstream lines
// keep their relative order.
func (r *Resolver) Resolve(line LineItem, sources ...Source) (Breakdown, error) {
	if err := validateLine(line); err != nil {
		return Breakdown{}, err
	}
	for _, src := range sources {
		if err := validateSource(line.ID, src); err != nil {
			return Breakdown{}, err
		}
	}
	ranked := rankSources(sources)
	places := r.opts.Precision

	b := Breakdown{LineID: line.ID, Precision: places, TotalSource: OriginComputed}

	b.UnitPrice, b.PriceSource = line.UnitPrice, OriginLine
	for _, src := range ranked {
		if price, ok := src.markupPrice(); ok {
			b.UnitPrice, b.PriceSource = price, OriginMarkup
			break
		}
	}
	b.Gross = Round(line.Quantity.Mul(b.UnitPrice), places)

	discPct, discAmt, discOrigin := pickDiscount(line, ranked)
	b.DiscountSource = discOrigin
	switch {
	case discPct.IsPositive():
		b.DiscountPercent = discPct
		b.DiscountAmount = Round(PercentOf(b.Gross, discPct), places)
	case discAmt.IsPositive():
		b.DiscountAmount = Round(discAmt, places)
		b.DiscountPercent = RatioPercent(b.DiscountAmount, b.Gross, 2)
	}
	if b.DiscountAmount.GreaterThan(b.Gross) {
		if r.opts.StrictDiscount {
			return Breakdown{}, fmt.Errorf("%w: line %d discount %s exceeds gross %s",
				ErrInvalidLineItem, line.ID, b.DiscountAmount.StringFixed(places), b.Gross.StringFixed(places))
		}
		b.DiscountAmount = b.Gross
		b.DiscountPercent = RatioPercent(b.DiscountAmount, b.Gross, 2)
		b.Adjustments = append(b.Adjustments, AdjustDiscountClamped)
	}
	b.Net = NonNegative(b.Gross.Sub(b.DiscountAmount))

	vatPct, vatAmt, vatOrigin := pickVAT(line, ranked)
	b.VATSource = vatOrigin
	switch {
	case vatPct.IsPositive():
		b.VATPercent = vatPct
		b.VATAmount = Round(PercentOf(b.Net, vatPct), places)
	case vatAmt.IsPositive():
		b.VATAmount = Round(vatAmt, places)
		b.VATPercent = RatioPercent(b.VATAmount, b.Net, 2)
	}

	b.Total = Round(b.Net.Add(b.VATAmount), places)

	if line.LineTotal.IsPositive() {
		r.backfill(&b, Round(line.LineTotal, places), vatPct)
	}
	return b, nil
}

// backfill makes a stored line total authoritative, splitting it back into
// net and VAT and re-deriving the discount so every invariant still holds.
func (r *Resolver) backfill(b *Breakdown, stored, vatPct decimal.Decimal) {
	b.TotalSource = OriginStored
	if b.Total.Equal(stored) {
		return
	}
	places := r.opts.Precision

	var net, vat decimal.Decimal
	switch {
	case vatPct.IsPositive():
		divisor := decimal.NewFromInt(1).Add(vatPct.Div(hundred))
		net = stored.DivRound(divisor, places+4).Round(places)
		vat = stored.Sub(net)
	case b.VATAmount.IsPositive() && b.VATAmount.LessThan(stored):
		vat = b.VATAmount
		net = stored.Sub(vat)
	default:
		net = stored
		vat = decimal.Zero
	}

	// The discount percent always describes the final gross.
	discount, gross := b.DiscountAmount, b.Gross
	if net.GreaterThan(gross) {
		gross = net.Add(discount)
	} else {
		discount = gross.Sub(net)
	}
	if !discount.Equal(b.DiscountAmount) || !gross.Equal(b.Gross) {
		b.Gross = gross
		b.DiscountAmount = discount
		b.DiscountPercent = RatioPercent(discount, gross, 2)
	}
	b.Net = net
	b.VATAmount = vat
	if !vatPct.IsPositive() {
		b.VATPercent = RatioPercent(vat, net, 2)
	}
	b.Total = stored
	b.Adjustments = append(b.Adjustments, AdjustTotalBackfilled)
}

func pickDiscount(line LineItem, sources []Source) (decimal.Decimal, decimal.Decimal, Origin) {
	if line.DiscountPercent.IsPositive() {
		return line.DiscountPercent, decimal.Zero, OriginLine
	}
	if line.DiscountAmount.IsPositive() {
		return decimal.Zero, line.DiscountAmount, OriginLine
	}
	for _, src := range sources {
		if src.DiscountPercent.IsPositive() {
			return src.DiscountPercent, decimal.Zero, sourceOrigin(src)
		}
		if src.DiscountAmount.IsPositive() {
			return decimal.Zero, src.DiscountAmount, sourceOrigin(src)
		}
	}
	return decimal.Zero, decimal.Zero, OriginNone
}

func pickVAT(line LineItem, sources []Source) (decimal.Decimal, decimal.Decimal, Origin) {
	if line.VATPercent.IsPositive() {
		return line.VATPercent, decimal.Zero, OriginLine
	}
	if line.VATAmount.IsPositive() {
		return decimal.Zero, line.VATAmount, OriginLine
	}
	for _, src := range sources {
		if src.VATPercent.IsPositive() {
			return src.VATPercent, decimal.Zero, sourceOrigin(src)
		}
		if src.VATAmount.IsPositive() {
			return decimal.Zero, src.VATAmount, sourceOrigin(src)
		}
	}
	return decimal.Zero, decimal.Zero, OriginNone
}

func sourceOrigin(src Source) Origin {
	if src.Kind == SourceHeader {
		return OriginHeader
	}
	return OriginUpstream
}

func rankSources(sources []Source) []Source {
	ranked := make([]Source, len(sources))
	copy(ranked, sources)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Kind == SourceHeader && ranked[j].Kind != SourceHeader
	})
	return ranked
}

func validateLine(line LineItem) error {
	checks := []struct {
		field string
		value decimal.Decimal
	}{
		{"quantity", line.Quantity},
		{"unit_price", line.UnitPrice},
		{"cost_price", line.CostPrice},
		{"markup_percent", line.MarkupPercent},
		{"discount_percent", line.DiscountPercent},
		{"discount_amount", line.DiscountAmount},
		{"vat_percent", line.VATPercent},
		{"vat_amount", line.VATAmount},
		{"line_total", line.LineTotal},
	}
	for _, c := range checks {
		if c.value.IsNegative() {
			return fmt.Errorf("%w: line %d %s is negative (%s)", ErrInvalidLineItem, line.ID, c.field, c.value.String())
		}
	}
	return nil
}

func validateSource(lineID int64, src Source) error {
	for _, v := range []decimal.Decimal{src.UnitPrice, src.CostPrice, src.MarkupPercent,
		src.DiscountPercent, src.DiscountAmount, src.VATPercent, src.VATAmount} {
		if v.IsNegative() {
			return fmt.Errorf("%w: line %d source %s/%d carries a negative value", ErrInvalidLineItem, lineID, src.Kind, src.ID)
		}
	}
	return nil
}
