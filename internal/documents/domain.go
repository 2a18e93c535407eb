// Package documents wires the pricing, fulfillment and status engines to
// storage, cache and HTTP for every order-like document.
package documents

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/docstatus"
	"github.com/odyssey-erp/backoffice/internal/fulfillment"
	"github.com/odyssey-erp/backoffice/internal/platform/httpx"
	"github.com/odyssey-erp/backoffice/internal/pricing"
)

var (
	// ErrNotFound indicates the document does not exist.
	ErrNotFound = fmt.Errorf("documents: %w", httpx.ErrNotFound)
	// ErrNotEditable indicates lines were changed after the document left DRAFT/PENDING.
	ErrNotEditable = fmt.Errorf("documents: lines are locked: %w", httpx.ErrConflict)
	// ErrStatusConflict indicates the stored status moved while a transition was evaluated.
	ErrStatusConflict = fmt.Errorf("documents: status changed concurrently: %w", httpx.ErrConflict)
	// ErrDuplicateCommand indicates an idempotency key was already processed.
	ErrDuplicateCommand = fmt.Errorf("documents: command already processed: %w", httpx.ErrDuplicate)
	// ErrInvalidRef indicates an unknown document type or a non-positive id.
	ErrInvalidRef = fmt.Errorf("documents: invalid reference: %w", httpx.ErrValidation)
	// ErrUnknownLine indicates a line id that does not belong to the document.
	ErrUnknownLine = fmt.Errorf("documents: unknown line: %w", httpx.ErrValidation)
	// ErrLineReferenced indicates a removed order line still has live fulfillment records.
	ErrLineReferenced = fmt.Errorf("documents: line has fulfillment records: %w", httpx.ErrConflict)
)

// DocumentRef identifies a document.
type DocumentRef struct {
	Type docstatus.DocumentType `json:"type"`
	ID   int64                  `json:"id"`
}

func (r DocumentRef) String() string {
	return string(r.Type) + ":" + strconv.FormatInt(r.ID, 10)
}

// ParseRef accepts types in any case with dashes or underscores, e.g.
// "sales-order" or "SALES_ORDER".
func ParseRef(docType, id string) (DocumentRef, error) {
	t := docstatus.DocumentType(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(docType), "-", "_")))
	if _, err := docstatus.For(t); err != nil {
		return DocumentRef{}, fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil || n <= 0 {
		return DocumentRef{}, fmt.Errorf("%w: id %q", ErrInvalidRef, id)
	}
	return DocumentRef{Type: t, ID: n}, nil
}

// ParseOrderLineKey accepts kinds like "sales-order-item" or "LPO_ITEM".
func ParseOrderLineKey(kind, id string) (fulfillment.OrderLineKey, error) {
	k := fulfillment.KeyKind(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(kind), "-", "_")))
	if !k.IsValid() {
		return fulfillment.OrderLineKey{}, fmt.Errorf("%w: order line kind %q", ErrInvalidRef, kind)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil || n <= 0 {
		return fulfillment.OrderLineKey{}, fmt.Errorf("%w: order line id %q", ErrInvalidRef, id)
	}
	return fulfillment.OrderLineKey{Kind: k, ID: n}, nil
}

// Header is the document header as stored.
type Header struct {
	Ref             DocumentRef      `json:"ref"`
	Number          string           `json:"number"`
	Currency        string           `json:"currency"`
	Status          docstatus.Status `json:"status"`
	DiscountPercent decimal.Decimal  `json:"discount_percent"`
	VATPercent      decimal.Decimal  `json:"vat_percent"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Source returns the header-level pricing source, or false when the header
// carries no discount or VAT default.
func (h Header) Source() (pricing.Source, bool) {
	if !h.DiscountPercent.IsPositive() && !h.VATPercent.IsPositive() {
		return pricing.Source{}, false
	}
	return pricing.Source{
		Kind:            pricing.SourceHeader,
		ID:              h.Ref.ID,
		DiscountPercent: h.DiscountPercent,
		VATPercent:      h.VATPercent,
	}, true
}

// Document is the resolved view of one document.
type Document struct {
	Header         Header                 `json:"header"`
	Lines          []pricing.Breakdown    `json:"lines"`
	Totals         pricing.Totals         `json:"totals"`
	Stored         pricing.HeaderTotals   `json:"stored"`
	Reconciliation pricing.Reconciliation `json:"reconciliation"`
}

// Command is a status event requested by a user or job.
type Command struct {
	Event          docstatus.Event `json:"event"`
	ActorID        int64           `json:"actor_id"`
	Note           string          `json:"note,omitempty"`
	IdempotencyKey string          `json:"-"`
}

// Transition reports the result of AdvanceStatus.
type Transition struct {
	Ref     DocumentRef          `json:"ref"`
	From    docstatus.Status     `json:"from"`
	To      docstatus.Status     `json:"to"`
	Event   docstatus.Event      `json:"event"`
	Outcome docstatus.Outcome    `json:"outcome"`
	Summary *fulfillment.Summary `json:"summary,omitempty"`
}

// sourceDocuments maps a line back-reference to the document type owning it.
var sourceDocuments = map[pricing.SourceKind]docstatus.DocumentType{
	pricing.SourceQuotationItem:     docstatus.TypeQuotation,
	pricing.SourceSalesOrderItem:    docstatus.TypeSalesOrder,
	pricing.SourceDeliveryItem:      docstatus.TypeDelivery,
	pricing.SourceInvoiceItem:       docstatus.TypeInvoice,
	pricing.SourceSupplierQuoteItem: docstatus.TypeSupplierQuote,
	pricing.SourceLPOItem:           docstatus.TypeSupplierLPO,
}

// orderDocuments maps an order line key to the document type owning it.
var orderDocuments = map[fulfillment.KeyKind]docstatus.DocumentType{
	fulfillment.KeySalesOrderItem: docstatus.TypeSalesOrder,
	fulfillment.KeyLPOItem:        docstatus.TypeSupplierLPO,
}

// orderLineKind returns the key fulfillment records use to point at lines of
// docType, or false when docType lines are never fulfilled against.
func orderLineKind(docType docstatus.DocumentType) (fulfillment.KeyKind, bool) {
	for kind, owner := range orderDocuments {
		if owner == docType {
			return kind, true
		}
	}
	return "", false
}

// planLineChanges checks incoming line ids against the stored ones and
// returns the ids that the replacement drops.
func planLineChanges(ref DocumentRef, existing []int64, lines []pricing.LineItem) ([]int64, error) {
	kept := make(map[int64]bool, len(existing))
	for _, id := range existing {
		kept[id] = false
	}
	for _, line := range lines {
		if line.ID == 0 {
			continue
		}
		seen, ok := kept[line.ID]
		if !ok {
			return nil, fmt.Errorf("%w: line %d is not on %s", ErrUnknownLine, line.ID, ref)
		}
		if seen {
			return nil, fmt.Errorf("%w: line %d listed twice", ErrUnknownLine, line.ID)
		}
		kept[line.ID] = true
	}
	var removed []int64
	for _, id := range existing {
		if !kept[id] {
			removed = append(removed, id)
		}
	}
	return removed, nil
}
