// Package docstatus holds the document status machine shared by every
// order-like document in the sales and procurement chains.
package docstatus

import (
	"errors"
	"fmt"
)

// Status is a document lifecycle state.
type Status string

const (
	StatusDraft       Status = "DRAFT"
	StatusPending     Status = "PENDING"
	StatusPartial     Status = "PARTIAL"
	StatusComplete    Status = "COMPLETE"
	StatusApproved    Status = "APPROVED"
	StatusDiscrepancy Status = "DISCREPANCY"
	StatusCancelled   Status = "CANCELLED"
	StatusRejected    Status = "REJECTED"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusPartial, StatusComplete, StatusApproved,
		StatusDiscrepancy, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// IsTerminal reports whether the status can never be left.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusRejected
}

// Editable reports whether lines may still be added or removed.
func (s Status) Editable() bool {
	return s == StatusDraft || s == StatusPending
}

// Event is a business action applied to a document.
type Event string

const (
	EventSubmit             Event = "SUBMIT"
	EventFulfillment        Event = "FULFILLMENT"
	EventApprove            Event = "APPROVE"
	EventFlagDiscrepancy    Event = "FLAG_DISCREPANCY"
	EventResolveDiscrepancy Event = "RESOLVE_DISCREPANCY"
	EventCancel             Event = "CANCEL"
	EventReject             Event = "REJECT"
)

// IsValid reports whether e is a known event.
func (e Event) IsValid() bool {
	switch e {
	case EventSubmit, EventFulfillment, EventApprove, EventFlagDiscrepancy,
		EventResolveDiscrepancy, EventCancel, EventReject:
		return true
	}
	return false
}

// NeedsLedger reports whether evaluating the event reads fulfillment totals.
func (e Event) NeedsLedger() bool {
	return e == EventFulfillment || e == EventResolveDiscrepancy
}

// DocumentType names a kind of document.
type DocumentType string

const (
	TypeQuotation       DocumentType = "QUOTATION"
	TypeSalesOrder      DocumentType = "SALES_ORDER"
	TypeDelivery        DocumentType = "DELIVERY"
	TypeInvoice         DocumentType = "INVOICE"
	TypeSupplierQuote   DocumentType = "SUPPLIER_QUOTE"
	TypeSupplierLPO     DocumentType = "SUPPLIER_LPO"
	TypeGoodsReceipt    DocumentType = "GOODS_RECEIPT"
	TypePurchaseInvoice DocumentType = "PURCHASE_INVOICE"
	TypePurchaseReturn  DocumentType = "PURCHASE_RETURN"
)

// ErrIllegalTransition indicates an event not allowed from the current status.
var ErrIllegalTransition = errors.New("docstatus: illegal transition")

// ErrUnknownDocumentType indicates a document type with no status profile.
var ErrUnknownDocumentType = errors.New("docstatus: unknown document type")

// IllegalTransitionError describes a rejected event.
type IllegalTransitionError struct {
	DocumentType DocumentType
	From         Status
	Event        Event
	To           Status
	Reason       string
}

func (e *IllegalTransitionError) Error() string {
	msg := fmt.Sprintf("docstatus: illegal transition: %s %s on %s", e.DocumentType, e.From, e.Event)
	if e.To != "" {
		msg += " -> " + string(e.To)
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

// Is matches ErrIllegalTransition.
func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}
