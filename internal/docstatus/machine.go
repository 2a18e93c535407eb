package docstatus

import (
	"fmt"
	"sort"

	"github.com/odyssey-erp/backoffice/internal/fulfillment"
)

type profile struct {
	statuses map[Status]struct{}
	fulfills bool
}

func newProfile(fulfills bool, statuses ...Status) profile {
	p := profile{statuses: make(map[Status]struct{}, len(statuses)), fulfills: fulfills}
	for _, s := range statuses {
		p.statuses[s] = struct{}{}
	}
	return p
}

var profiles = map[DocumentType]profile{
	TypeQuotation:       newProfile(false, StatusDraft, StatusPending, StatusApproved, StatusRejected, StatusCancelled),
	TypeSupplierQuote:   newProfile(false, StatusDraft, StatusPending, StatusApproved, StatusRejected, StatusCancelled),
	TypeInvoice:         newProfile(false, StatusDraft, StatusPending, StatusApproved, StatusCancelled),
	TypePurchaseInvoice: newProfile(false, StatusDraft, StatusPending, StatusApproved, StatusDiscrepancy, StatusRejected, StatusCancelled),
	TypePurchaseReturn:  newProfile(false, StatusDraft, StatusPending, StatusApproved, StatusRejected, StatusCancelled),
	TypeSalesOrder:      newProfile(true, StatusDraft, StatusPending, StatusPartial, StatusComplete, StatusDiscrepancy, StatusCancelled),
	TypeDelivery:        newProfile(true, StatusDraft, StatusPending, StatusPartial, StatusComplete, StatusDiscrepancy, StatusCancelled),
	TypeSupplierLPO: newProfile(true, StatusDraft, StatusPending, StatusApproved, StatusPartial, StatusComplete,
		StatusDiscrepancy, StatusRejected, StatusCancelled),
	TypeGoodsReceipt: newProfile(true, StatusDraft, StatusPending, StatusPartial, StatusComplete, StatusApproved,
		StatusDiscrepancy, StatusRejected, StatusCancelled),
}

// Events whose target does not depend on fulfillment totals.
var static = map[Status]map[Event]Status{
	StatusDraft: {
		EventSubmit: StatusPending,
		EventCancel: StatusCancelled,
	},
	StatusPending: {
		EventApprove:         StatusApproved,
		EventReject:          StatusRejected,
		EventCancel:          StatusCancelled,
		EventFlagDiscrepancy: StatusDiscrepancy,
	},
	StatusApproved: {
		EventCancel:          StatusCancelled,
		EventFlagDiscrepancy: StatusDiscrepancy,
	},
	StatusPartial: {
		EventApprove:         StatusApproved,
		EventCancel:          StatusCancelled,
		EventFlagDiscrepancy: StatusDiscrepancy,
	},
	StatusComplete: {
		EventApprove:         StatusApproved,
		EventFlagDiscrepancy: StatusDiscrepancy,
	},
	StatusDiscrepancy: {
		EventApprove:         StatusApproved,
		EventReject:          StatusRejected,
		EventCancel:          StatusCancelled,
		EventFlagDiscrepancy: StatusDiscrepancy,
	},
}

// Statuses from which a fulfillment event may be applied.
var fulfillable = map[Status]struct{}{
	StatusPending:     {},
	StatusApproved:    {},
	StatusPartial:     {},
	StatusComplete:    {},
	StatusDiscrepancy: {},
}

// Machine evaluates transitions for one document type. It is a value with
// no mutable state and is safe for concurrent use.
type Machine struct {
	docType DocumentType
	profile profile
}

// For returns the machine for docType.
func For(docType DocumentType) (Machine, error) {
	p, ok := profiles[docType]
	if !ok {
		return Machine{}, fmt.Errorf("%w: %q", ErrUnknownDocumentType, docType)
	}
	return Machine{docType: docType, profile: p}, nil
}

// DocumentTypes lists every type with a status profile, sorted.
func DocumentTypes() []DocumentType {
	out := make([]DocumentType, 0, len(profiles))
	for t := range profiles {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DocumentType returns the type the machine was built for.
func (m Machine) DocumentType() DocumentType {
	return m.docType
}

// Fulfills reports whether the document type moves quantities.
func (m Machine) Fulfills() bool {
	return m.profile.fulfills
}

// Allows reports whether s belongs to the type's status set.
func (m Machine) Allows(s Status) bool {
	_, ok := m.profile.statuses[s]
	return ok
}

// Outcome is the full result of evaluating an event. Fulfillment is the
// position on the quantity axis (PENDING, PARTIAL or COMPLETE) and is empty
// for document types that do not move quantities. Discrepancy is reported
// independently of Status.
type Outcome struct {
	Status      Status `json:"status"`
	Fulfillment Status `json:"fulfillment,omitempty"`
	Discrepancy bool   `json:"discrepancy"`
	Changed     bool   `json:"changed"`
}

// Next returns the status that follows current when event occurs. It never
// persists anything.
func (m Machine) Next(current Status, summary fulfillment.Summary, event Event) (Status, error) {
	out, err := m.Evaluate(current, summary, event)
	if err != nil {
		return current, err
	}
	return out.Status, nil
}

// Evaluate is Next with the orthogonal fulfillment and discrepancy axes
// reported separately.
func (m Machine) Evaluate(current Status, summary fulfillment.Summary, event Event) (Outcome, error) {
	if !m.Allows(current) {
		return Outcome{}, m.illegal(current, event, "", "status not used by this document type")
	}
	if !event.IsValid() {
		return Outcome{}, m.illegal(current, event, "", "unknown event")
	}
	if current.IsTerminal() {
		return Outcome{}, m.illegal(current, event, "", "status is terminal")
	}

	out := Outcome{Status: current}
	if m.profile.fulfills {
		out.Fulfillment = axis(summary)
	}

	var target Status
	switch event {
	case EventFulfillment:
		if !m.profile.fulfills {
			return Outcome{}, m.illegal(current, event, "", "document type does not record fulfillment")
		}
		if _, ok := fulfillable[current]; !ok {
			return Outcome{}, m.illegal(current, event, "", "document not submitted")
		}
		target = m.fulfillmentTarget(current, summary)
		out.Discrepancy = summary.HasDiscrepancy
	case EventResolveDiscrepancy:
		if current != StatusDiscrepancy {
			return Outcome{}, m.illegal(current, event, "", "no discrepancy to resolve")
		}
		target = StatusPending
		if m.profile.fulfills {
			target = out.Fulfillment
		}
	default:
		next, ok := static[current][event]
		if !ok {
			return Outcome{}, m.illegal(current, event, "", "")
		}
		target = next
	}

	if !m.Allows(target) {
		return Outcome{}, m.illegal(current, event, target, "target status not used by this document type")
	}
	out.Status = target
	out.Changed = target != current
	if target == StatusDiscrepancy {
		out.Discrepancy = true
	}
	return out, nil
}

// fulfillmentTarget only sees over-delivered summaries when the ledger runs
// with the clamp policy; those are flagged, never completed.
func (m Machine) fulfillmentTarget(current Status, summary fulfillment.Summary) Status {
	if current == StatusDiscrepancy {
		return StatusDiscrepancy
	}
	if (summary.HasDiscrepancy || summary.OverDelivered) && m.Allows(StatusDiscrepancy) {
		return StatusDiscrepancy
	}
	switch axis(summary) {
	case StatusComplete:
		return StatusComplete
	case StatusPartial:
		return StatusPartial
	}
	if current == StatusPartial || current == StatusComplete {
		return StatusPending
	}
	return current
}

func axis(summary fulfillment.Summary) Status {
	switch {
	case summary.AllComplete:
		return StatusComplete
	case summary.AnyFulfilled:
		return StatusPartial
	default:
		return StatusPending
	}
}

func (m Machine) illegal(from Status, event Event, to Status, reason string) error {
	return &IllegalTransitionError{DocumentType: m.docType, From: from, Event: event, To: to, Reason: reason}
}
