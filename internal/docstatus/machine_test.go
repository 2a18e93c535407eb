package docstatus

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/backoffice/internal/fulfillment"
)

var allEvents = []Event{
	EventSubmit, EventFulfillment, EventApprove, EventFlagDiscrepancy,
	EventResolveDiscrepancy, EventCancel, EventReject,
}

func summarize(t *testing.T, records ...fulfillment.Record) fulfillment.Summary {
	t.Helper()
	s, err := fulfillment.NewLedger(fulfillment.PolicyClamp).Summarize(records)
	require.NoError(t, err)
	return s
}

func soRecord(doc, line int64, ordered, delivered int64) fulfillment.Record {
	return fulfillment.Record{
		DocumentID:        doc,
		SalesOrderItemID:  line,
		OrderedQuantity:   decimal.NewFromInt(ordered),
		FulfilledQuantity: decimal.NewFromInt(delivered),
	}
}

func machine(t *testing.T, docType DocumentType) Machine {
	t.Helper()
	m, err := For(docType)
	require.NoError(t, err)
	return m
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, StatusDraft.Editable())
	assert.True(t, StatusPending.Editable())
	assert.False(t, StatusPartial.Editable())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.True(t, StatusRejected.IsTerminal())
	assert.False(t, StatusComplete.IsTerminal())
	assert.False(t, Status("SHIPPED").IsValid())
	assert.False(t, Event("SHIP").IsValid())
	assert.True(t, EventFulfillment.NeedsLedger())
	assert.False(t, EventCancel.NeedsLedger())
}

func TestForUnknownType(t *testing.T) {
	_, err := For("ENQUIRY")
	require.ErrorIs(t, err, ErrUnknownDocumentType)
	assert.Len(t, DocumentTypes(), 9)
}

func TestSalesOrderLifecycle(t *testing.T) {
	m := machine(t, TypeSalesOrder)
	none := fulfillment.Summary{}

	status, err := m.Next(StatusDraft, none, EventSubmit)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)

	status, err = m.Next(status, summarize(t, soRecord(1, 11, 100, 40)), EventFulfillment)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, status)

	status, err = m.Next(status, summarize(t, soRecord(1, 11, 100, 40), soRecord(2, 11, 100, 35)), EventFulfillment)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, status)

	status, err = m.Next(status, summarize(t, soRecord(1, 11, 100, 40), soRecord(2, 11, 100, 35), soRecord(3, 11, 100, 25)), EventFulfillment)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, status)

	status, err = m.Next(status, summarize(t, soRecord(1, 11, 100, 40)), EventFulfillment)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, status, "a reversed fragment moves the order back to partial")
}

func TestTransitionTable(t *testing.T) {
	partial := fulfillment.Summary{AnyFulfilled: true}
	complete := fulfillment.Summary{AnyFulfilled: true, AllComplete: true}
	damaged := fulfillment.Summary{AnyFulfilled: true, HasDiscrepancy: true}

	cases := []struct {
		name    string
		docType DocumentType
		from    Status
		summary fulfillment.Summary
		event   Event
		want    Status
		illegal bool
	}{
		{"complete cannot go back to draft", TypeSalesOrder, StatusComplete, complete, EventSubmit, "", true},
		{"draft cannot be fulfilled", TypeSalesOrder, StatusDraft, complete, EventFulfillment, "", true},
		{"cancelled is terminal", TypeSalesOrder, StatusCancelled, none(), EventSubmit, "", true},
		{"rejected is terminal", TypeSupplierLPO, StatusRejected, none(), EventCancel, "", true},
		{"draft cancel", TypeDelivery, StatusDraft, none(), EventCancel, StatusCancelled, false},
		{"pending without movement stays", TypeDelivery, StatusPending, none(), EventFulfillment, StatusPending, false},
		{"damaged goods flag discrepancy", TypeGoodsReceipt, StatusPending, damaged, EventFulfillment, StatusDiscrepancy, false},
		{"discrepancy sticks through fulfillment", TypeGoodsReceipt, StatusDiscrepancy, complete, EventFulfillment, StatusDiscrepancy, false},
		{"resolve follows the ledger", TypeGoodsReceipt, StatusDiscrepancy, partial, EventResolveDiscrepancy, StatusPartial, false},
		{"resolve without movement", TypeSalesOrder, StatusDiscrepancy, none(), EventResolveDiscrepancy, StatusPending, false},
		{"resolve needs a discrepancy", TypeSalesOrder, StatusPartial, partial, EventResolveDiscrepancy, "", true},
		{"lpo approval then receipt", TypeSupplierLPO, StatusApproved, complete, EventFulfillment, StatusComplete, false},
		{"lpo approved without receipts", TypeSupplierLPO, StatusApproved, none(), EventFulfillment, StatusApproved, false},
		{"goods receipt approval after completion", TypeGoodsReceipt, StatusComplete, complete, EventApprove, StatusApproved, false},
		{"sales order has no approval state", TypeSalesOrder, StatusPending, none(), EventApprove, "", true},
		{"complete cannot be cancelled", TypeSalesOrder, StatusComplete, complete, EventCancel, "", true},
		{"partial can be short-closed", TypeSalesOrder, StatusPartial, partial, EventCancel, StatusCancelled, false},
		{"quotation approve", TypeQuotation, StatusPending, none(), EventApprove, StatusApproved, false},
		{"quotation reject", TypeQuotation, StatusPending, none(), EventReject, StatusRejected, false},
		{"quotation has no fulfillment", TypeQuotation, StatusPending, complete, EventFulfillment, "", true},
		{"invoice cannot be rejected", TypeInvoice, StatusPending, none(), EventReject, "", true},
		{"purchase invoice mismatch", TypePurchaseInvoice, StatusPending, none(), EventFlagDiscrepancy, StatusDiscrepancy, false},
		{"purchase invoice resolve", TypePurchaseInvoice, StatusDiscrepancy, none(), EventResolveDiscrepancy, StatusPending, false},
		{"status outside type", TypeQuotation, StatusPartial, partial, EventCancel, "", true},
		{"unknown event", TypeSalesOrder, StatusPending, none(), Event("SHIP"), "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := machine(t, tc.docType)
			got, err := m.Next(tc.from, tc.summary, tc.event)
			if tc.illegal {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrIllegalTransition))
				assert.Equal(t, tc.from, got, "status must not move on an illegal event")
				var ite *IllegalTransitionError
				require.True(t, errors.As(err, &ite))
				assert.Equal(t, tc.docType, ite.DocumentType)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func none() fulfillment.Summary {
	return fulfillment.Summary{}
}

func TestDiscrepancyIsOrthogonal(t *testing.T) {
	m := machine(t, TypeDelivery)
	rec := soRecord(1, 11, 10, 10)
	rec.ShortQuantity = decimal.NewFromInt(1)

	out, err := m.Evaluate(StatusPending, summarize(t, rec), EventFulfillment)
	require.NoError(t, err)
	assert.Equal(t, StatusDiscrepancy, out.Status)
	assert.Equal(t, StatusComplete, out.Fulfillment)
	assert.True(t, out.Discrepancy)
	assert.True(t, out.Changed)
}

func TestOverDeliveryUnderClampBecomesDiscrepancy(t *testing.T) {
	m := machine(t, TypeDelivery)
	s := summarize(t, soRecord(1, 11, 50, 60))
	require.True(t, s.OverDelivered)

	status, err := m.Next(StatusPending, s, EventFulfillment)
	require.NoError(t, err)
	assert.Equal(t, StatusDiscrepancy, status)
}

func TestOverDeliveryNeverCompletes(t *testing.T) {
	for _, docType := range DocumentTypes() {
		m := machine(t, docType)
		if !m.Fulfills() {
			continue
		}
		require.Truef(t, m.Allows(StatusDiscrepancy), "%s must be able to flag over-delivery", docType)
		s := summarize(t, soRecord(1, 11, 50, 60))
		for _, from := range []Status{StatusPending, StatusPartial, StatusComplete} {
			if !m.Allows(from) {
				continue
			}
			out, err := m.Evaluate(from, s, EventFulfillment)
			require.NoError(t, err)
			assert.Equalf(t, StatusDiscrepancy, out.Status, "%s from %s", docType, from)
			assert.True(t, out.Discrepancy)
		}
	}
}

func TestNonFulfillingOutcomeHasNoAxis(t *testing.T) {
	out, err := machine(t, TypeInvoice).Evaluate(StatusDraft, none(), EventSubmit)
	require.NoError(t, err)
	assert.Equal(t, Status(""), out.Fulfillment)
	assert.False(t, out.Discrepancy)
}

// From DRAFT, exhaustively walk every event under every kind of ledger and
// check COMPLETE is never reached without passing PENDING.
func TestCompleteRequiresPending(t *testing.T) {
	summaries := []fulfillment.Summary{
		{},
		{AnyFulfilled: true},
		{AnyFulfilled: true, AllComplete: true},
		{AnyFulfilled: true, HasDiscrepancy: true},
		{AnyFulfilled: true, AllComplete: true, OverDelivered: true, HasDiscrepancy: true},
	}
	type node struct {
		status      Status
		seenPending bool
	}
	for _, docType := range DocumentTypes() {
		m := machine(t, docType)
		start := node{status: StatusDraft}
		visited := map[node]bool{start: true}
		queue := []node{start}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, ev := range allEvents {
				for _, s := range summaries {
					next, err := m.Next(cur.status, s, ev)
					if err != nil {
						continue
					}
					require.True(t, m.Allows(next), "%s reached foreign status %s", docType, next)
					n := node{status: next, seenPending: cur.seenPending || next == StatusPending}
					if next == StatusComplete {
						require.True(t, n.seenPending, "%s reached COMPLETE without PENDING", docType)
					}
					if !visited[n] {
						visited[n] = true
						queue = append(queue, n)
					}
				}
			}
		}
	}
}
