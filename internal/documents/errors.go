package documents

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/backoffice/internal/docstatus"
	"github.com/odyssey-erp/backoffice/internal/fulfillment"
	"github.com/odyssey-erp/backoffice/internal/platform/httpx"
	"github.com/odyssey-erp/backoffice/internal/pricing"
)

// engineProblems gives engine failures their own problem titles. Anything
// not listed falls through to the generic httpx mapping.
var engineProblems = []struct {
	target error
	status int
	title  string
}{
	{docstatus.ErrIllegalTransition, http.StatusConflict, "Illegal Transition"},
	{fulfillment.ErrOverDelivery, http.StatusUnprocessableEntity, "Over Delivery"},
	{pricing.ErrReconciliationMismatch, http.StatusUnprocessableEntity, "Reconciliation Mismatch"},
	{pricing.ErrInvalidLineItem, http.StatusBadRequest, "Validation Failed"},
	{fulfillment.ErrInvalidRecord, http.StatusBadRequest, "Validation Failed"},
	{docstatus.ErrUnknownDocumentType, http.StatusBadRequest, "Validation Failed"},
}

func respondProblem(w http.ResponseWriter, err error) {
	for _, p := range engineProblems {
		if errors.Is(err, p.target) {
			httpx.Problem(w, p.status, p.title, err.Error())
			return
		}
	}
	httpx.RespondError(w, err)
}

// clientError reports whether err is the caller's fault rather than ours.
func clientError(err error) bool {
	for _, p := range engineProblems {
		if errors.Is(err, p.target) {
			return true
		}
	}
	for _, target := range []error{httpx.ErrNotFound, httpx.ErrValidation, httpx.ErrConflict,
		httpx.ErrDuplicate, httpx.ErrUnprocessable} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
