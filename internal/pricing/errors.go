package pricing

import "errors"

var (
	// ErrInvalidLineItem indicates a line carrying a negative quantity, price or percent.
	ErrInvalidLineItem = errors.New("pricing: invalid line item")
	// ErrReconciliationMismatch indicates recomputed totals disagree with the stored header beyond tolerance.
	ErrReconciliationMismatch = errors.New("pricing: reconciliation mismatch")
)
