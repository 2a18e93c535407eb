package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/documents"
	"github.com/odyssey-erp/backoffice/internal/pricing"
)

// Exit codes shared by the reconcile command.
const (
	ExitOK       = 0
	ExitError    = 1
	ExitMismatch = 10
)

// Reconciler recomputes a document from storage.
type Reconciler interface {
	ReconcileDocument(ctx context.Context, ref documents.DocumentRef) (documents.Document, error)
}

// ReconcileOptions defines available flags for the reconcile command.
type ReconcileOptions struct {
	Type       string
	ID         int64
	JSONOutput bool
	// Strict treats any non-zero delta as a mismatch, ignoring tolerance.
	Strict bool
	Stdout io.Writer
	Stderr io.Writer
}

// ReconcileSummary describes the JSON response for reconcile.
type ReconcileSummary struct {
	OK        bool                 `json:"ok"`
	Ref       string               `json:"ref"`
	Number    string               `json:"number"`
	Currency  string               `json:"currency"`
	Status    string               `json:"status"`
	Computed  pricing.Totals       `json:"computed"`
	Stored    pricing.HeaderTotals `json:"stored"`
	Tolerance decimal.Decimal      `json:"tolerance"`
	Deltas    []pricing.Delta      `json:"deltas"`
}

// ReconcileCommand compares a document's stored header totals with freshly
// computed ones and prints the outcome. It returns ExitMismatch when they differ.
func ReconcileCommand(ctx context.Context, svc Reconciler, opts ReconcileOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if svc == nil {
		_, _ = fmt.Fprintln(opts.Stderr, "reconcile: service not configured")
		return ExitError
	}
	if opts.ID <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "reconcile: --id is required and must be positive")
		return ExitError
	}
	ref, err := documents.ParseRef(opts.Type, strconv.FormatInt(opts.ID, 10))
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "reconcile: %v\n", err)
		return ExitError
	}
	doc, err := svc.ReconcileDocument(ctx, ref)
	if err != nil && !errors.Is(err, pricing.ErrReconciliationMismatch) {
		_, _ = fmt.Fprintf(opts.Stderr, "reconcile: %v\n", err)
		return ExitError
	}

	summary := buildReconcileSummary(ref, doc, opts.Strict)
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "reconcile: encode json: %v\n", err)
			return ExitError
		}
	} else {
		renderReconcileHuman(opts.Stdout, summary)
	}
	if !summary.OK {
		return ExitMismatch
	}
	return ExitOK
}

func buildReconcileSummary(ref documents.DocumentRef, doc documents.Document, strict bool) ReconcileSummary {
	rec := doc.Reconciliation
	deltas := make([]pricing.Delta, 0, len(rec.Deltas))
	for _, d := range rec.Deltas {
		if strict {
			d.WithinTolerance = false
		}
		deltas = append(deltas, d)
	}
	ok := rec.OK
	if strict && len(deltas) > 0 {
		ok = false
	}
	return ReconcileSummary{
		OK:        ok,
		Ref:       ref.String(),
		Number:    doc.Header.Number,
		Currency:  doc.Header.Currency,
		Status:    string(doc.Header.Status),
		Computed:  doc.Totals,
		Stored:    doc.Stored,
		Tolerance: rec.Tolerance,
		Deltas:    deltas,
	}
}

func renderReconcileHuman(out io.Writer, s ReconcileSummary) {
	_, _ = fmt.Fprintf(out, "Reconciliation for %s %s (%s, %s)\n", s.Ref, s.Number, s.Currency, s.Status)
	_, _ = fmt.Fprintf(out, " computed: subtotal %s discount %s tax %s total %s\n",
		s.Computed.Subtotal, s.Computed.DiscountAmount, s.Computed.VATAmount, s.Computed.TotalAmount)
	_, _ = fmt.Fprintf(out, " stored:   subtotal %s discount %s tax %s total %s\n",
		nullString(s.Stored.Subtotal), nullString(s.Stored.DiscountAmount), nullString(s.Stored.TaxAmount), nullString(s.Stored.TotalAmount))
	if s.OK {
		_, _ = fmt.Fprintf(out, "Stored totals match (tolerance %s).\n", s.Tolerance)
		return
	}
	_, _ = fmt.Fprintf(out, "Mismatch beyond tolerance %s:\n", s.Tolerance)
	for _, d := range s.Deltas {
		if d.WithinTolerance {
			continue
		}
		_, _ = fmt.Fprintf(out, " - %s computed %s stored %s (delta %s)\n", d.Field, d.Computed, d.Stored, d.Difference)
	}
}

func nullString(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.String()
}
