package documents

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/docstatus"
	"github.com/odyssey-erp/backoffice/internal/fulfillment"
	"github.com/odyssey-erp/backoffice/internal/platform/db"
	"github.com/odyssey-erp/backoffice/internal/pricing"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// PGRepository provides PostgreSQL backed persistence.
type PGRepository struct {
	pool      *pgxpool.Pool
	approvals *shared.ApprovalRecorder
}

// NewRepository constructs a repository. Approvals are written inside the
// status transaction.
func NewRepository(pool *pgxpool.Pool, approvals *shared.ApprovalRecorder) *PGRepository {
	return &PGRepository{pool: pool, approvals: approvals}
}

type txRepo struct {
	tx        pgx.Tx
	approvals *shared.ApprovalRecorder
}

// WithTx wraps callback in repeatable-read transaction. A serialization
// failure means another writer moved the document first.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		wrapper := &txRepo{tx: tx}
		if r.approvals != nil {
			wrapper.approvals = r.approvals.WithQuerier(tx)
		}
		return fn(ctx, wrapper)
	})
	if errors.Is(err, db.ErrSerialization) {
		return fmt.Errorf("%w: %w", ErrStatusConflict, err)
	}
	return err
}

const headerColumns = `doc_type, id, number, currency, status, discount_percent, vat_percent, updated_at`

// GetHeader loads the document header.
func (r *PGRepository) GetHeader(ctx context.Context, ref DocumentRef) (Header, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+headerColumns+` FROM document_headers WHERE doc_type=$1 AND id=$2`, string(ref.Type), ref.ID)
	var (
		h        Header
		docType  string
		status   string
		discount pgtype.Numeric
		vat      pgtype.Numeric
	)
	if err := row.Scan(&docType, &h.Ref.ID, &h.Number, &h.Currency, &status, &discount, &vat, &h.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Header{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return Header{}, err
	}
	h.Ref.Type = docstatus.DocumentType(docType)
	h.Status = docstatus.Status(status)
	h.DiscountPercent = numericToDecimal(discount)
	h.VATPercent = numericToDecimal(vat)
	return h, nil
}

const lineColumns = `id, item_id, description, quantity, unit_price, cost_price, markup_percent,
discount_percent, discount_amount, vat_percent, vat_amount, line_total, source_kind, source_id`

// GetLineItems returns the lines of a document in entry order.
func (r *PGRepository) GetLineItems(ctx context.Context, ref DocumentRef) ([]pricing.LineItem, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lineColumns+` FROM document_lines
WHERE doc_type=$1 AND doc_id=$2 ORDER BY position, id`, string(ref.Type), ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []pricing.LineItem
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func scanLine(row pgx.Row) (pricing.LineItem, error) {
	var (
		line                     pricing.LineItem
		itemID                   pgtype.Int8
		description              pgtype.Text
		qty, price, cost, markup pgtype.Numeric
		discPct, discAmt         pgtype.Numeric
		vatPct, vatAmt, total    pgtype.Numeric
		sourceKind               pgtype.Text
		sourceID                 pgtype.Int8
	)
	if err := row.Scan(&line.ID, &itemID, &description, &qty, &price, &cost, &markup, &discPct, &discAmt,
		&vatPct, &vatAmt, &total, &sourceKind, &sourceID); err != nil {
		return pricing.LineItem{}, err
	}
	line.ItemID = itemID.Int64
	line.Description = description.String
	line.Quantity = numericToDecimal(qty)
	line.UnitPrice = numericToDecimal(price)
	line.CostPrice = numericToDecimal(cost)
	line.MarkupPercent = numericToDecimal(markup)
	line.DiscountPercent = numericToDecimal(discPct)
	line.DiscountAmount = numericToDecimal(discAmt)
	line.VATPercent = numericToDecimal(vatPct)
	line.VATAmount = numericToDecimal(vatAmt)
	line.LineTotal = numericToDecimal(total)
	if sourceKind.Valid && sourceID.Valid {
		line.SourceLink = &pricing.SourceLink{Kind: pricing.SourceKind(sourceKind.String), ID: sourceID.Int64}
	}
	return line, nil
}

// GetRelatedSource loads the upstream line a link points at.
func (r *PGRepository) GetRelatedSource(ctx context.Context, link pricing.SourceLink) (pricing.Source, error) {
	docType, ok := sourceDocuments[link.Kind]
	if !ok {
		return pricing.Source{}, fmt.Errorf("%w: source kind %q", ErrNotFound, link.Kind)
	}
	row := r.pool.QueryRow(ctx, `SELECT unit_price, cost_price, markup_percent, discount_percent, discount_amount,
vat_percent, vat_amount FROM document_lines WHERE doc_type=$1 AND id=$2`, string(docType), link.ID)
	var price, cost, markup, discPct, discAmt, vatPct, vatAmt pgtype.Numeric
	if err := row.Scan(&price, &cost, &markup, &discPct, &discAmt, &vatPct, &vatAmt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pricing.Source{}, fmt.Errorf("%w: %s:%d", ErrNotFound, link.Kind, link.ID)
		}
		return pricing.Source{}, err
	}
	return pricing.Source{
		Kind:            link.Kind,
		ID:              link.ID,
		UnitPrice:       numericToDecimal(price),
		CostPrice:       numericToDecimal(cost),
		MarkupPercent:   numericToDecimal(markup),
		DiscountPercent: numericToDecimal(discPct),
		DiscountAmount:  numericToDecimal(discAmt),
		VATPercent:      numericToDecimal(vatPct),
		VATAmount:       numericToDecimal(vatAmt),
	}, nil
}

// GetHeaderTotals loads the stored aggregates. Columns never written stay invalid.
func (r *PGRepository) GetHeaderTotals(ctx context.Context, ref DocumentRef) (pricing.HeaderTotals, error) {
	row := r.pool.QueryRow(ctx, `SELECT subtotal, discount_amount, tax_amount, total_amount
FROM document_headers WHERE doc_type=$1 AND id=$2`, string(ref.Type), ref.ID)
	var sub, disc, tax, total pgtype.Numeric
	if err := row.Scan(&sub, &disc, &tax, &total); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pricing.HeaderTotals{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return pricing.HeaderTotals{}, err
	}
	return pricing.HeaderTotals{
		Subtotal:       numericToNull(sub),
		DiscountAmount: numericToNull(disc),
		TaxAmount:      numericToNull(tax),
		TotalAmount:    numericToNull(total),
	}, nil
}

// GetOrderLine returns the ordered quantity of a sales order or LPO line.
func (r *PGRepository) GetOrderLine(ctx context.Context, key fulfillment.OrderLineKey) (fulfillment.Expectation, error) {
	docType, ok := orderDocuments[key.Kind]
	if !ok {
		return fulfillment.Expectation{}, fmt.Errorf("%w: order line %s", ErrNotFound, key)
	}
	var qty pgtype.Numeric
	err := r.pool.QueryRow(ctx, `SELECT quantity FROM document_lines WHERE doc_type=$1 AND id=$2`, string(docType), key.ID).Scan(&qty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fulfillment.Expectation{}, fmt.Errorf("%w: order line %s", ErrNotFound, key)
		}
		return fulfillment.Expectation{}, err
	}
	return fulfillment.Expectation{Key: key, Ordered: numericToDecimal(qty)}, nil
}

const recordColumns = `r.id, r.doc_type, r.doc_id, r.sales_order_item_id, r.lpo_item_id, r.item_id,
r.ordered_quantity, r.fulfilled_quantity, r.damaged_quantity, r.short_quantity, r.flagged`

// Records of cancelled or rejected documents never count.
const liveRecords = `FROM fulfillment_records r
JOIN document_headers h ON h.doc_type = r.doc_type AND h.id = r.doc_id
WHERE h.status NOT IN ('CANCELLED', 'REJECTED')`

// GetFulfillmentRecords returns every live record fulfilling key, across documents.
func (r *PGRepository) GetFulfillmentRecords(ctx context.Context, key fulfillment.OrderLineKey) ([]fulfillment.Record, error) {
	var filter string
	switch key.Kind {
	case fulfillment.KeySalesOrderItem:
		filter = ` AND r.sales_order_item_id = $1`
	case fulfillment.KeyLPOItem:
		filter = ` AND r.lpo_item_id = $1`
	case fulfillment.KeyItem:
		filter = ` AND r.item_id = $1 AND r.sales_order_item_id IS NULL AND r.lpo_item_id IS NULL`
	default:
		return nil, fmt.Errorf("%w: order line kind %q", ErrInvalidRef, key.Kind)
	}
	return r.queryRecords(ctx, `SELECT `+recordColumns+` `+liveRecords+filter+` ORDER BY r.doc_id, r.id`, key.ID)
}

// ListDocumentRecords returns the records carried by one delivery or receipt.
func (r *PGRepository) ListDocumentRecords(ctx context.Context, ref DocumentRef) ([]fulfillment.Record, error) {
	return r.queryRecords(ctx, `SELECT `+recordColumns+` FROM fulfillment_records r
WHERE r.doc_type = $1 AND r.doc_id = $2 ORDER BY r.id`, string(ref.Type), ref.ID)
}

func (r *PGRepository) queryRecords(ctx context.Context, sql string, args ...any) ([]fulfillment.Record, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []fulfillment.Record
	for rows.Next() {
		var (
			rec                                pgRecord
			ordered, fulfilled, damaged, short pgtype.Numeric
		)
		if err := rows.Scan(&rec.ID, &rec.DocumentType, &rec.DocumentID, &rec.soItem, &rec.lpoItem, &rec.item,
			&ordered, &fulfilled, &damaged, &short, &rec.Flagged); err != nil {
			return nil, err
		}
		rec.SalesOrderItemID = rec.soItem.Int64
		rec.LPOItemID = rec.lpoItem.Int64
		rec.ItemID = rec.item.Int64
		rec.OrderedQuantity = numericToDecimal(ordered)
		rec.FulfilledQuantity = numericToDecimal(fulfilled)
		rec.DamagedQuantity = numericToDecimal(damaged)
		rec.ShortQuantity = numericToDecimal(short)
		out = append(out, rec.Record)
	}
	return out, rows.Err()
}

type pgRecord struct {
	fulfillment.Record
	soItem, lpoItem, item pgtype.Int8
}

// ListOpenDocuments returns up to limit documents of docType outside a terminal status.
func (r *PGRepository) ListOpenDocuments(ctx context.Context, docType docstatus.DocumentType, limit int) ([]DocumentRef, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT id FROM document_headers
WHERE doc_type=$1 AND status NOT IN ('CANCELLED', 'REJECTED')
ORDER BY updated_at DESC, id DESC LIMIT $2`, string(docType), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []DocumentRef
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		refs = append(refs, DocumentRef{Type: docType, ID: id})
	}
	return refs, rows.Err()
}

// UpdateStatus moves the document only if it is still in from.
func (t *txRepo) UpdateStatus(ctx context.Context, ref DocumentRef, from, to docstatus.Status) error {
	tag, err := t.tx.Exec(ctx, `UPDATE document_headers SET status=$4, updated_at=NOW()
WHERE doc_type=$1 AND id=$2 AND status=$3`, string(ref.Type), ref.ID, string(from), string(to))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s expected %s", ErrStatusConflict, ref, from)
	}
	return nil
}

// LockStatus takes a row lock on the header so the status cannot move under
// the rest of the transaction.
func (t *txRepo) LockStatus(ctx context.Context, ref DocumentRef) (docstatus.Status, error) {
	var status string
	err := t.tx.QueryRow(ctx, `SELECT status FROM document_headers WHERE doc_type=$1 AND id=$2 FOR UPDATE`,
		string(ref.Type), ref.ID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		// Repeatable read refuses to lock a row changed after the snapshot;
		// WithTx reports that as ErrStatusConflict.
		return "", err
	}
	return docstatus.Status(status), nil
}

// ReplaceLines keeps line ids stable so fulfillment records and downstream
// source links stay attached. Dropping a line that live records still point
// at fails with ErrLineReferenced.
func (t *txRepo) ReplaceLines(ctx context.Context, ref DocumentRef, lines []pricing.LineItem) ([]pricing.LineItem, error) {
	existing, err := t.lineIDs(ctx, ref)
	if err != nil {
		return nil, err
	}
	removed, err := planLineChanges(ref, existing, lines)
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		if err := t.ensureUnreferenced(ctx, ref, removed); err != nil {
			return nil, err
		}
		if _, err := t.tx.Exec(ctx, `DELETE FROM document_lines WHERE doc_type=$1 AND doc_id=$2 AND id = ANY($3)`,
			string(ref.Type), ref.ID, removed); err != nil {
			return nil, err
		}
	}

	batch := &pgx.Batch{}
	for i, line := range lines {
		var kind pgtype.Text
		var sourceID pgtype.Int8
		if line.SourceLink != nil {
			kind = pgtype.Text{String: string(line.SourceLink.Kind), Valid: true}
			sourceID = pgtype.Int8{Int64: line.SourceLink.ID, Valid: true}
		}
		args := []any{string(ref.Type), ref.ID, i + 1, line.ItemID, line.Description,
			decimalToNumeric(line.Quantity), decimalToNumeric(line.UnitPrice),
			decimalToNumeric(line.CostPrice), decimalToNumeric(line.MarkupPercent),
			decimalToNumeric(line.DiscountPercent), decimalToNumeric(line.DiscountAmount),
			decimalToNumeric(line.VATPercent), decimalToNumeric(line.VATAmount),
			decimalToNumeric(line.LineTotal), kind, sourceID}
		if line.ID != 0 {
			batch.Queue(`UPDATE document_lines SET position=$3, item_id=NULLIF($4::bigint, 0), description=$5,
quantity=$6, unit_price=$7, cost_price=$8, markup_percent=$9, discount_percent=$10, discount_amount=$11,
vat_percent=$12, vat_amount=$13, line_total=$14, source_kind=$15, source_id=$16
WHERE doc_type=$1 AND doc_id=$2 AND id=$17 RETURNING id`, append(args, line.ID)...)
			continue
		}
		batch.Queue(`INSERT INTO document_lines (doc_type, doc_id, position, item_id, description, quantity, unit_price,
cost_price, markup_percent, discount_percent, discount_amount, vat_percent, vat_amount, line_total, source_kind, source_id)
VALUES ($1, $2, $3, NULLIF($4::bigint, 0), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16) RETURNING id`, args...)
	}
	results := t.tx.SendBatch(ctx, batch)
	saved := make([]pricing.LineItem, len(lines))
	for i, line := range lines {
		if err := results.QueryRow().Scan(&line.ID); err != nil {
			_ = results.Close()
			return nil, err
		}
		saved[i] = line
	}
	if err := results.Close(); err != nil {
		return nil, err
	}
	return saved, nil
}

func (t *txRepo) lineIDs(ctx context.Context, ref DocumentRef) ([]int64, error) {
	rows, err := t.tx.Query(ctx, `SELECT id FROM document_lines WHERE doc_type=$1 AND doc_id=$2 ORDER BY id FOR UPDATE`,
		string(ref.Type), ref.ID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (t *txRepo) ensureUnreferenced(ctx context.Context, ref DocumentRef, ids []int64) error {
	kind, ok := orderLineKind(ref.Type)
	if !ok {
		return nil
	}
	column := "r.sales_order_item_id"
	if kind == fulfillment.KeyLPOItem {
		column = "r.lpo_item_id"
	}
	rows, err := t.tx.Query(ctx, `SELECT DISTINCT `+column+` `+liveRecords+` AND `+column+` = ANY($1) ORDER BY 1`, ids)
	if err != nil {
		return err
	}
	used, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return err
	}
	if len(used) > 0 {
		return fmt.Errorf("%w: %s lines %v", ErrLineReferenced, ref, used)
	}
	return nil
}

// UpdateHeaderTotals stores the cached aggregates on the header.
func (t *txRepo) UpdateHeaderTotals(ctx context.Context, ref DocumentRef, totals pricing.HeaderTotals) error {
	tag, err := t.tx.Exec(ctx, `UPDATE document_headers SET subtotal=$3, discount_amount=$4, tax_amount=$5,
total_amount=$6, updated_at=NOW() WHERE doc_type=$1 AND id=$2`, string(ref.Type), ref.ID,
		nullToNumeric(totals.Subtotal), nullToNumeric(totals.DiscountAmount),
		nullToNumeric(totals.TaxAmount), nullToNumeric(totals.TotalAmount))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return nil
}

// Approvals returns the recorder bound to the transaction.
func (t *txRepo) Approvals() ApprovalPort {
	if t.approvals == nil {
		return discardApprovals{}
	}
	return t.approvals
}

type discardApprovals struct{}

func (discardApprovals) Record(context.Context, shared.ApprovalLog) error { return nil }

func numericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid {
		return decimal.Zero
	}
	val, err := n.Value()
	if err != nil || val == nil {
		return decimal.Zero
	}
	s, ok := val.(string)
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func numericToNull(n pgtype.Numeric) decimal.NullDecimal {
	if !n.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(numericToDecimal(n))
}

func decimalToNumeric(d decimal.Decimal) pgtype.Numeric {
	var n pgtype.Numeric
	_ = n.Scan(d.String())
	return n
}

func nullToNumeric(d decimal.NullDecimal) pgtype.Numeric {
	if !d.Valid {
		return pgtype.Numeric{}
	}
	return decimalToNumeric(d.Decimal)
}
