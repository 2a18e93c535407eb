package documents

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/docstatus"
	"github.com/odyssey-erp/backoffice/internal/fulfillment"
	"github.com/odyssey-erp/backoffice/internal/pricing"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

type memoryDocRepo struct {
	mu        sync.RWMutex
	headers   map[DocumentRef]Header
	lines     map[DocumentRef][]pricing.LineItem
	totals    map[DocumentRef]pricing.HeaderTotals
	sources   map[pricing.SourceLink]pricing.Source
	records   []fulfillment.Record
	approvals []shared.ApprovalLog

	lineLoads      atomic.Int64
	afterGetHeader func(ref DocumentRef)
}

type memoryDocTx struct {
	repo *memoryDocRepo
}

func newMemoryDocRepo() *memoryDocRepo {
	return &memoryDocRepo{
		headers: make(map[DocumentRef]Header),
		lines:   make(map[DocumentRef][]pricing.LineItem),
		totals:  make(map[DocumentRef]pricing.HeaderTotals),
		sources: make(map[pricing.SourceLink]pricing.Source),
	}
}

func (r *memoryDocRepo) addDocument(ref DocumentRef, status docstatus.Status, lines ...pricing.LineItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headers[ref] = Header{Ref: ref, Number: fmt.Sprintf("%s-%d", ref.Type, ref.ID), Currency: "USD", Status: status}
	r.lines[ref] = lines
}

func (r *memoryDocRepo) setHeader(ref DocumentRef, fn func(*Header)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.headers[ref]
	fn(&h)
	r.headers[ref] = h
}

func (r *memoryDocRepo) addRecords(recs ...fulfillment.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, recs...)
}

func (r *memoryDocRepo) status(ref DocumentRef) docstatus.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.headers[ref].Status
}

func (r *memoryDocRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryDocTx{repo: r})
}

func (r *memoryDocRepo) GetHeader(_ context.Context, ref DocumentRef) (Header, error) {
	r.mu.RLock()
	h, ok := r.headers[ref]
	r.mu.RUnlock()
	if !ok {
		return Header{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if r.afterGetHeader != nil {
		r.afterGetHeader(ref)
	}
	return h, nil
}

func (r *memoryDocRepo) GetLineItems(_ context.Context, ref DocumentRef) ([]pricing.LineItem, error) {
	r.lineLoads.Add(1)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.headers[ref]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return append([]pricing.LineItem(nil), r.lines[ref]...), nil
}

func (r *memoryDocRepo) GetRelatedSource(_ context.Context, link pricing.SourceLink) (pricing.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if src, ok := r.sources[link]; ok {
		return src, nil
	}
	if docType, ok := sourceDocuments[link.Kind]; ok {
		for ref, lines := range r.lines {
			if ref.Type != docType {
				continue
			}
			for _, line := range lines {
				if line.ID == link.ID {
					return pricing.Source{
						Kind:            link.Kind,
						ID:              link.ID,
						UnitPrice:       line.UnitPrice,
						CostPrice:       line.CostPrice,
						MarkupPercent:   line.MarkupPercent,
						DiscountPercent: line.DiscountPercent,
						DiscountAmount:  line.DiscountAmount,
						VATPercent:      line.VATPercent,
						VATAmount:       line.VATAmount,
					}, nil
				}
			}
		}
	}
	return pricing.Source{}, fmt.Errorf("%w: %s:%d", ErrNotFound, link.Kind, link.ID)
}

func (r *memoryDocRepo) GetHeaderTotals(_ context.Context, ref DocumentRef) (pricing.HeaderTotals, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.headers[ref]; !ok {
		return pricing.HeaderTotals{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return r.totals[ref], nil
}

func (r *memoryDocRepo) GetOrderLine(_ context.Context, key fulfillment.OrderLineKey) (fulfillment.Expectation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	docType, ok := orderDocuments[key.Kind]
	if !ok {
		return fulfillment.Expectation{}, ErrNotFound
	}
	for ref, lines := range r.lines {
		if ref.Type != docType {
			continue
		}
		for _, line := range lines {
			if line.ID == key.ID {
				return fulfillment.Expectation{Key: key, Ordered: line.Quantity}, nil
			}
		}
	}
	return fulfillment.Expectation{}, ErrNotFound
}

func (r *memoryDocRepo) live(rec fulfillment.Record) bool {
	h, ok := r.headers[DocumentRef{Type: docstatus.DocumentType(rec.DocumentType), ID: rec.DocumentID}]
	return !ok || !h.Status.IsTerminal()
}

func (r *memoryDocRepo) GetFulfillmentRecords(_ context.Context, key fulfillment.OrderLineKey) ([]fulfillment.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []fulfillment.Record
	for _, rec := range r.records {
		if rec.Key() == key && r.live(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memoryDocRepo) ListDocumentRecords(_ context.Context, ref DocumentRef) ([]fulfillment.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []fulfillment.Record
	for _, rec := range r.records {
		if rec.DocumentType == string(ref.Type) && rec.DocumentID == ref.ID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memoryDocRepo) ListOpenDocuments(_ context.Context, docType docstatus.DocumentType, limit int) ([]DocumentRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []DocumentRef
	for ref, h := range r.headers {
		if ref.Type == docType && !h.Status.IsTerminal() {
			out = append(out, ref)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (tx *memoryDocTx) UpdateStatus(_ context.Context, ref DocumentRef, from, to docstatus.Status) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	h, ok := tx.repo.headers[ref]
	if !ok {
		return ErrNotFound
	}
	if h.Status != from {
		return ErrStatusConflict
	}
	h.Status = to
	tx.repo.headers[ref] = h
	return nil
}

func (tx *memoryDocTx) LockStatus(_ context.Context, ref DocumentRef) (docstatus.Status, error) {
	tx.repo.mu.RLock()
	defer tx.repo.mu.RUnlock()
	h, ok := tx.repo.headers[ref]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return h.Status, nil
}

func (tx *memoryDocTx) ReplaceLines(_ context.Context, ref DocumentRef, lines []pricing.LineItem) ([]pricing.LineItem, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	var existing []int64
	for _, l := range tx.repo.lines[ref] {
		existing = append(existing, l.ID)
	}
	removed, err := planLineChanges(ref, existing, lines)
	if err != nil {
		return nil, err
	}
	if kind, ok := orderLineKind(ref.Type); ok {
		for _, id := range removed {
			for _, rec := range tx.repo.records {
				if rec.Key() == (fulfillment.OrderLineKey{Kind: kind, ID: id}) && tx.repo.live(rec) {
					return nil, fmt.Errorf("%w: %s line %d", ErrLineReferenced, ref, id)
				}
			}
		}
	}
	next := int64(1000)
	for _, ls := range tx.repo.lines {
		for _, l := range ls {
			if l.ID >= next {
				next = l.ID + 1
			}
		}
	}
	stored := make([]pricing.LineItem, 0, len(lines))
	for _, l := range lines {
		if l.ID == 0 {
			l.ID = next
			next++
		}
		stored = append(stored, l)
	}
	tx.repo.lines[ref] = stored
	return append([]pricing.LineItem(nil), stored...), nil
}

func (tx *memoryDocTx) UpdateHeaderTotals(_ context.Context, ref DocumentRef, totals pricing.HeaderTotals) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	tx.repo.totals[ref] = totals
	return nil
}

func (tx *memoryDocTx) Approvals() ApprovalPort {
	return memoryApprovals{repo: tx.repo}
}

type memoryApprovals struct {
	repo *memoryDocRepo
}

func (a memoryApprovals) Record(_ context.Context, log shared.ApprovalLog) error {
	a.repo.mu.Lock()
	defer a.repo.mu.Unlock()
	a.repo.approvals = append(a.repo.approvals, log)
	return nil
}

type memoryAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]string)
	}
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = module
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type recordingMetrics struct {
	mu          sync.Mutex
	mismatches  int
	transitions []string
	illegal     int
	over        int
}

func (m *recordingMetrics) ObserveReconciliation(_ string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mismatches += n
}

func (m *recordingMetrics) ObserveTransition(_ string, from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, from+">"+to)
}

func (m *recordingMetrics) ObserveIllegalTransition(string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.illegal++
}

func (m *recordingMetrics) ObserveOverDelivery(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.over++
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func delivered(docType docstatus.DocumentType, docID, soItemID int64, ordered, qty string) fulfillment.Record {
	return fulfillment.Record{
		DocumentType:      string(docType),
		DocumentID:        docID,
		SalesOrderItemID:  soItemID,
		OrderedQuantity:   dec(ordered),
		FulfilledQuantity: dec(qty),
	}
}

type serviceFixture struct {
	repo    *memoryDocRepo
	audit   *memoryAudit
	idem    *memoryIdempotency
	metrics *recordingMetrics
	svc     *Service
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		repo:    newMemoryDocRepo(),
		audit:   &memoryAudit{},
		idem:    &memoryIdempotency{},
		metrics: &recordingMetrics{},
	}
	opts = append([]Option{WithAudit(f.audit), WithIdempotency(f.idem), WithMetrics(f.metrics)}, opts...)
	f.svc = NewService(f.repo, cfg, opts...)
	return f
}
