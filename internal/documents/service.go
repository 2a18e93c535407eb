package documents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/backoffice/internal/docstatus"
	"github.com/odyssey-erp/backoffice/internal/fulfillment"
	"github.com/odyssey-erp/backoffice/internal/pricing"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

const sourceFetchLimit = 8

// Repository describes the reads the service performs.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetHeader(ctx context.Context, ref DocumentRef) (Header, error)
	GetLineItems(ctx context.Context, ref DocumentRef) ([]pricing.LineItem, error)
	GetRelatedSource(ctx context.Context, link pricing.SourceLink) (pricing.Source, error)
	GetHeaderTotals(ctx context.Context, ref DocumentRef) (pricing.HeaderTotals, error)
	GetOrderLine(ctx context.Context, key fulfillment.OrderLineKey) (fulfillment.Expectation, error)
	GetFulfillmentRecords(ctx context.Context, key fulfillment.OrderLineKey) ([]fulfillment.Record, error)
	ListDocumentRecords(ctx context.Context, ref DocumentRef) ([]fulfillment.Record, error)
	ListOpenDocuments(ctx context.Context, docType docstatus.DocumentType, limit int) ([]DocumentRef, error)
}

// TxRepository exposes transactional writes.
type TxRepository interface {
	// LockStatus reads the header status and holds it until the transaction ends.
	LockStatus(ctx context.Context, ref DocumentRef) (docstatus.Status, error)
	UpdateStatus(ctx context.Context, ref DocumentRef, from, to docstatus.Status) error
	// ReplaceLines updates lines by id, inserts lines without one and deletes
	// the rest. It returns the stored lines with their ids.
	ReplaceLines(ctx context.Context, ref DocumentRef, lines []pricing.LineItem) ([]pricing.LineItem, error)
	UpdateHeaderTotals(ctx context.Context, ref DocumentRef, totals pricing.HeaderTotals) error
	Approvals() ApprovalPort
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ApprovalPort reused from shared.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// IdempotencyPort reused from shared.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Metrics receives engine outcomes. observability.EngineMetrics implements it.
type Metrics interface {
	ObserveReconciliation(docType string, mismatches int)
	ObserveTransition(docType, from, to string)
	ObserveIllegalTransition(docType, event string)
	ObserveOverDelivery(docType string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveReconciliation(string, int)        {}
func (noopMetrics) ObserveTransition(string, string, string) {}
func (noopMetrics) ObserveIllegalTransition(string, string)  {}
func (noopMetrics) ObserveOverDelivery(string)               {}

// Config tunes pricing and quantity policies.
type Config struct {
	DefaultCurrency string
	Precision       pricing.PrecisionTable
	Tolerance       decimal.NullDecimal // overrides the one-minor-unit default
	StrictReconcile bool
	StrictDiscount  bool
	OverDelivery    fulfillment.Policy
}

// Service orchestrates document pricing, fulfillment and status flows.
type Service struct {
	repo        Repository
	cache       *TotalsCache
	audit       AuditPort
	idempotency IdempotencyPort
	metrics     Metrics
	logger      *slog.Logger
	cfg         Config
	ledger      *fulfillment.Ledger
	loads       *loadGroup
}

// Option customises the Service.
type Option func(*Service)

// WithCache enables cached totals loads.
func WithCache(c *TotalsCache) Option { return func(s *Service) { s.cache = c } }

// WithAudit records audit entries after each committed change.
func WithAudit(a AuditPort) Option { return func(s *Service) { s.audit = a } }

// WithIdempotency deduplicates status commands carrying a key.
func WithIdempotency(i IdempotencyPort) Option { return func(s *Service) { s.idempotency = i } }

// WithLoadTimeout bounds a shared document load. Non-positive keeps the default.
func WithLoadTimeout(d time.Duration) Option { return func(s *Service) { s.loads = newLoadGroup(d) } }

// WithMetrics reports engine outcomes.
func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService constructs the documents service.
func NewService(repo Repository, cfg Config, opts ...Option) *Service {
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	if cfg.OverDelivery == "" {
		cfg.OverDelivery = fulfillment.PolicyReject
	}
	s := &Service{
		repo:    repo,
		metrics: noopMetrics{},
		logger:  slog.Default(),
		cfg:     cfg,
		ledger:  fulfillment.NewLedger(cfg.OverDelivery),
		loads:   newLoadGroup(defaultLoadTimeout),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Strict reports whether reconciliation mismatches are returned as errors.
func (s *Service) Strict() bool {
	return s.cfg.StrictReconcile
}

func (s *Service) resolver(currency string) *pricing.Resolver {
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}
	return pricing.NewResolver(pricing.Options{
		Precision:      s.cfg.Precision.For(currency),
		StrictDiscount: s.cfg.StrictDiscount,
	})
}

func (s *Service) tolerance(precision int32) decimal.Decimal {
	if s.cfg.Tolerance.Valid {
		return s.cfg.Tolerance.Decimal
	}
	return pricing.MinorUnit(precision)
}

// ResolveDocument returns the resolved lines, totals and reconciliation of a
// document. Results are cached per document version and concurrent loads of
// the same document share one computation. In strict mode a mismatch is
// returned as an error alongside the document.
func (s *Service) ResolveDocument(ctx context.Context, ref DocumentRef) (Document, error) {
	val, err, _ := s.loads.Do(ctx, ref.String(), func(ctx context.Context) (interface{}, error) {
		key, err := s.cache.BuildKey(ctx, ref)
		if err != nil {
			s.logger.Warn("totals cache key", slog.String("ref", ref.String()), slog.Any("error", err))
			return s.load(ctx, ref)
		}
		var doc Document
		if err := s.cache.FetchJSON(ctx, key, &doc, func(ctx context.Context) (interface{}, error) {
			return s.load(ctx, ref)
		}); err != nil {
			return nil, err
		}
		return doc, nil
	})
	if err != nil {
		return Document{}, err
	}
	doc := val.(Document)
	if s.cfg.StrictReconcile {
		return doc, doc.Reconciliation.Err()
	}
	return doc, nil
}

// ReconcileDocument recomputes a document from storage, bypassing the cache.
func (s *Service) ReconcileDocument(ctx context.Context, ref DocumentRef) (Document, error) {
	doc, err := s.load(ctx, ref)
	if err != nil {
		return Document{}, err
	}
	if s.cfg.StrictReconcile {
		return doc, doc.Reconciliation.Err()
	}
	return doc, nil
}

func (s *Service) load(ctx context.Context, ref DocumentRef) (Document, error) {
	var (
		header Header
		lines  []pricing.LineItem
		stored pricing.HeaderTotals
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		header, err = s.repo.GetHeader(gctx, ref)
		return err
	})
	g.Go(func() error {
		var err error
		lines, err = s.repo.GetLineItems(gctx, ref)
		return err
	})
	g.Go(func() error {
		var err error
		stored, err = s.repo.GetHeaderTotals(gctx, ref)
		return err
	})
	if err := g.Wait(); err != nil {
		return Document{}, err
	}

	sources, err := s.fetchSources(ctx, lines)
	if err != nil {
		return Document{}, err
	}
	resolver := s.resolver(header.Currency)
	breakdowns, err := resolveLines(resolver, header, lines, sources)
	if err != nil {
		return Document{}, fmt.Errorf("%s: %w", ref, err)
	}
	totals := pricing.Aggregate(breakdowns)
	rec := pricing.Reconcile(totals, stored, s.tolerance(resolver.Precision()))

	mismatches := rec.Mismatches()
	s.metrics.ObserveReconciliation(string(ref.Type), len(mismatches))
	for _, d := range mismatches {
		s.logger.Warn("reconciliation mismatch",
			slog.String("doc_type", string(ref.Type)),
			slog.Int64("doc_id", ref.ID),
			slog.String("field", d.Field),
			slog.String("delta", d.Difference.String()))
	}
	return Document{Header: header, Lines: breakdowns, Totals: totals, Stored: stored, Reconciliation: rec}, nil
}

// fetchSources loads every distinct upstream line referenced by lines. A
// dangling reference is skipped and the line falls back to its own values.
func (s *Service) fetchSources(ctx context.Context, lines []pricing.LineItem) (map[pricing.SourceLink]pricing.Source, error) {
	links := make([]pricing.SourceLink, 0, len(lines))
	seen := make(map[pricing.SourceLink]struct{}, len(lines))
	for _, line := range lines {
		if line.SourceLink == nil || line.SourceLink.Kind == pricing.SourceHeader {
			continue
		}
		if _, ok := seen[*line.SourceLink]; ok {
			continue
		}
		seen[*line.SourceLink] = struct{}{}
		links = append(links, *line.SourceLink)
	}
	found := make([]*pricing.Source, len(links))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sourceFetchLimit)
	for i, link := range links {
		g.Go(func() error {
			src, err := s.repo.GetRelatedSource(gctx, link)
			if errors.Is(err, ErrNotFound) {
				s.logger.Debug("dangling source link", slog.String("kind", string(link.Kind)), slog.Int64("id", link.ID))
				return nil
			}
			if err != nil {
				return err
			}
			found[i] = &src
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[pricing.SourceLink]pricing.Source, len(links))
	for i, link := range links {
		if found[i] != nil {
			out[link] = *found[i]
		}
	}
	return out, nil
}

func resolveLines(resolver *pricing.Resolver, header Header, lines []pricing.LineItem, sources map[pricing.SourceLink]pricing.Source) ([]pricing.Breakdown, error) {
	headerSrc, hasHeader := header.Source()
	out := make([]pricing.Breakdown, 0, len(lines))
	for _, line := range lines {
		chain := make([]pricing.Source, 0, 2)
		if hasHeader {
			chain = append(chain, headerSrc)
		}
		if line.SourceLink != nil {
			if src, ok := sources[*line.SourceLink]; ok {
				chain = append(chain, src)
			}
		}
		b, err := resolver.Resolve(line, chain...)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// PreviewRequest prices lines without touching storage.
type PreviewRequest struct {
	Currency        string
	DiscountPercent decimal.Decimal
	VATPercent      decimal.Decimal
	Lines           []pricing.LineItem
	Sources         []pricing.Source
}

// Preview is the stateless pricing result.
type Preview struct {
	Currency  string              `json:"currency"`
	Precision int32               `json:"precision"`
	Lines     []pricing.Breakdown `json:"lines"`
	Totals    pricing.Totals      `json:"totals"`
}

// Preview resolves ad-hoc lines. Sources are matched to lines by their link.
func (s *Service) Preview(req PreviewRequest) (Preview, error) {
	currency := req.Currency
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}
	sources := make(map[pricing.SourceLink]pricing.Source, len(req.Sources))
	for _, src := range req.Sources {
		sources[pricing.SourceLink{Kind: src.Kind, ID: src.ID}] = src
	}
	header := Header{Currency: currency, DiscountPercent: req.DiscountPercent, VATPercent: req.VATPercent}
	resolver := s.resolver(currency)
	lines, err := resolveLines(resolver, header, req.Lines, sources)
	if err != nil {
		return Preview{}, err
	}
	return Preview{Currency: currency, Precision: resolver.Precision(), Lines: lines, Totals: pricing.Aggregate(lines)}, nil
}

// ComputeRemaining folds every record fulfilling one order line. The ordered
// quantity comes from the order line when it exists.
func (s *Service) ComputeRemaining(ctx context.Context, key fulfillment.OrderLineKey) (fulfillment.LineResult, error) {
	var (
		expect  []fulfillment.Expectation
		records []fulfillment.Record
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e, err := s.repo.GetOrderLine(gctx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		expect = append(expect, e)
		return nil
	})
	g.Go(func() error {
		var err error
		records, err = s.repo.GetFulfillmentRecords(gctx, key)
		return err
	})
	if err := g.Wait(); err != nil {
		return fulfillment.LineResult{}, err
	}
	if len(expect) == 0 && len(records) == 0 {
		return fulfillment.LineResult{}, fmt.Errorf("%w: order line %s", ErrNotFound, key)
	}
	summary, err := s.ledger.Summarize(records, expect...)
	if err != nil {
		return fulfillment.LineResult{}, err
	}
	line, _ := summary.Line(key)
	return line, nil
}

// LedgerFor summarises fulfillment for a document. Orders list their own
// lines as expectations; deliveries and receipts aggregate every document
// fulfilling the order lines they reference.
func (s *Service) LedgerFor(ctx context.Context, ref DocumentRef) (fulfillment.Summary, error) {
	switch ref.Type {
	case docstatus.TypeSalesOrder, docstatus.TypeSupplierLPO:
		return s.orderLedger(ctx, ref)
	case docstatus.TypeDelivery, docstatus.TypeGoodsReceipt:
		return s.fulfillmentLedger(ctx, ref)
	}
	return fulfillment.Summary{}, fmt.Errorf("%w: %s does not record fulfillment", ErrInvalidRef, ref.Type)
}

func (s *Service) orderLedger(ctx context.Context, ref DocumentRef) (fulfillment.Summary, error) {
	lines, err := s.repo.GetLineItems(ctx, ref)
	if err != nil {
		return fulfillment.Summary{}, err
	}
	kind := fulfillment.KeySalesOrderItem
	if ref.Type == docstatus.TypeSupplierLPO {
		kind = fulfillment.KeyLPOItem
	}
	expect := make([]fulfillment.Expectation, 0, len(lines))
	keys := make([]fulfillment.OrderLineKey, 0, len(lines))
	for _, line := range lines {
		key := fulfillment.OrderLineKey{Kind: kind, ID: line.ID}
		expect = append(expect, fulfillment.Expectation{Key: key, Ordered: line.Quantity})
		keys = append(keys, key)
	}
	records, err := s.recordsFor(ctx, keys)
	if err != nil {
		return fulfillment.Summary{}, err
	}
	return s.ledger.Summarize(records, expect...)
}

func (s *Service) fulfillmentLedger(ctx context.Context, ref DocumentRef) (fulfillment.Summary, error) {
	own, err := s.repo.ListDocumentRecords(ctx, ref)
	if err != nil {
		return fulfillment.Summary{}, err
	}
	seen := make(map[fulfillment.OrderLineKey]struct{}, len(own))
	keys := make([]fulfillment.OrderLineKey, 0, len(own))
	for _, rec := range own {
		key := rec.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	records, err := s.recordsFor(ctx, keys)
	if err != nil {
		return fulfillment.Summary{}, err
	}
	return s.ledger.Summarize(records)
}

func (s *Service) recordsFor(ctx context.Context, keys []fulfillment.OrderLineKey) ([]fulfillment.Record, error) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	groups := make([][]fulfillment.Record, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sourceFetchLimit)
	for i, key := range keys {
		g.Go(func() error {
			recs, err := s.repo.GetFulfillmentRecords(gctx, key)
			if err != nil {
				return err
			}
			groups[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []fulfillment.Record
	for _, recs := range groups {
		out = append(out, recs...)
	}
	return out, nil
}

var approvalActions = map[docstatus.Event]shared.ApprovalAction{
	docstatus.EventSubmit:  shared.ApprovalSubmit,
	docstatus.EventApprove: shared.ApprovalApprove,
	docstatus.EventReject:  shared.ApprovalReject,
}

// AdvanceStatus applies cmd to the document. Illegal events and rejected
// over-deliveries leave the stored status untouched.
func (s *Service) AdvanceStatus(ctx context.Context, ref DocumentRef, cmd Command) (tr Transition, err error) {
	machine, err := docstatus.For(ref.Type)
	if err != nil {
		return Transition{}, fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	header, err := s.repo.GetHeader(ctx, ref)
	if err != nil {
		return Transition{}, err
	}
	tr = Transition{Ref: ref, From: header.Status, To: header.Status, Event: cmd.Event}

	if cmd.IdempotencyKey != "" && s.idempotency != nil {
		module := "documents." + string(ref.Type)
		if err := s.idempotency.CheckAndInsert(ctx, cmd.IdempotencyKey, module); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return tr, fmt.Errorf("%w: %s", ErrDuplicateCommand, cmd.IdempotencyKey)
			}
			return tr, err
		}
		defer func() {
			if err != nil {
				if delErr := s.idempotency.Delete(ctx, cmd.IdempotencyKey); delErr != nil {
					s.logger.Warn("release idempotency key", slog.String("key", cmd.IdempotencyKey), slog.Any("error", delErr))
				}
			}
		}()
	}

	var summary fulfillment.Summary
	if cmd.Event.NeedsLedger() && machine.Fulfills() {
		summary, err = s.LedgerFor(ctx, ref)
		if err != nil {
			if errors.Is(err, fulfillment.ErrOverDelivery) {
				s.metrics.ObserveOverDelivery(string(ref.Type))
			}
			return tr, err
		}
		tr.Summary = &summary
	}

	out, err := machine.Evaluate(header.Status, summary, cmd.Event)
	if err != nil {
		s.metrics.ObserveIllegalTransition(string(ref.Type), string(cmd.Event))
		return tr, err
	}
	tr.Outcome = out
	tr.To = out.Status
	if !out.Changed {
		return tr, nil
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateStatus(ctx, ref, header.Status, out.Status); err != nil {
			return err
		}
		action, ok := approvalActions[cmd.Event]
		if !ok || cmd.ActorID == 0 {
			return nil
		}
		note := cmd.Note
		if note == "" {
			note = fmt.Sprintf("%s %s %s", ref.Type, header.Number, action)
		}
		return tx.Approvals().Record(ctx, shared.ApprovalLog{
			Module:  string(ref.Type),
			RefID:   shared.ApprovalRef(string(ref.Type), ref.ID),
			ActorID: cmd.ActorID,
			Action:  action,
			Note:    note,
		})
	})
	if err != nil {
		return tr, err
	}

	s.metrics.ObserveTransition(string(ref.Type), string(header.Status), string(out.Status))
	s.bump(ctx, ref)
	s.recordAudit(ctx, cmd.ActorID, "DOCUMENT_STATUS", ref, map[string]any{
		"event": cmd.Event, "from": header.Status, "to": out.Status, "discrepancy": out.Discrepancy,
	})
	return tr, nil
}

// ReplaceLines rewrites the lines of an editable document and stores the
// freshly computed header totals in the same transaction.
func (s *Service) ReplaceLines(ctx context.Context, ref DocumentRef, lines []pricing.LineItem, actorID int64) (Document, error) {
	header, err := s.repo.GetHeader(ctx, ref)
	if err != nil {
		return Document{}, err
	}
	if !header.Status.Editable() {
		return Document{}, fmt.Errorf("%w: %s is %s", ErrNotEditable, ref, header.Status)
	}
	sources, err := s.fetchSources(ctx, lines)
	if err != nil {
		return Document{}, err
	}
	resolver := s.resolver(header.Currency)
	breakdowns, err := resolveLines(resolver, header, lines, sources)
	if err != nil {
		return Document{}, err
	}
	totals := pricing.Aggregate(breakdowns)
	stored := pricing.StoredTotals(totals)

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		status, err := tx.LockStatus(ctx, ref)
		if err != nil {
			return err
		}
		if !status.Editable() {
			return fmt.Errorf("%w: %s is %s", ErrNotEditable, ref, status)
		}
		header.Status = status
		saved, err := tx.ReplaceLines(ctx, ref, lines)
		if err != nil {
			return err
		}
		for i := range breakdowns {
			if i < len(saved) {
				breakdowns[i].LineID = saved[i].ID
			}
		}
		return tx.UpdateHeaderTotals(ctx, ref, stored)
	})
	if err != nil {
		return Document{}, err
	}
	s.bump(ctx, ref)
	s.recordAudit(ctx, actorID, "DOCUMENT_LINES_REPLACE", ref, map[string]any{
		"lines": len(lines), "total": totals.TotalAmount.String(),
	})
	return Document{
		Header:         header,
		Lines:          breakdowns,
		Totals:         totals,
		Stored:         stored,
		Reconciliation: pricing.Reconcile(totals, stored, s.tolerance(resolver.Precision())),
	}, nil
}

// OpenDocuments lists documents of docType that have not reached a terminal status.
func (s *Service) OpenDocuments(ctx context.Context, docType docstatus.DocumentType, limit int) ([]DocumentRef, error) {
	if _, err := docstatus.For(docType); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	return s.repo.ListOpenDocuments(ctx, docType, limit)
}

func (s *Service) bump(ctx context.Context, ref DocumentRef) {
	if err := s.cache.Bump(ctx, ref); err != nil {
		s.logger.Warn("totals cache bump", slog.String("ref", ref.String()), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, ref DocumentRef, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   string(ref.Type),
		EntityID: fmt.Sprintf("%d", ref.ID),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Error("audit record", slog.String("action", action), slog.String("ref", ref.String()), slog.Any("error", err))
	}
}
