package documents

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/docstatus"
	"github.com/odyssey-erp/backoffice/internal/platform/httpx"
	"github.com/odyssey-erp/backoffice/internal/pricing"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// IdempotencyHeader carries the client key of a status command.
const IdempotencyHeader = "Idempotency-Key"

// Handler wires HTTP endpoints for document pricing, fulfillment and status.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers document routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/pricing/resolve", h.previewPricing)
	r.Route("/documents/{type}/{id}", func(r chi.Router) {
		r.Get("/totals", h.getTotals)
		r.Get("/ledger", h.getLedger)
		r.Post("/events", h.postEvent)
		r.Put("/lines", h.putLines)
	})
	r.Get("/order-lines/{kind}/{id}/remaining", h.getRemaining)
}

type lineRequest struct {
	ID              int64           `json:"id" validate:"gte=0"`
	ItemID          int64           `json:"item_id" validate:"gte=0"`
	Description     string          `json:"description" validate:"max=500"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	CostPrice       decimal.Decimal `json:"cost_price"`
	MarkupPercent   decimal.Decimal `json:"markup_percent"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
	VATPercent      decimal.Decimal `json:"vat_percent"`
	VATAmount       decimal.Decimal `json:"vat_amount"`
	LineTotal       decimal.Decimal `json:"line_total"`
	SourceKind      string          `json:"source_kind" validate:"omitempty,oneof=QUOTATION_ITEM SALES_ORDER_ITEM DELIVERY_ITEM INVOICE_ITEM SUPPLIER_QUOTE_ITEM LPO_ITEM"`
	SourceID        int64           `json:"source_id" validate:"required_with=SourceKind,gte=0"`
}

func (l lineRequest) lineItem() pricing.LineItem {
	item := pricing.LineItem{
		ID:              l.ID,
		ItemID:          l.ItemID,
		Description:     l.Description,
		Quantity:        l.Quantity,
		UnitPrice:       l.UnitPrice,
		CostPrice:       l.CostPrice,
		MarkupPercent:   l.MarkupPercent,
		DiscountPercent: l.DiscountPercent,
		DiscountAmount:  l.DiscountAmount,
		VATPercent:      l.VATPercent,
		VATAmount:       l.VATAmount,
		LineTotal:       l.LineTotal,
	}
	if l.SourceKind != "" {
		item.SourceLink = &pricing.SourceLink{Kind: pricing.SourceKind(l.SourceKind), ID: l.SourceID}
	}
	return item
}

func lineItems(in []lineRequest) []pricing.LineItem {
	out := make([]pricing.LineItem, 0, len(in))
	for _, l := range in {
		out = append(out, l.lineItem())
	}
	return out
}

type sourceRequest struct {
	Kind            string          `json:"kind" validate:"required,oneof=QUOTATION_ITEM SALES_ORDER_ITEM DELIVERY_ITEM INVOICE_ITEM SUPPLIER_QUOTE_ITEM LPO_ITEM"`
	ID              int64           `json:"id" validate:"required,gt=0"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	CostPrice       decimal.Decimal `json:"cost_price"`
	MarkupPercent   decimal.Decimal `json:"markup_percent"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
	VATPercent      decimal.Decimal `json:"vat_percent"`
	VATAmount       decimal.Decimal `json:"vat_amount"`
}

type previewRequest struct {
	Currency        string          `json:"currency" validate:"omitempty,len=3,alpha"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	VATPercent      decimal.Decimal `json:"vat_percent"`
	Lines           []lineRequest   `json:"lines" validate:"required,min=1,max=500,dive"`
	Sources         []sourceRequest `json:"sources" validate:"max=500,dive"`
}

type eventRequest struct {
	Event string `json:"event" validate:"required,oneof=SUBMIT FULFILLMENT APPROVE FLAG_DISCREPANCY RESOLVE_DISCREPANCY CANCEL REJECT"`
	Note  string `json:"note" validate:"max=500"`
}

type replaceLinesRequest struct {
	Lines []lineRequest `json:"lines" validate:"max=500,dive"`
}

func (h *Handler) previewPricing(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if !h.decode(w, r, &req) {
		return
	}
	sources := make([]pricing.Source, 0, len(req.Sources))
	for _, s := range req.Sources {
		sources = append(sources, pricing.Source{
			Kind:            pricing.SourceKind(s.Kind),
			ID:              s.ID,
			UnitPrice:       s.UnitPrice,
			CostPrice:       s.CostPrice,
			MarkupPercent:   s.MarkupPercent,
			DiscountPercent: s.DiscountPercent,
			DiscountAmount:  s.DiscountAmount,
			VATPercent:      s.VATPercent,
			VATAmount:       s.VATAmount,
		})
	}
	preview, err := h.service.Preview(PreviewRequest{
		Currency:        strings.ToUpper(req.Currency),
		DiscountPercent: req.DiscountPercent,
		VATPercent:      req.VATPercent,
		Lines:           lineItems(req.Lines),
		Sources:         sources,
	})
	if err != nil {
		respondProblem(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, preview)
}

func (h *Handler) getTotals(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.ref(w, r)
	if !ok {
		return
	}
	load := h.service.ResolveDocument
	if r.URL.Query().Get("fresh") == "true" {
		load = h.service.ReconcileDocument
	}
	doc, err := load(r.Context(), ref)
	if err != nil {
		if errors.Is(err, pricing.ErrReconciliationMismatch) {
			httpx.JSON(w, http.StatusUnprocessableEntity, doc)
			return
		}
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) getLedger(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.ref(w, r)
	if !ok {
		return
	}
	summary, err := h.service.LedgerFor(r.Context(), ref)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) getRemaining(w http.ResponseWriter, r *http.Request) {
	key, err := ParseOrderLineKey(chi.URLParam(r, "kind"), chi.URLParam(r, "id"))
	if err != nil {
		respondProblem(w, err)
		return
	}
	line, err := h.service.ComputeRemaining(r.Context(), key)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, line)
}

func (h *Handler) postEvent(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.ref(w, r)
	if !ok {
		return
	}
	var req eventRequest
	if !h.decode(w, r, &req) {
		return
	}
	tr, err := h.service.AdvanceStatus(r.Context(), ref, Command{
		Event:          docstatus.Event(req.Event),
		ActorID:        shared.ActorFromContext(r.Context()),
		Note:           req.Note,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(IdempotencyHeader)),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tr)
}

func (h *Handler) putLines(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.ref(w, r)
	if !ok {
		return
	}
	var req replaceLinesRequest
	if !h.decode(w, r, &req) {
		return
	}
	doc, err := h.service.ReplaceLines(r.Context(), ref, lineItems(req.Lines), shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) ref(w http.ResponseWriter, r *http.Request) (DocumentRef, bool) {
	ref, err := ParseRef(chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		respondProblem(w, err)
		return DocumentRef{}, false
	}
	return ref, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(w, r, dst); err != nil {
		respondProblem(w, err)
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			respondProblem(w, err)
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fieldErr := range verrs {
			name := fieldErr.Namespace()
			if i := strings.IndexByte(name, '.'); i >= 0 {
				name = name[i+1:]
			}
			fields[name] = fieldErr.Error()
		}
		httpx.ValidationProblem(w, fields)
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	if clientError(err) {
		h.logger.Info("document request rejected", slog.String("path", r.URL.Path), slog.Any("error", err))
	} else {
		h.logger.Error("document request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	respondProblem(w, err)
}
