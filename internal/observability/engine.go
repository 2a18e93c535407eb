package observability

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics counts document engine outcomes. It satisfies documents.Metrics.
type EngineMetrics struct {
	mismatches   *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	illegal      *prometheus.CounterVec
	overDelivery *prometheus.CounterVec
}

// NewEngineMetrics registers the engine collectors. A nil registerer falls back
// to the default Prometheus registerer.
func NewEngineMetrics(registerer prometheus.Registerer) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &EngineMetrics{
		mismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backoffice_reconciliation_mismatches_total",
			Help: "Stored header totals that disagree with recomputed totals, per document type.",
		}, []string{"doc_type"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backoffice_status_transitions_total",
			Help: "Persisted document status transitions.",
		}, []string{"doc_type", "from", "to"}),
		illegal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backoffice_illegal_transitions_total",
			Help: "Rejected status events per document type and event.",
		}, []string{"doc_type", "event"}),
		overDelivery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backoffice_over_deliveries_total",
			Help: "Fulfillment events refused because a line would exceed its ordered quantity.",
		}, []string{"doc_type"}),
	}
	registerer.MustRegister(m.mismatches, m.transitions, m.illegal, m.overDelivery)
	return m
}

// ObserveReconciliation adds the mismatched header fields found for a
// document. Zero adds nothing.
func (m *EngineMetrics) ObserveReconciliation(docType string, mismatches int) {
	if m == nil || mismatches <= 0 {
		return
	}
	m.mismatches.WithLabelValues(docType).Add(float64(mismatches))
}

// ObserveTransition counts a status change once it is committed.
func (m *EngineMetrics) ObserveTransition(docType, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(docType, from, to).Inc()
}

// ObserveIllegalTransition counts an event the status machine refused.
func (m *EngineMetrics) ObserveIllegalTransition(docType, event string) {
	if m == nil {
		return
	}
	m.illegal.WithLabelValues(docType, event).Inc()
}

// ObserveOverDelivery counts a fulfillment event refused for exceeding the
// ordered quantity.
func (m *EngineMetrics) ObserveOverDelivery(docType string) {
	if m == nil {
		return
	}
	m.overDelivery.WithLabelValues(docType).Inc()
}
