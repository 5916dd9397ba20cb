package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics records webhook reconciliation outcomes per provider.
type SettlementMetrics struct {
	processed *prometheus.CounterVec
	duplicate *prometheus.CounterVec
	retried   *prometheus.CounterVec
	discarded *prometheus.CounterVec
}

// NewSettlementMetrics registers the settlement metrics on the provided registerer.
func NewSettlementMetrics(reg prometheus.Registerer) *SettlementMetrics {
	if reg == nil {
		return &SettlementMetrics{}
	}
	processed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_events_processed",
		Help: "Settlement events applied and marked processed.",
	}, []string{"provider", "kind"})
	duplicate := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_events_duplicate",
		Help: "Settlement events acknowledged as already processed.",
	}, []string{"provider", "kind"})
	retried := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_events_retried",
		Help: "Settlement events returned to the provider for redelivery.",
	}, []string{"provider", "kind"})
	discarded := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_events_discarded",
		Help: "Best-effort settlement events dropped after a processing failure.",
	}, []string{"provider", "kind"})
	reg.MustRegister(processed, duplicate, retried, discarded)
	return &SettlementMetrics{
		processed: processed,
		duplicate: duplicate,
		retried:   retried,
		discarded: discarded,
	}
}

// IncProcessed increments the processed counter.
func (s *SettlementMetrics) IncProcessed(provider, kind string) {
	if s == nil || s.processed == nil {
		return
	}
	s.processed.WithLabelValues(normalizeLabel(provider), normalizeLabel(kind)).Inc()
}

// IncDuplicate increments the duplicate counter.
func (s *SettlementMetrics) IncDuplicate(provider, kind string) {
	if s == nil || s.duplicate == nil {
		return
	}
	s.duplicate.WithLabelValues(normalizeLabel(provider), normalizeLabel(kind)).Inc()
}

// IncRetried increments the redelivery counter.
func (s *SettlementMetrics) IncRetried(provider, kind string) {
	if s == nil || s.retried == nil {
		return
	}
	s.retried.WithLabelValues(normalizeLabel(provider), normalizeLabel(kind)).Inc()
}

// IncDiscarded increments the discarded counter.
func (s *SettlementMetrics) IncDiscarded(provider, kind string) {
	if s == nil || s.discarded == nil {
		return
	}
	s.discarded.WithLabelValues(normalizeLabel(provider), normalizeLabel(kind)).Inc()
}
