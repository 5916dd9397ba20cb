package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestSettlementMetricsExportsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewSettlementMetrics(reg)
	metrics.IncProcessed("stripe", "payment_succeeded")
	metrics.IncProcessed("stripe", "payment_succeeded")
	metrics.IncDuplicate("stripe", "payment_succeeded")
	metrics.IncRetried("square", "payment_failed")
	metrics.IncDiscarded("square", "charge_refunded")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got, err := fetchCounterValue(mfs, "settlement_events_processed", "provider", "stripe"); err != nil {
		t.Fatalf("fetch processed: %v", err)
	} else if got != 2 {
		t.Fatalf("expected processed=2, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "settlement_events_duplicate", "kind", "payment_succeeded"); err != nil {
		t.Fatalf("fetch duplicate: %v", err)
	} else if got != 1 {
		t.Fatalf("expected duplicate=1, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "settlement_events_retried", "provider", "square"); err != nil {
		t.Fatalf("fetch retried: %v", err)
	} else if got != 1 {
		t.Fatalf("expected retried=1, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "settlement_events_discarded", "kind", "charge_refunded"); err != nil {
		t.Fatalf("fetch discarded: %v", err)
	} else if got != 1 {
		t.Fatalf("expected discarded=1, got %f", got)
	}
}

func TestSettlementMetricsNilSafe(t *testing.T) {
	var metrics *SettlementMetrics
	metrics.IncProcessed("stripe", "payment_succeeded")
	metrics.IncDuplicate("", "")
	metrics.IncRetried("", "")
	metrics.IncDiscarded("", "")
}
