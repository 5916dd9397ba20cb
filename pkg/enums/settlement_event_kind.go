package enums

import "fmt"

// SettlementEventKind is the canonical classification of an inbound provider
// event after the adapter has parsed it.
type SettlementEventKind string

const (
	SettlementEventCheckoutCompleted SettlementEventKind = "checkout_completed"
	SettlementEventPaymentSucceeded  SettlementEventKind = "payment_succeeded"
	SettlementEventPaymentFailed     SettlementEventKind = "payment_failed"
	SettlementEventChargeRefunded    SettlementEventKind = "charge_refunded"
	SettlementEventInvoiceVoided     SettlementEventKind = "invoice_voided"
	SettlementEventDisputeOpened     SettlementEventKind = "dispute_opened"
	SettlementEventDisputeWon        SettlementEventKind = "dispute_won"
	SettlementEventDisputeLost       SettlementEventKind = "dispute_lost"
)

var validSettlementEventKinds = []SettlementEventKind{
	SettlementEventCheckoutCompleted,
	SettlementEventPaymentSucceeded,
	SettlementEventPaymentFailed,
	SettlementEventChargeRefunded,
	SettlementEventInvoiceVoided,
	SettlementEventDisputeOpened,
	SettlementEventDisputeWon,
	SettlementEventDisputeLost,
}

// String implements fmt.Stringer.
func (k SettlementEventKind) String() string {
	return string(k)
}

// IsValid reports whether the value is known.
func (k SettlementEventKind) IsValid() bool {
	for _, candidate := range validSettlementEventKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// MustSucceed reports whether failing to process this event leaves a customer
// with incorrect access, as opposed to incorrect bookkeeping only.
func (k SettlementEventKind) MustSucceed() bool {
	switch k {
	case SettlementEventCheckoutCompleted,
		SettlementEventPaymentSucceeded,
		SettlementEventPaymentFailed,
		SettlementEventDisputeOpened,
		SettlementEventDisputeLost:
		return true
	case SettlementEventChargeRefunded,
		SettlementEventInvoiceVoided,
		SettlementEventDisputeWon:
		return false
	}
	// Unknown kinds are treated as must-succeed so they are redelivered.
	return true
}

// ParseSettlementEventKind converts raw input into a SettlementEventKind.
func ParseSettlementEventKind(value string) (SettlementEventKind, error) {
	for _, candidate := range validSettlementEventKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid settlement event kind %q", value)
}
