package enums

import "fmt"

// OutboxAggregateType maps to the aggregate_type enum in Postgres.
type OutboxAggregateType string

const (
	AggregateSubscription OutboxAggregateType = "subscription"
	AggregatePeriod       OutboxAggregateType = "subscription_period"
	AggregateInvoice      OutboxAggregateType = "invoice"
	AggregateEntitlement  OutboxAggregateType = "entitlement"
	AggregateLedgerEntry  OutboxAggregateType = "ledger_entry"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateSubscription,
	AggregatePeriod,
	AggregateInvoice,
	AggregateEntitlement,
	AggregateLedgerEntry,
}

// IsValid reports whether the value matches the canonical aggregate_type enum.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType maps to the event_type enum in Postgres.
type OutboxEventType string

const (
	EventSubscriptionUpdated OutboxEventType = "subscription_updated"
	EventPeriodStarted       OutboxEventType = "period_started"
	EventPeriodRevoked       OutboxEventType = "period_revoked"
	EventInvoicePaid         OutboxEventType = "invoice_paid"
	EventInvoiceVoided       OutboxEventType = "invoice_voided"
	EventEntitlementChanged  OutboxEventType = "entitlement_changed"
	EventCreditsGranted      OutboxEventType = "credits_granted"
	EventCreditsReversed     OutboxEventType = "credits_reversed"
)

var validOutboxEventTypes = []OutboxEventType{
	EventSubscriptionUpdated,
	EventPeriodStarted,
	EventPeriodRevoked,
	EventInvoicePaid,
	EventInvoiceVoided,
	EventEntitlementChanged,
	EventCreditsGranted,
	EventCreditsReversed,
}

// IsValid reports whether the value matches the canonical event_type enum.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
