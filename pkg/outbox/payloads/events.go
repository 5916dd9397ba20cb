package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence-backend/pkg/enums"
)

// SubscriptionUpdatedEvent is emitted on every subscription state transition.
type SubscriptionUpdatedEvent struct {
	SubscriptionID uuid.UUID                `json:"subscription_id"`
	CustomerID     uuid.UUID                `json:"customer_id"`
	PlanID         string                   `json:"plan_id"`
	FromStatus     enums.SubscriptionStatus `json:"from_status"`
	ToStatus       enums.SubscriptionStatus `json:"to_status"`
	Reason         string                   `json:"reason,omitempty"`
}

// PeriodStartedEvent signals a new paid or trial coverage window.
type PeriodStartedEvent struct {
	PeriodID       uuid.UUID `json:"period_id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	CustomerID     uuid.UUID `json:"customer_id"`
	StartAt        time.Time `json:"start_at"`
	EndAt          time.Time `json:"end_at"`
	Trial          bool      `json:"trial"`
	CreditsGranted int64     `json:"credits_granted"`
}

// PeriodRevokedEvent signals that a period's coverage was withdrawn.
type PeriodRevokedEvent struct {
	PeriodID       uuid.UUID `json:"period_id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	CustomerID     uuid.UUID `json:"customer_id"`
	RevokedAt      time.Time `json:"revoked_at"`
	Reason         string    `json:"reason,omitempty"`
}

// InvoicePaidEvent is emitted when settlement confirms payment.
type InvoicePaidEvent struct {
	InvoiceID   uuid.UUID            `json:"invoice_id"`
	CustomerID  uuid.UUID            `json:"customer_id"`
	Purpose     enums.InvoicePurpose `json:"purpose"`
	AmountCents int64                `json:"amount_cents"`
	Provider    enums.Provider       `json:"provider"`
	PaidAt      time.Time            `json:"paid_at"`
}

// InvoiceVoidedEvent is emitted when an invoice is voided or abandoned.
type InvoiceVoidedEvent struct {
	InvoiceID  uuid.UUID            `json:"invoice_id"`
	CustomerID uuid.UUID            `json:"customer_id"`
	Purpose    enums.InvoicePurpose `json:"purpose"`
	VoidedAt   time.Time            `json:"voided_at"`
	Reason     string               `json:"reason,omitempty"`
}

// EntitlementChangedEvent mirrors the entitlement row after projection.
type EntitlementChangedEvent struct {
	EntitlementID uuid.UUID               `json:"entitlement_id"`
	CustomerID    uuid.UUID               `json:"customer_id"`
	Kind          enums.EntitlementKind   `json:"kind"`
	FeatureKey    string                  `json:"feature_key"`
	Status        enums.EntitlementStatus `json:"status"`
	ActiveFrom    time.Time               `json:"active_from"`
	ActiveTo      *time.Time              `json:"active_to,omitempty"`
}

// CreditsGrantedEvent carries a positive ledger entry.
type CreditsGrantedEvent struct {
	EntryID    uuid.UUID          `json:"entry_id"`
	CustomerID uuid.UUID          `json:"customer_id"`
	Delta      int64              `json:"delta"`
	Source     enums.LedgerSource `json:"source"`
	SourceID   *uuid.UUID         `json:"source_id,omitempty"`
	Balance    int64              `json:"balance"`
}

// CreditsReversedEvent carries a negative ledger entry written for a refund or dispute.
type CreditsReversedEvent struct {
	EntryID    uuid.UUID          `json:"entry_id"`
	CustomerID uuid.UUID          `json:"customer_id"`
	Delta      int64              `json:"delta"`
	Source     enums.LedgerSource `json:"source"`
	SourceID   *uuid.UUID         `json:"source_id,omitempty"`
	Balance    int64              `json:"balance"`
}
