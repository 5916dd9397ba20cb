package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence-backend/pkg/enums"
)

// Payment mirrors one provider-side settlement attempt. The unique index on
// (provider, provider_payment_id) is the idempotency key for inbound events:
// a duplicate provider notification can never create a second row.
type Payment struct {
	ID                uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CustomerID        uuid.UUID           `gorm:"column:customer_id;type:uuid;not null;index"`
	InvoiceID         *uuid.UUID          `gorm:"column:invoice_id;type:uuid"`
	Provider          enums.Provider      `gorm:"column:provider;type:settlement_provider;not null;index:idx_payments_provider_pid,unique"`
	ProviderPaymentID string              `gorm:"column:provider_payment_id;not null;index:idx_payments_provider_pid,unique"`
	AmountCents       int64               `gorm:"column:amount_cents;not null"`
	CurrencyCode      string              `gorm:"column:currency_code;not null;default:'usd'"`
	Status            enums.PaymentStatus `gorm:"column:status;type:payment_status;not null;default:'pending'"`
	ConfirmedAt       *time.Time          `gorm:"column:confirmed_at"`
	FailedAt          *time.Time          `gorm:"column:failed_at"`
	FailureMessage    *string             `gorm:"column:failure_message"`
	CreatedAt         time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}
