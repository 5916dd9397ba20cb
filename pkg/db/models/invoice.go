package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence-backend/pkg/enums"
)

// Invoice is our record that money is or was due. A partial unique index on
// (purpose, period_id) makes renewal invoice creation a natural-key no-op on
// redelivery or concurrent sweeps.
type Invoice struct {
	ID               uuid.UUID            `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CustomerID       uuid.UUID            `gorm:"column:customer_id;type:uuid;not null;index"`
	SubscriptionID   *uuid.UUID           `gorm:"column:subscription_id;type:uuid"`
	PeriodID         *uuid.UUID           `gorm:"column:period_id;type:uuid"`
	BundlePurchaseID *uuid.UUID           `gorm:"column:bundle_purchase_id;type:uuid"`
	Purpose          enums.InvoicePurpose `gorm:"column:purpose;type:invoice_purpose;not null"`
	Status           enums.InvoiceStatus  `gorm:"column:status;type:invoice_status;not null;default:'draft'"`
	AmountCents      int64                `gorm:"column:amount_cents;not null"`
	CurrencyCode     string               `gorm:"column:currency_code;not null;default:'usd'"`
	Provider         enums.Provider       `gorm:"column:provider;type:settlement_provider;not null"`
	DueAt            *time.Time           `gorm:"column:due_at"`
	PaidAt           *time.Time           `gorm:"column:paid_at"`
	VoidedAt         *time.Time           `gorm:"column:voided_at"`
	CreatedAt        time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}
