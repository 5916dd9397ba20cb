package models

import (
	"time"

	"github.com/google/uuid"
)

// BundlePurchase records one bundle checkout. The row is created when the
// checkout opens; settlement finalizes it (PurchasedAt, CreditsGranted) and
// the derived bundle-unlock entitlement and credit grant trace back to it. A
// revocation (refund/dispute) sets RevokedAt and the projector closes the
// entitlement window.
type BundlePurchase struct {
	ID             uuid.UUID  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CustomerID     uuid.UUID  `gorm:"column:customer_id;type:uuid;not null;index"`
	BundleID       string     `gorm:"column:bundle_id;not null"`
	InvoiceID      *uuid.UUID `gorm:"column:invoice_id;type:uuid"`
	CreditsGranted int64      `gorm:"column:credits_granted;not null;default:0"`
	PurchasedAt    time.Time  `gorm:"column:purchased_at;not null"`
	RevokedAt      *time.Time `gorm:"column:revoked_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}
