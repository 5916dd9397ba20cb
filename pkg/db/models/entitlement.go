package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence-backend/pkg/enums"
)

// Entitlement is a derived, cached access window. It is a read model only:
// the projector recomputes it from periods and bundle purchases whenever its
// source changes state, inside the same transaction as that change.
// ActiveTo is exclusive; nil means perpetual.
type Entitlement struct {
	ID               uuid.UUID               `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CustomerID       uuid.UUID               `gorm:"column:customer_id;type:uuid;not null;index"`
	Kind             enums.EntitlementKind   `gorm:"column:kind;type:entitlement_kind;not null"`
	FeatureKey       string                  `gorm:"column:feature_key;not null"`
	Status           enums.EntitlementStatus `gorm:"column:status;type:entitlement_status;not null;default:'active'"`
	ActiveFrom       time.Time               `gorm:"column:active_from;not null"`
	ActiveTo         *time.Time              `gorm:"column:active_to"`
	SourcePeriodID   *uuid.UUID              `gorm:"column:source_period_id;type:uuid;index"`
	SourcePurchaseID *uuid.UUID              `gorm:"column:source_purchase_id;type:uuid;index"`
	CreatedAt        time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

// ActiveAt reports whether the entitlement grants access at ts. The upper
// bound is exclusive: ActiveTo == ts is already inactive.
func (e *Entitlement) ActiveAt(ts time.Time) bool {
	if e.Status != enums.EntitlementStatusActive {
		return false
	}
	if ts.Before(e.ActiveFrom) {
		return false
	}
	if e.ActiveTo == nil {
		return true
	}
	return ts.Before(*e.ActiveTo)
}
