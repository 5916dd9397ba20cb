package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence-backend/pkg/enums"
)

// SubscriptionPeriod is one time-bounded access window, paid or trial.
// (subscription_id, start_at) is unique so renewal is an idempotent upsert
// keyed by the boundary it covers. CreditsGranted records the exact grant so
// a refund or dispute can reverse it precisely.
type SubscriptionPeriod struct {
	ID             uuid.UUID          `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	SubscriptionID uuid.UUID          `gorm:"column:subscription_id;type:uuid;not null;index:idx_periods_sub_start,unique"`
	StartAt        time.Time          `gorm:"column:start_at;not null;index:idx_periods_sub_start,unique"`
	EndAt          time.Time          `gorm:"column:end_at;not null"`
	Status         enums.PeriodStatus `gorm:"column:status;type:period_status;not null;default:'scheduled'"`
	Trial          bool               `gorm:"column:trial;not null;default:false"`
	GraceEndsAt    *time.Time         `gorm:"column:grace_ends_at"`
	CreditsGranted int64              `gorm:"column:credits_granted;not null;default:0"`
	InvoiceID      *uuid.UUID         `gorm:"column:invoice_id;type:uuid"`
	RevokedAt      *time.Time         `gorm:"column:revoked_at"`
	CreatedAt      time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

// Covers reports whether ts falls inside the period window. The upper bound
// is exclusive.
func (p *SubscriptionPeriod) Covers(ts time.Time) bool {
	return !ts.Before(p.StartAt) && ts.Before(p.EndAt)
}
