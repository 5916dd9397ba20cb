package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence-backend/pkg/enums"
)

// Subscription is the billing relationship for one customer. A partial unique
// index (see migrations) enforces at most one non-terminal subscription per
// customer; the row is the concurrency primitive for every lifecycle change.
type Subscription struct {
	ID                uuid.UUID                `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CustomerID        uuid.UUID                `gorm:"column:customer_id;type:uuid;not null;index"`
	Status            enums.SubscriptionStatus `gorm:"column:status;type:subscription_status;not null;default:'trialing'"`
	PlanID            string                   `gorm:"column:plan_id;not null"`
	PendingPlanID     *string                  `gorm:"column:pending_plan_id"`
	CancelAtPeriodEnd bool                     `gorm:"column:cancel_at_period_end;not null;default:false"`
	LockedPriceCents  *int64                   `gorm:"column:locked_price_cents"`
	TrialEndsAt       *time.Time               `gorm:"column:trial_ends_at"`
	PausedAt          *time.Time               `gorm:"column:paused_at"`
	PauseReason       *string                  `gorm:"column:pause_reason"`
	CanceledAt        *time.Time               `gorm:"column:canceled_at"`
	DunningAttempts   int                      `gorm:"column:dunning_attempts;not null;default:0"`
	NextRetryAt       *time.Time               `gorm:"column:next_retry_at"`
	Provider          enums.Provider           `gorm:"column:provider;type:settlement_provider;not null"`
	ProviderSubRef    *string                  `gorm:"column:provider_sub_ref"`
	CreatedAt         time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

// PriceCents returns the price the subscriber actually pays: the grandfathered
// lock when present, otherwise the plan's current price.
func (s *Subscription) PriceCents(plan *Plan) int64 {
	if s.LockedPriceCents != nil {
		return *s.LockedPriceCents
	}
	if plan == nil {
		return 0
	}
	return plan.PriceCents
}
