package models

import (
	"encoding/json"
	"time"

	"github.com/cadencehq/cadence-backend/pkg/enums"
)

// Plan is an immutable-per-version catalog offering. Price changes never
// retroactively affect existing subscribers; their locked price lives on the
// subscription row. Capabilities is an app-defined key/value map the core
// stores and returns but never interprets.
type Plan struct {
	ID                string                `gorm:"column:id;primaryKey"`
	Name              string                `gorm:"column:name;not null"`
	Status            enums.PlanStatus      `gorm:"column:status;type:plan_status;not null;default:'active'"`
	Interval          enums.BillingInterval `gorm:"column:interval;type:billing_interval;not null"`
	PriceCents        int64                 `gorm:"column:price_cents;not null"`
	CurrencyCode      string                `gorm:"column:currency_code;not null;default:'usd'"`
	TrialDays         int                   `gorm:"column:trial_days;not null;default:0"`
	CreditsPerPeriod  int64                 `gorm:"column:credits_per_period;not null;default:0"`
	YearlyCreditsX12  bool                  `gorm:"column:yearly_credits_x12;not null;default:false"`
	Capabilities      json.RawMessage       `gorm:"column:capabilities;type:jsonb"`
	CreatedAt         time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

// PeriodCredits returns the credits granted when a period on this plan starts.
func (p *Plan) PeriodCredits() int64 {
	if p == nil {
		return 0
	}
	if p.Interval == enums.BillingIntervalYearly && p.YearlyCreditsX12 {
		return p.CreditsPerPeriod * 12
	}
	return p.CreditsPerPeriod
}

// PeriodEnd returns the exclusive end of a period starting at the given
// instant, using calendar arithmetic so monthly periods track month length.
func (p *Plan) PeriodEnd(start time.Time) time.Time {
	if p != nil && p.Interval == enums.BillingIntervalYearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// Bundle is a one-time purchasable catalog offering that unlocks a feature
// and may grant credits.
type Bundle struct {
	ID             string           `gorm:"column:id;primaryKey"`
	Name           string           `gorm:"column:name;not null"`
	Status         enums.PlanStatus `gorm:"column:status;type:plan_status;not null;default:'active'"`
	PriceCents     int64            `gorm:"column:price_cents;not null"`
	CurrencyCode   string           `gorm:"column:currency_code;not null;default:'usd'"`
	CreditsGranted int64            `gorm:"column:credits_granted;not null;default:0"`
	UnlockKey      string           `gorm:"column:unlock_key;not null"`
	Capabilities   json.RawMessage  `gorm:"column:capabilities;type:jsonb"`
	CreatedAt      time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}
