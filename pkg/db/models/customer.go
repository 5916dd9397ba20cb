package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence-backend/pkg/enums"
)

// BillingCustomer is one paying identity per tenant app. CreditBalance is a
// denormalized cache of the credit ledger fold for the customer; it is only
// ever written in the same transaction as a ledger append.
type BillingCustomer struct {
	ID               uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	TenantID         uuid.UUID `gorm:"column:tenant_id;type:uuid;not null;index:idx_customers_tenant_ref,unique"`
	ExternalRef      string    `gorm:"column:external_ref;not null;index:idx_customers_tenant_ref,unique"`
	CreditBalance    int64     `gorm:"column:credit_balance;not null;default:0"`
	StripeCustomerID *string   `gorm:"column:stripe_customer_id"`
	SquareCustomerID *string   `gorm:"column:square_customer_id"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// ProviderRef returns the provider-side customer id used for saved-instrument
// charges, or false when the customer has none for that provider.
func (c *BillingCustomer) ProviderRef(provider enums.Provider) (string, bool) {
	if c == nil {
		return "", false
	}
	switch provider {
	case enums.ProviderStripe:
		if c.StripeCustomerID != nil && *c.StripeCustomerID != "" {
			return *c.StripeCustomerID, true
		}
	case enums.ProviderSquare:
		if c.SquareCustomerID != nil && *c.SquareCustomerID != "" {
			return *c.SquareCustomerID, true
		}
	}
	return "", false
}
