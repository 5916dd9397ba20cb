package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
	"github.com/cadencehq/cadence-backend/pkg/pagination"
)

// Repository handles persistence for customers, subscriptions, periods,
// invoices, payments, and bundle purchases.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	CreateCustomer(ctx context.Context, customer *models.BillingCustomer) error
	UpdateCustomer(ctx context.Context, customer *models.BillingCustomer) error
	FindCustomer(ctx context.Context, id uuid.UUID) (*models.BillingCustomer, error)
	FindCustomerForUpdate(ctx context.Context, id uuid.UUID) (*models.BillingCustomer, error)
	FindCustomerByExternalRef(ctx context.Context, tenantID uuid.UUID, externalRef string) (*models.BillingCustomer, error)

	CreateSubscription(ctx context.Context, subscription *models.Subscription) error
	UpdateSubscription(ctx context.Context, subscription *models.Subscription) error
	FindSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	FindSubscriptionForUpdate(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	FindLiveSubscriptionByCustomer(ctx context.Context, customerID uuid.UUID) (*models.Subscription, error)
	ListSubscriptionsByCustomer(ctx context.Context, customerID uuid.UUID) ([]models.Subscription, error)
	ListTrialsEndingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Subscription, error)
	ListDueForRenewal(ctx context.Context, horizon time.Time, limit int) ([]models.Subscription, error)
	ListPendingCancellations(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)
	ListDunningDue(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)
	LockSubscriptionPrices(ctx context.Context, planID string, priceCents int64) (int64, error)
	ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)

	CreatePeriod(ctx context.Context, period *models.SubscriptionPeriod) error
	UpdatePeriod(ctx context.Context, period *models.SubscriptionPeriod) error
	FindPeriod(ctx context.Context, id uuid.UUID) (*models.SubscriptionPeriod, error)
	FindPeriodByStart(ctx context.Context, subscriptionID uuid.UUID, startAt time.Time) (*models.SubscriptionPeriod, error)
	LatestPeriod(ctx context.Context, subscriptionID uuid.UUID) (*models.SubscriptionPeriod, error)
	FindPeriodCovering(ctx context.Context, subscriptionID uuid.UUID, at time.Time) (*models.SubscriptionPeriod, error)

	CreateInvoice(ctx context.Context, invoice *models.Invoice) error
	UpdateInvoice(ctx context.Context, invoice *models.Invoice) error
	FindInvoice(ctx context.Context, id uuid.UUID) (*models.Invoice, error)
	FindInvoiceForPeriod(ctx context.Context, periodID uuid.UUID) (*models.Invoice, error)
	ListInvoices(ctx context.Context, query ListInvoicesQuery) ([]models.Invoice, *pagination.Cursor, error)
	ListStaleOpenInvoices(ctx context.Context, olderThan time.Time, limit int) ([]models.Invoice, error)

	CreatePayment(ctx context.Context, payment *models.Payment) error
	UpdatePayment(ctx context.Context, payment *models.Payment) error
	FindPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	FindPaymentByProviderID(ctx context.Context, provider enums.Provider, providerPaymentID string) (*models.Payment, error)
	ListPayments(ctx context.Context, query ListPaymentsQuery) ([]models.Payment, *pagination.Cursor, error)

	CreateBundlePurchase(ctx context.Context, purchase *models.BundlePurchase) error
	UpdateBundlePurchase(ctx context.Context, purchase *models.BundlePurchase) error
	FindBundlePurchase(ctx context.Context, id uuid.UUID) (*models.BundlePurchase, error)
	FindBundlePurchaseByInvoice(ctx context.Context, invoiceID uuid.UUID) (*models.BundlePurchase, error)
}

// ListInvoicesQuery configures invoice list queries.
type ListInvoicesQuery struct {
	CustomerID uuid.UUID
	Status     *enums.InvoiceStatus
	Purpose    *enums.InvoicePurpose
	Limit      int
	Cursor     *pagination.Cursor
}

// ListPaymentsQuery configures payment list queries.
type ListPaymentsQuery struct {
	CustomerID uuid.UUID
	Status     *enums.PaymentStatus
	Limit      int
	Cursor     *pagination.Cursor
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a billing repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateCustomer(ctx context.Context, customer *models.BillingCustomer) error {
	return r.db.WithContext(ctx).Create(customer).Error
}

func (r *repository) UpdateCustomer(ctx context.Context, customer *models.BillingCustomer) error {
	return r.db.WithContext(ctx).Save(customer).Error
}

func (r *repository) FindCustomer(ctx context.Context, id uuid.UUID) (*models.BillingCustomer, error) {
	var customer models.BillingCustomer
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&customer).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &customer, nil
}

func (r *repository) FindCustomerForUpdate(ctx context.Context, id uuid.UUID) (*models.BillingCustomer, error) {
	var customer models.BillingCustomer
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&customer).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &customer, nil
}

func (r *repository) FindCustomerByExternalRef(ctx context.Context, tenantID uuid.UUID, externalRef string) (*models.BillingCustomer, error) {
	var customer models.BillingCustomer
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND external_ref = ?", tenantID, externalRef).
		First(&customer).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &customer, nil
}

func (r *repository) CreateSubscription(ctx context.Context, subscription *models.Subscription) error {
	return r.db.WithContext(ctx).Create(subscription).Error
}

func (r *repository) UpdateSubscription(ctx context.Context, subscription *models.Subscription) error {
	return r.db.WithContext(ctx).Save(subscription).Error
}

func (r *repository) FindSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&sub).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) FindSubscriptionForUpdate(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&sub).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) FindLiveSubscriptionByCustomer(ctx context.Context, customerID uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Where("status <> ?", enums.SubscriptionStatusCanceled).
		First(&sub).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) ListSubscriptionsByCustomer(ctx context.Context, customerID uuid.UUID) ([]models.Subscription, error) {
	var subs []models.Subscription
	if err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at DESC").
		Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repository) ListTrialsEndingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 250
	}
	var subs []models.Subscription
	if err := r.db.WithContext(ctx).
		Where("status = ?", enums.SubscriptionStatusTrialing).
		Where("trial_ends_at IS NOT NULL AND trial_ends_at <= ?", cutoff).
		Order("trial_ends_at ASC").
		Limit(limit).
		Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

// ListDueForRenewal returns active subscriptions whose latest started period
// ends inside the renewal horizon. Scheduled periods are ignored so a
// subscription stays listed until its renewal actually activates.
func (r *repository) ListDueForRenewal(ctx context.Context, horizon time.Time, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 250
	}
	var subs []models.Subscription
	sub := r.db.
		Model(&models.SubscriptionPeriod{}).
		Select("MAX(end_at)").
		Where("subscription_periods.subscription_id = subscriptions.id").
		Where("revoked_at IS NULL").
		Where("status <> ?", enums.PeriodStatusScheduled)
	if err := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("status = ?", enums.SubscriptionStatusActive).
		Where("cancel_at_period_end = ?", false).
		Where("(?) <= ?", sub, horizon).
		Order("updated_at ASC").
		Limit(limit).
		Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

// ListPendingCancellations returns flagged subscriptions whose latest started
// period has already ended, ready to be terminalized.
func (r *repository) ListPendingCancellations(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 250
	}
	var subs []models.Subscription
	sub := r.db.
		Model(&models.SubscriptionPeriod{}).
		Select("MAX(end_at)").
		Where("subscription_periods.subscription_id = subscriptions.id").
		Where("revoked_at IS NULL").
		Where("status <> ?", enums.PeriodStatusScheduled)
	if err := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("status <> ?", enums.SubscriptionStatusCanceled).
		Where("cancel_at_period_end = ?", true).
		Where("(?) <= ?", sub, now).
		Order("updated_at ASC").
		Limit(limit).
		Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repository) ListDunningDue(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 250
	}
	var subs []models.Subscription
	if err := r.db.WithContext(ctx).
		Where("status = ?", enums.SubscriptionStatusPastDue).
		Where("next_retry_at IS NOT NULL AND next_retry_at <= ?", now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

// LockSubscriptionPrices pins live subscriptions on a plan at the given
// price. Rows already carrying a lock keep their original price.
func (r *repository) LockSubscriptionPrices(ctx context.Context, planID string, priceCents int64) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("plan_id = ?", planID).
		Where("status <> ?", enums.SubscriptionStatusCanceled).
		Where("locked_price_cents IS NULL").
		Update("locked_price_cents", priceCents)
	return result.RowsAffected, result.Error
}

// ListGraceExpired returns past_due subscriptions whose latest period's grace
// deadline has passed.
func (r *repository) ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 250
	}
	var subs []models.Subscription
	sub := r.db.
		Model(&models.SubscriptionPeriod{}).
		Select("MAX(grace_ends_at)").
		Where("subscription_periods.subscription_id = subscriptions.id").
		Where("grace_ends_at IS NOT NULL")
	if err := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("status = ?", enums.SubscriptionStatusPastDue).
		Where("(?) <= ?", sub, now).
		Order("updated_at ASC").
		Limit(limit).
		Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repository) CreatePeriod(ctx context.Context, period *models.SubscriptionPeriod) error {
	return r.db.WithContext(ctx).Create(period).Error
}

func (r *repository) UpdatePeriod(ctx context.Context, period *models.SubscriptionPeriod) error {
	return r.db.WithContext(ctx).Save(period).Error
}

func (r *repository) FindPeriod(ctx context.Context, id uuid.UUID) (*models.SubscriptionPeriod, error) {
	var period models.SubscriptionPeriod
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&period).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &period, nil
}

func (r *repository) FindPeriodByStart(ctx context.Context, subscriptionID uuid.UUID, startAt time.Time) (*models.SubscriptionPeriod, error) {
	var period models.SubscriptionPeriod
	if err := r.db.WithContext(ctx).
		Where("subscription_id = ? AND start_at = ?", subscriptionID, startAt).
		First(&period).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &period, nil
}

func (r *repository) LatestPeriod(ctx context.Context, subscriptionID uuid.UUID) (*models.SubscriptionPeriod, error) {
	var period models.SubscriptionPeriod
	if err := r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("start_at DESC").
		First(&period).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &period, nil
}

// FindPeriodCovering returns the non-revoked period whose window contains the
// given instant. The upper bound is exclusive.
func (r *repository) FindPeriodCovering(ctx context.Context, subscriptionID uuid.UUID, at time.Time) (*models.SubscriptionPeriod, error) {
	var period models.SubscriptionPeriod
	if err := r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Where("revoked_at IS NULL").
		Where("start_at <= ? AND end_at > ?", at, at).
		Order("start_at DESC").
		First(&period).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &period, nil
}

func (r *repository) CreateInvoice(ctx context.Context, invoice *models.Invoice) error {
	return r.db.WithContext(ctx).Create(invoice).Error
}

func (r *repository) UpdateInvoice(ctx context.Context, invoice *models.Invoice) error {
	return r.db.WithContext(ctx).Save(invoice).Error
}

func (r *repository) FindInvoice(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	var invoice models.Invoice
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&invoice).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}

func (r *repository) FindInvoiceForPeriod(ctx context.Context, periodID uuid.UUID) (*models.Invoice, error) {
	var invoice models.Invoice
	if err := r.db.WithContext(ctx).
		Where("purpose = ? AND period_id = ?", enums.InvoicePurposePeriod, periodID).
		First(&invoice).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}

func (r *repository) ListInvoices(ctx context.Context, params ListInvoicesQuery) ([]models.Invoice, *pagination.Cursor, error) {
	limit := pagination.NormalizeLimit(params.Limit)
	query := r.db.WithContext(ctx).Model(&models.Invoice{}).Where("customer_id = ?", params.CustomerID)
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Purpose != nil {
		query = query.Where("purpose = ?", *params.Purpose)
	}
	if params.Cursor != nil {
		query = query.Where("(created_at, id) < (?, ?)", params.Cursor.CreatedAt, params.Cursor.ID)
	}

	var invoices []models.Invoice
	if err := query.Order("created_at DESC, id DESC").Limit(pagination.LimitWithBuffer(limit)).Find(&invoices).Error; err != nil {
		return nil, nil, err
	}

	if len(invoices) > limit {
		next := invoices[limit]
		invoices = invoices[:limit]
		return invoices, &pagination.Cursor{
			CreatedAt: next.CreatedAt,
			ID:        next.ID,
		}, nil
	}

	return invoices, nil, nil
}

func (r *repository) ListStaleOpenInvoices(ctx context.Context, olderThan time.Time, limit int) ([]models.Invoice, error) {
	if limit <= 0 {
		limit = 250
	}
	var invoices []models.Invoice
	if err := r.db.WithContext(ctx).
		Where("status IN ?", []enums.InvoiceStatus{enums.InvoiceStatusDraft, enums.InvoiceStatusOpen}).
		Where("created_at <= ?", olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&invoices).Error; err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repository) CreatePayment(ctx context.Context, payment *models.Payment) error {
	return r.db.WithContext(ctx).Create(payment).Error
}

func (r *repository) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	return r.db.WithContext(ctx).Save(payment).Error
}

func (r *repository) FindPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&payment).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

func (r *repository) FindPaymentByProviderID(ctx context.Context, provider enums.Provider, providerPaymentID string) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_payment_id = ?", provider, providerPaymentID).
		First(&payment).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

func (r *repository) ListPayments(ctx context.Context, params ListPaymentsQuery) ([]models.Payment, *pagination.Cursor, error) {
	limit := pagination.NormalizeLimit(params.Limit)
	query := r.db.WithContext(ctx).Model(&models.Payment{}).Where("customer_id = ?", params.CustomerID)
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Cursor != nil {
		query = query.Where("(created_at, id) < (?, ?)", params.Cursor.CreatedAt, params.Cursor.ID)
	}

	var payments []models.Payment
	if err := query.Order("created_at DESC, id DESC").Limit(pagination.LimitWithBuffer(limit)).Find(&payments).Error; err != nil {
		return nil, nil, err
	}

	if len(payments) > limit {
		next := payments[limit]
		payments = payments[:limit]
		return payments, &pagination.Cursor{
			CreatedAt: next.CreatedAt,
			ID:        next.ID,
		}, nil
	}

	return payments, nil, nil
}

func (r *repository) CreateBundlePurchase(ctx context.Context, purchase *models.BundlePurchase) error {
	return r.db.WithContext(ctx).Create(purchase).Error
}

func (r *repository) UpdateBundlePurchase(ctx context.Context, purchase *models.BundlePurchase) error {
	return r.db.WithContext(ctx).Save(purchase).Error
}

func (r *repository) FindBundlePurchase(ctx context.Context, id uuid.UUID) (*models.BundlePurchase, error) {
	var purchase models.BundlePurchase
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&purchase).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &purchase, nil
}

func (r *repository) FindBundlePurchaseByInvoice(ctx context.Context, invoiceID uuid.UUID) (*models.BundlePurchase, error) {
	var purchase models.BundlePurchase
	if err := r.db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		First(&purchase).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &purchase, nil
}
