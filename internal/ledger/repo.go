package ledger

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
	"github.com/cadencehq/cadence-backend/pkg/pagination"
)

// Repository manages persistence for credit ledger entries and the cached
// balance on the customer row.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateEntry(ctx context.Context, entry *models.CreditLedgerEntry) error
	SumDeltas(ctx context.Context, customerID uuid.UUID) (int64, error)
	SumDeltasBySource(ctx context.Context, source enums.LedgerSource, sourceID uuid.UUID) (int64, error)
	ListEntries(ctx context.Context, params ListEntriesQuery) ([]models.CreditLedgerEntry, *pagination.Cursor, error)
	FindCustomer(ctx context.Context, customerID uuid.UUID) (*models.BillingCustomer, error)
	FindCustomerForUpdate(ctx context.Context, customerID uuid.UUID) (*models.BillingCustomer, error)
	UpdateCustomerBalance(ctx context.Context, customerID uuid.UUID, balance int64) error
}

// ListEntriesQuery configures ledger history queries.
type ListEntriesQuery struct {
	CustomerID uuid.UUID
	Source     *enums.LedgerSource
	Limit      int
	Cursor     *pagination.Cursor
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateEntry(ctx context.Context, entry *models.CreditLedgerEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *repository) SumDeltas(ctx context.Context, customerID uuid.UUID) (int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).
		Model(&models.CreditLedgerEntry{}).
		Where("customer_id = ?", customerID).
		Select("COALESCE(SUM(delta), 0)").
		Scan(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (r *repository) SumDeltasBySource(ctx context.Context, source enums.LedgerSource, sourceID uuid.UUID) (int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).
		Model(&models.CreditLedgerEntry{}).
		Where("source = ? AND source_id = ?", source, sourceID).
		Select("COALESCE(SUM(delta), 0)").
		Scan(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (r *repository) ListEntries(ctx context.Context, params ListEntriesQuery) ([]models.CreditLedgerEntry, *pagination.Cursor, error) {
	limit := pagination.NormalizeLimit(params.Limit)
	query := r.db.WithContext(ctx).
		Model(&models.CreditLedgerEntry{}).
		Where("customer_id = ?", params.CustomerID)
	if params.Source != nil {
		query = query.Where("source = ?", *params.Source)
	}
	if params.Cursor != nil {
		query = query.Where("(created_at, id) < (?, ?)", params.Cursor.CreatedAt, params.Cursor.ID)
	}

	var entries []models.CreditLedgerEntry
	if err := query.Order("created_at DESC, id DESC").Limit(pagination.LimitWithBuffer(limit)).Find(&entries).Error; err != nil {
		return nil, nil, err
	}

	if len(entries) > limit {
		next := entries[limit]
		entries = entries[:limit]
		return entries, &pagination.Cursor{
			CreatedAt: next.CreatedAt,
			ID:        next.ID,
		}, nil
	}

	return entries, nil, nil
}

func (r *repository) FindCustomer(ctx context.Context, customerID uuid.UUID) (*models.BillingCustomer, error) {
	var customer models.BillingCustomer
	if err := r.db.WithContext(ctx).Where("id = ?", customerID).First(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

func (r *repository) FindCustomerForUpdate(ctx context.Context, customerID uuid.UUID) (*models.BillingCustomer, error) {
	var customer models.BillingCustomer
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", customerID).
		First(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

func (r *repository) UpdateCustomerBalance(ctx context.Context, customerID uuid.UUID, balance int64) error {
	return r.db.WithContext(ctx).
		Model(&models.BillingCustomer{}).
		Where("id = ?", customerID).
		Update("credit_balance", balance).Error
}
