package entitlement

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cadencehq/cadence-backend/pkg/db/models"
)

// Repository manages persistence for derived entitlement rows.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, entitlement *models.Entitlement) error
	Update(ctx context.Context, entitlement *models.Entitlement) error
	FindBySourcePeriod(ctx context.Context, periodID uuid.UUID) (*models.Entitlement, error)
	FindBySourcePurchase(ctx context.Context, purchaseID uuid.UUID) (*models.Entitlement, error)
	ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]models.Entitlement, error)
	ListByFeature(ctx context.Context, customerID uuid.UUID, featureKey string) ([]models.Entitlement, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an entitlement repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, entitlement *models.Entitlement) error {
	return r.db.WithContext(ctx).Create(entitlement).Error
}

func (r *repository) Update(ctx context.Context, entitlement *models.Entitlement) error {
	return r.db.WithContext(ctx).Save(entitlement).Error
}

// FindBySourcePeriod returns nil, nil when no row exists for the period.
func (r *repository) FindBySourcePeriod(ctx context.Context, periodID uuid.UUID) (*models.Entitlement, error) {
	var row models.Entitlement
	err := r.db.WithContext(ctx).Where("source_period_id = ?", periodID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// FindBySourcePurchase returns nil, nil when no row exists for the purchase.
func (r *repository) FindBySourcePurchase(ctx context.Context, purchaseID uuid.UUID) (*models.Entitlement, error) {
	var row models.Entitlement
	err := r.db.WithContext(ctx).Where("source_purchase_id = ?", purchaseID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]models.Entitlement, error) {
	var rows []models.Entitlement
	if err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("active_from DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) ListByFeature(ctx context.Context, customerID uuid.UUID, featureKey string) ([]models.Entitlement, error) {
	var rows []models.Entitlement
	if err := r.db.WithContext(ctx).
		Where("customer_id = ? AND feature_key = ?", customerID, featureKey).
		Order("active_from DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
