package catalog

import (
	"context"

	"gorm.io/gorm"

	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
)

// Repository manages persistence for plans and bundles.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreatePlan(ctx context.Context, plan *models.Plan) error
	UpdatePlan(ctx context.Context, plan *models.Plan) error
	FindPlan(ctx context.Context, id string) (*models.Plan, error)
	ListPlans(ctx context.Context, status *enums.PlanStatus) ([]models.Plan, error)
	CreateBundle(ctx context.Context, bundle *models.Bundle) error
	UpdateBundle(ctx context.Context, bundle *models.Bundle) error
	FindBundle(ctx context.Context, id string) (*models.Bundle, error)
	ListBundles(ctx context.Context, status *enums.PlanStatus) ([]models.Bundle, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a catalog repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreatePlan(ctx context.Context, plan *models.Plan) error {
	return r.db.WithContext(ctx).Create(plan).Error
}

func (r *repository) UpdatePlan(ctx context.Context, plan *models.Plan) error {
	return r.db.WithContext(ctx).Save(plan).Error
}

func (r *repository) FindPlan(ctx context.Context, id string) (*models.Plan, error) {
	var plan models.Plan
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&plan).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *repository) ListPlans(ctx context.Context, status *enums.PlanStatus) ([]models.Plan, error) {
	query := r.db.WithContext(ctx).Model(&models.Plan{})
	if status != nil {
		query = query.Where("status = ?", *status)
	}
	var plans []models.Plan
	if err := query.Order("created_at ASC").Find(&plans).Error; err != nil {
		return nil, err
	}
	return plans, nil
}

func (r *repository) CreateBundle(ctx context.Context, bundle *models.Bundle) error {
	return r.db.WithContext(ctx).Create(bundle).Error
}

func (r *repository) UpdateBundle(ctx context.Context, bundle *models.Bundle) error {
	return r.db.WithContext(ctx).Save(bundle).Error
}

func (r *repository) FindBundle(ctx context.Context, id string) (*models.Bundle, error) {
	var bundle models.Bundle
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&bundle).Error; err != nil {
		return nil, err
	}
	return &bundle, nil
}

func (r *repository) ListBundles(ctx context.Context, status *enums.PlanStatus) ([]models.Bundle, error) {
	query := r.db.WithContext(ctx).Model(&models.Bundle{})
	if status != nil {
		query = query.Where("status = ?", *status)
	}
	var bundles []models.Bundle
	if err := query.Order("created_at ASC").Find(&bundles).Error; err != nil {
		return nil, err
	}
	return bundles, nil
}
