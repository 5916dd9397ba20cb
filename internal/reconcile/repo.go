package reconcile

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
)

// Repository persists processed-event markers. The unique index on
// (provider, provider_event_id) is what makes concurrent deliveries of the
// same event collapse to one application.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateEvent(ctx context.Context, event *models.SettlementEvent) error
	FindEvent(ctx context.Context, provider enums.Provider, providerEventID string) (*models.SettlementEvent, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a settlement event repository bound to the database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateEvent(ctx context.Context, event *models.SettlementEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *repository) FindEvent(ctx context.Context, provider enums.Provider, providerEventID string) (*models.SettlementEvent, error) {
	var event models.SettlementEvent
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", provider, providerEventID).
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}
