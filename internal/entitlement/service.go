package entitlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
	"github.com/cadencehq/cadence-backend/pkg/outbox"
	"github.com/cadencehq/cadence-backend/pkg/outbox/payloads"
)

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Projector recomputes entitlement rows from their authoritative sources. It
// runs inside the caller's transaction so the read model can never commit
// without the change that invalidated it.
type Projector interface {
	ProjectPeriod(ctx context.Context, tx *gorm.DB, customerID uuid.UUID, period *models.SubscriptionPeriod, plan *models.Plan) (*models.Entitlement, error)
	ProjectBundle(ctx context.Context, tx *gorm.DB, purchase *models.BundlePurchase, bundle *models.Bundle) (*models.Entitlement, error)
}

// Service adds the read API on top of the projector.
type Service interface {
	Projector
	Check(ctx context.Context, customerID uuid.UUID, featureKey string, at time.Time) (*CheckResult, error)
	ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]models.Entitlement, error)
}

// CheckResult reports whether a feature is accessible and which entitlement
// grants it.
type CheckResult struct {
	Active      bool
	Entitlement *models.Entitlement
}

type service struct {
	repo   Repository
	outbox outboxPublisher
}

// NewService builds an entitlement service.
func NewService(repo Repository, outboxSvc outboxPublisher) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("entitlement repository required")
	}
	if outboxSvc == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	return &service{repo: repo, outbox: outboxSvc}, nil
}

// ProjectPeriod upserts the plan-access entitlement derived from a
// subscription period. The feature key is the plan id. The window runs from
// period start to period end, stretched to the grace deadline while one is
// open, and clamped to the revocation instant once revoked.
func (s *service) ProjectPeriod(ctx context.Context, tx *gorm.DB, customerID uuid.UUID, period *models.SubscriptionPeriod, plan *models.Plan) (*models.Entitlement, error) {
	if period == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "period is required")
	}
	if plan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan is required")
	}
	if customerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}

	repo := s.repo.WithTx(tx)
	row, err := repo.FindBySourcePeriod(ctx, period.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading entitlement for period")
	}

	status := enums.EntitlementStatusActive
	activeTo := period.EndAt
	if period.GraceEndsAt != nil && period.GraceEndsAt.After(activeTo) {
		activeTo = *period.GraceEndsAt
	}
	if period.RevokedAt != nil {
		status = enums.EntitlementStatusInactive
		activeTo = *period.RevokedAt
	}

	if row == nil {
		periodID := period.ID
		row = &models.Entitlement{
			CustomerID:     customerID,
			Kind:           enums.EntitlementKindPlanAccess,
			FeatureKey:     plan.ID,
			Status:         status,
			ActiveFrom:     period.StartAt,
			ActiveTo:       &activeTo,
			SourcePeriodID: &periodID,
		}
		if err := repo.Create(ctx, row); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating entitlement")
		}
	} else {
		row.Status = status
		row.FeatureKey = plan.ID
		row.ActiveFrom = period.StartAt
		row.ActiveTo = &activeTo
		if err := repo.Update(ctx, row); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "updating entitlement")
		}
	}

	if err := s.emitChanged(ctx, tx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// ProjectBundle upserts the bundle-unlock entitlement derived from a
// purchase. Unlocks are perpetual until the purchase is revoked.
func (s *service) ProjectBundle(ctx context.Context, tx *gorm.DB, purchase *models.BundlePurchase, bundle *models.Bundle) (*models.Entitlement, error) {
	if purchase == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "purchase is required")
	}
	if bundle == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "bundle is required")
	}

	repo := s.repo.WithTx(tx)
	row, err := repo.FindBySourcePurchase(ctx, purchase.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading entitlement for purchase")
	}

	status := enums.EntitlementStatusActive
	var activeTo *time.Time
	if purchase.RevokedAt != nil {
		status = enums.EntitlementStatusInactive
		activeTo = purchase.RevokedAt
	}

	if row == nil {
		purchaseID := purchase.ID
		row = &models.Entitlement{
			CustomerID:       purchase.CustomerID,
			Kind:             enums.EntitlementKindBundleUnlock,
			FeatureKey:       bundle.UnlockKey,
			Status:           status,
			ActiveFrom:       purchase.PurchasedAt,
			ActiveTo:         activeTo,
			SourcePurchaseID: &purchaseID,
		}
		if err := repo.Create(ctx, row); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating entitlement")
		}
	} else {
		row.Status = status
		row.ActiveTo = activeTo
		if err := repo.Update(ctx, row); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "updating entitlement")
		}
	}

	if err := s.emitChanged(ctx, tx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// Check reports whether the customer can use featureKey at the given instant.
func (s *service) Check(ctx context.Context, customerID uuid.UUID, featureKey string, at time.Time) (*CheckResult, error) {
	if customerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	if featureKey == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "feature key is required")
	}
	if at.IsZero() {
		at = time.Now()
	}

	rows, err := s.repo.ListByFeature(ctx, customerID, featureKey)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "listing entitlements")
	}
	for i := range rows {
		if rows[i].ActiveAt(at) {
			return &CheckResult{Active: true, Entitlement: &rows[i]}, nil
		}
	}
	return &CheckResult{Active: false}, nil
}

func (s *service) ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]models.Entitlement, error) {
	if customerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	rows, err := s.repo.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "listing entitlements")
	}
	return rows, nil
}

func (s *service) emitChanged(ctx context.Context, tx *gorm.DB, row *models.Entitlement) error {
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventEntitlementChanged,
		AggregateType: enums.AggregateEntitlement,
		AggregateID:   row.ID,
		Data: payloads.EntitlementChangedEvent{
			EntitlementID: row.ID,
			CustomerID:    row.CustomerID,
			Kind:          row.Kind,
			FeatureKey:    row.FeatureKey,
			Status:        row.Status,
			ActiveFrom:    row.ActiveFrom,
			ActiveTo:      row.ActiveTo,
		},
	})
}
