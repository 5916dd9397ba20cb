package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/cadencehq/cadence-backend/internal/billing"
	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
)

// Service exposes catalog management and lookups.
type Service interface {
	CreatePlan(ctx context.Context, input CreatePlanInput) (*models.Plan, error)
	RepricePlan(ctx context.Context, id string, priceCents int64) (*models.Plan, error)
	ArchivePlan(ctx context.Context, id string) (*models.Plan, error)
	GetPlan(ctx context.Context, id string) (*models.Plan, error)
	GetActivePlan(ctx context.Context, id string) (*models.Plan, error)
	ListPlans(ctx context.Context, status *enums.PlanStatus) ([]models.Plan, error)
	CreateBundle(ctx context.Context, input CreateBundleInput) (*models.Bundle, error)
	GetBundle(ctx context.Context, id string) (*models.Bundle, error)
	GetActiveBundle(ctx context.Context, id string) (*models.Bundle, error)
	ListBundles(ctx context.Context, status *enums.PlanStatus) ([]models.Bundle, error)
}

// CreatePlanInput captures the fields for a new plan version.
type CreatePlanInput struct {
	ID               string
	Name             string
	Interval         enums.BillingInterval
	PriceCents       int64
	CurrencyCode     string
	TrialDays        int
	CreditsPerPeriod int64
	YearlyCreditsX12 bool
	Capabilities     json.RawMessage
}

// CreateBundleInput captures the fields for a new bundle.
type CreateBundleInput struct {
	ID             string
	Name           string
	PriceCents     int64
	CurrencyCode   string
	CreditsGranted int64
	UnlockKey      string
	Capabilities   json.RawMessage
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type service struct {
	repo        Repository
	tx          txRunner
	subscribers billing.Repository
}

// NewService builds a catalog service. The billing repository carries the
// subscriber price locks written when a plan is repriced.
func NewService(repo Repository, tx txRunner, subscribers billing.Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("catalog repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if subscribers == nil {
		return nil, fmt.Errorf("billing repository required")
	}
	return &service{repo: repo, tx: tx, subscribers: subscribers}, nil
}

func (s *service) CreatePlan(ctx context.Context, input CreatePlanInput) (*models.Plan, error) {
	id := strings.TrimSpace(input.ID)
	if id == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan id is required")
	}
	if strings.TrimSpace(input.Name) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan name is required")
	}
	if !input.Interval.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid billing interval %q", input.Interval))
	}
	if input.PriceCents < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "price must be non-negative")
	}
	if input.TrialDays < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "trial days must be non-negative")
	}
	if input.CreditsPerPeriod < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "credits per period must be non-negative")
	}

	currency := strings.ToLower(strings.TrimSpace(input.CurrencyCode))
	if currency == "" {
		currency = "usd"
	}

	plan := &models.Plan{
		ID:               id,
		Name:             strings.TrimSpace(input.Name),
		Status:           enums.PlanStatusActive,
		Interval:         input.Interval,
		PriceCents:       input.PriceCents,
		CurrencyCode:     currency,
		TrialDays:        input.TrialDays,
		CreditsPerPeriod: input.CreditsPerPeriod,
		YearlyCreditsX12: input.YearlyCreditsX12,
		Capabilities:     input.Capabilities,
	}
	if err := s.repo.CreatePlan(ctx, plan); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating plan")
	}
	return plan, nil
}

// RepricePlan moves a plan to a new list price. Live subscribers keep the
// price they signed up at: it is pinned on their subscription rows in the
// same transaction, and only a plan change clears the pin.
func (s *service) RepricePlan(ctx context.Context, id string, priceCents int64) (*models.Plan, error) {
	if strings.TrimSpace(id) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan id is required")
	}
	if priceCents < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "price must not be negative")
	}

	var plan *models.Plan
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		var err error
		plan, err = repo.FindPlan(ctx, id)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return pkgerrors.New(pkgerrors.CodeNotFound, "plan not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading plan")
		}
		if plan.PriceCents == priceCents {
			return nil
		}

		if _, err := s.subscribers.WithTx(tx).LockSubscriptionPrices(ctx, plan.ID, plan.PriceCents); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "pinning subscriber prices")
		}
		plan.PriceCents = priceCents
		if err := repo.UpdatePlan(ctx, plan); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "repricing plan")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// ArchivePlan retires a plan from new signups. Existing subscribers keep
// renewing on it.
func (s *service) ArchivePlan(ctx context.Context, id string) (*models.Plan, error) {
	plan, err := s.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if plan.Status == enums.PlanStatusArchived {
		return plan, nil
	}
	plan.Status = enums.PlanStatusArchived
	if err := s.repo.UpdatePlan(ctx, plan); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "archiving plan")
	}
	return plan, nil
}

func (s *service) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	if strings.TrimSpace(id) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan id is required")
	}
	plan, err := s.repo.FindPlan(ctx, id)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "plan not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading plan")
	}
	return plan, nil
}

// GetActivePlan rejects archived plans so new signups and plan changes can
// only target the live catalog.
func (s *service) GetActivePlan(ctx context.Context, id string) (*models.Plan, error) {
	plan, err := s.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if plan.Status != enums.PlanStatusActive {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "plan is archived")
	}
	return plan, nil
}

func (s *service) ListPlans(ctx context.Context, status *enums.PlanStatus) ([]models.Plan, error) {
	plans, err := s.repo.ListPlans(ctx, status)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "listing plans")
	}
	return plans, nil
}

func (s *service) CreateBundle(ctx context.Context, input CreateBundleInput) (*models.Bundle, error) {
	id := strings.TrimSpace(input.ID)
	if id == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "bundle id is required")
	}
	if strings.TrimSpace(input.Name) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "bundle name is required")
	}
	if strings.TrimSpace(input.UnlockKey) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "bundle unlock key is required")
	}
	if input.PriceCents < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "price must be non-negative")
	}
	if input.CreditsGranted < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "credits granted must be non-negative")
	}

	currency := strings.ToLower(strings.TrimSpace(input.CurrencyCode))
	if currency == "" {
		currency = "usd"
	}

	bundle := &models.Bundle{
		ID:             id,
		Name:           strings.TrimSpace(input.Name),
		Status:         enums.PlanStatusActive,
		PriceCents:     input.PriceCents,
		CurrencyCode:   currency,
		CreditsGranted: input.CreditsGranted,
		UnlockKey:      strings.TrimSpace(input.UnlockKey),
		Capabilities:   input.Capabilities,
	}
	if err := s.repo.CreateBundle(ctx, bundle); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating bundle")
	}
	return bundle, nil
}

func (s *service) GetBundle(ctx context.Context, id string) (*models.Bundle, error) {
	if strings.TrimSpace(id) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "bundle id is required")
	}
	bundle, err := s.repo.FindBundle(ctx, id)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "bundle not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading bundle")
	}
	return bundle, nil
}

func (s *service) GetActiveBundle(ctx context.Context, id string) (*models.Bundle, error) {
	bundle, err := s.GetBundle(ctx, id)
	if err != nil {
		return nil, err
	}
	if bundle.Status != enums.PlanStatusActive {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "bundle is archived")
	}
	return bundle, nil
}

func (s *service) ListBundles(ctx context.Context, status *enums.PlanStatus) ([]models.Bundle, error) {
	bundles, err := s.repo.ListBundles(ctx, status)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "listing bundles")
	}
	return bundles, nil
}
