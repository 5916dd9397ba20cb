package catalog

import (
	"context"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/cadencehq/cadence-backend/internal/billing"
	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
)

type stubRepo struct {
	Repository

	plans   map[string]*models.Plan
	bundles map[string]*models.Bundle
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		plans:   map[string]*models.Plan{},
		bundles: map[string]*models.Bundle{},
	}
}

func (s *stubRepo) WithTx(tx *gorm.DB) Repository { return s }

func (s *stubRepo) CreatePlan(ctx context.Context, plan *models.Plan) error {
	s.plans[plan.ID] = plan
	return nil
}

func (s *stubRepo) UpdatePlan(ctx context.Context, plan *models.Plan) error {
	s.plans[plan.ID] = plan
	return nil
}

func (s *stubRepo) FindPlan(ctx context.Context, id string) (*models.Plan, error) {
	if plan, ok := s.plans[id]; ok {
		return plan, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *stubRepo) CreateBundle(ctx context.Context, bundle *models.Bundle) error {
	s.bundles[bundle.ID] = bundle
	return nil
}

func (s *stubRepo) FindBundle(ctx context.Context, id string) (*models.Bundle, error) {
	if bundle, ok := s.bundles[id]; ok {
		return bundle, nil
	}
	return nil, gorm.ErrRecordNotFound
}

type stubTxRunner struct{}

func (stubTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type stubSubscribers struct {
	billing.Repository

	locks map[string]int64
}

func (s *stubSubscribers) WithTx(tx *gorm.DB) billing.Repository { return s }

func (s *stubSubscribers) LockSubscriptionPrices(ctx context.Context, planID string, priceCents int64) (int64, error) {
	if s.locks == nil {
		s.locks = map[string]int64{}
	}
	s.locks[planID] = priceCents
	return 1, nil
}

func newTestService(t *testing.T, repo *stubRepo) (Service, *stubSubscribers) {
	t.Helper()
	subscribers := &stubSubscribers{}
	svc, err := NewService(repo, stubTxRunner{}, subscribers)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, subscribers
}

func TestCreatePlanDefaultsAndValidation(t *testing.T) {
	repo := newStubRepo()
	svc, _ := newTestService(t, repo)

	plan, err := svc.CreatePlan(context.Background(), CreatePlanInput{
		ID:               "pro-monthly-v2",
		Name:             "Pro Monthly",
		Interval:         enums.BillingIntervalMonthly,
		PriceCents:       2900,
		TrialDays:        14,
		CreditsPerPeriod: 100,
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if plan.Status != enums.PlanStatusActive {
		t.Fatalf("expected active status, got %s", plan.Status)
	}
	if plan.CurrencyCode != "usd" {
		t.Fatalf("expected usd default, got %q", plan.CurrencyCode)
	}

	cases := []CreatePlanInput{
		{Name: "x", Interval: enums.BillingIntervalMonthly},
		{ID: "p", Interval: enums.BillingIntervalMonthly},
		{ID: "p", Name: "x", Interval: enums.BillingInterval("weekly")},
		{ID: "p", Name: "x", Interval: enums.BillingIntervalMonthly, PriceCents: -1},
		{ID: "p", Name: "x", Interval: enums.BillingIntervalMonthly, TrialDays: -1},
	}
	for i, input := range cases {
		if _, err := svc.CreatePlan(context.Background(), input); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestRepricePlanPinsSubscribers(t *testing.T) {
	repo := newStubRepo()
	repo.plans["pro-monthly"] = &models.Plan{ID: "pro-monthly", Status: enums.PlanStatusActive, PriceCents: 2900}
	svc, subscribers := newTestService(t, repo)

	plan, err := svc.RepricePlan(context.Background(), "pro-monthly", 3900)
	if err != nil {
		t.Fatalf("reprice: %v", err)
	}
	if plan.PriceCents != 3900 {
		t.Fatalf("price = %d, want 3900", plan.PriceCents)
	}
	if locked, ok := subscribers.locks["pro-monthly"]; !ok || locked != 2900 {
		t.Fatalf("locks = %v, want old price pinned", subscribers.locks)
	}
}

func TestRepricePlanSamePriceIsNoOp(t *testing.T) {
	repo := newStubRepo()
	repo.plans["pro-monthly"] = &models.Plan{ID: "pro-monthly", Status: enums.PlanStatusActive, PriceCents: 2900}
	svc, subscribers := newTestService(t, repo)

	if _, err := svc.RepricePlan(context.Background(), "pro-monthly", 2900); err != nil {
		t.Fatalf("reprice: %v", err)
	}
	if len(subscribers.locks) != 0 {
		t.Fatal("unchanged price must not write locks")
	}
}

func TestRepricePlanValidation(t *testing.T) {
	repo := newStubRepo()
	svc, _ := newTestService(t, repo)

	if _, err := svc.RepricePlan(context.Background(), " ", 100); err == nil {
		t.Fatal("expected validation error for blank id")
	}
	if _, err := svc.RepricePlan(context.Background(), "pro-monthly", -1); err == nil {
		t.Fatal("expected validation error for negative price")
	}
	_, err := svc.RepricePlan(context.Background(), "missing", 100)
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestArchivePlanIdempotent(t *testing.T) {
	repo := newStubRepo()
	repo.plans["basic"] = &models.Plan{ID: "basic", Status: enums.PlanStatusActive}
	svc, _ := newTestService(t, repo)

	plan, err := svc.ArchivePlan(context.Background(), "basic")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if plan.Status != enums.PlanStatusArchived {
		t.Fatalf("expected archived, got %s", plan.Status)
	}

	again, err := svc.ArchivePlan(context.Background(), "basic")
	if err != nil {
		t.Fatalf("archive again: %v", err)
	}
	if again.Status != enums.PlanStatusArchived {
		t.Fatalf("expected archived, got %s", again.Status)
	}
}

func TestGetActivePlanRejectsArchived(t *testing.T) {
	repo := newStubRepo()
	repo.plans["old"] = &models.Plan{ID: "old", Status: enums.PlanStatusArchived}
	svc, _ := newTestService(t, repo)

	_, err := svc.GetActivePlan(context.Background(), "old")
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}

	_, err = svc.GetActivePlan(context.Background(), "missing")
	typed = pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateBundleRequiresUnlockKey(t *testing.T) {
	repo := newStubRepo()
	svc, _ := newTestService(t, repo)

	if _, err := svc.CreateBundle(context.Background(), CreateBundleInput{
		ID:   "reports",
		Name: "Reports Pack",
	}); err == nil {
		t.Fatal("expected validation error")
	}

	bundle, err := svc.CreateBundle(context.Background(), CreateBundleInput{
		ID:             "reports",
		Name:           "Reports Pack",
		PriceCents:     4900,
		CreditsGranted: 50,
		UnlockKey:      "premium_reports",
	})
	if err != nil {
		t.Fatalf("create bundle: %v", err)
	}
	if bundle.UnlockKey != "premium_reports" {
		t.Fatalf("unexpected unlock key %q", bundle.UnlockKey)
	}
}

func TestPlanPeriodCredits(t *testing.T) {
	monthly := &models.Plan{Interval: enums.BillingIntervalMonthly, CreditsPerPeriod: 100}
	if got := monthly.PeriodCredits(); got != 100 {
		t.Fatalf("monthly credits: %d", got)
	}

	yearlyFlat := &models.Plan{Interval: enums.BillingIntervalYearly, CreditsPerPeriod: 1000}
	if got := yearlyFlat.PeriodCredits(); got != 1000 {
		t.Fatalf("yearly flat credits: %d", got)
	}

	yearlyX12 := &models.Plan{Interval: enums.BillingIntervalYearly, CreditsPerPeriod: 100, YearlyCreditsX12: true}
	if got := yearlyX12.PeriodCredits(); got != 1200 {
		t.Fatalf("yearly x12 credits: %d", got)
	}
}

func TestPlanPeriodEnd(t *testing.T) {
	start := time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC)

	monthly := &models.Plan{Interval: enums.BillingIntervalMonthly}
	if got := monthly.PeriodEnd(start); got != start.AddDate(0, 1, 0) {
		t.Fatalf("monthly end: %s", got)
	}

	yearly := &models.Plan{Interval: enums.BillingIntervalYearly}
	if got := yearly.PeriodEnd(start); got != start.AddDate(1, 0, 0) {
		t.Fatalf("yearly end: %s", got)
	}
}
